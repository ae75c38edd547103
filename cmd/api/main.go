package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/marcelsud/webhook-redrive/config"
	"github.com/marcelsud/webhook-redrive/internal/engine"
	"github.com/marcelsud/webhook-redrive/internal/http/chi"
	"github.com/marcelsud/webhook-redrive/metrics"
)

const TIMEOUT = 30 * time.Second

/* “a porta de entrada e saída da minha aplicação”
* Porque a porta de entrada? É no arquivo main.go, que vai ser compilado para gerar o executável da aplicação,
* onde é feita toda a “amarração” dos demais pacotes.
 */

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.GetConfig("")
	if err != nil {
		return err
	}
	logger, err := cfg.Logging.NewLogger(os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
	)
	defer stop()

	e, err := engine.New(*cfg, logger)
	if err != nil {
		return err
	}
	if err := e.Seed(ctx); err != nil {
		return errors.Join(err, e.Stop(context.Background()))
	}

	exporter, err := metrics.NewOTelExporter(e.Collector)
	if err != nil {
		return errors.Join(err, e.Stop(context.Background()))
	}

	r := chi.Handlers(ctx, chi.Services{
		Webhooks:   e.Webhooks,
		Deliveries: e.Store.Deliveries,
		Redrive:    e.Orchestrator,
		Events:     e.Events,
		Stats:      e.Stats,
		Sender:     e.Dispatcher,
		Metrics:    exporter.ServeHTTP(),
	}, chi.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
	})
	srv := &http.Server{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
	}

	e.Start(ctx)

	errShutdown := make(chan error, 1)
	go shutdown(srv, ctx, errShutdown)
	logger.Info().Str("port", cfg.Server.Port).Str("storage", cfg.Storage.Driver).Msg("listening")
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		stop()
		<-errShutdown
		return errors.Join(err, drain(e, exporter, logger))
	}
	err = <-errShutdown
	return errors.Join(err, drain(e, exporter, logger))
}

func shutdown(server *http.Server, ctxShutdown context.Context, errShutdown chan error) {
	<-ctxShutdown.Done()

	ctxTimeout, stop := context.WithTimeout(context.Background(), TIMEOUT)
	defer stop()

	err := server.Shutdown(ctxTimeout)
	switch err {
	case nil:
		errShutdown <- nil
	case context.DeadlineExceeded:
		errShutdown <- fmt.Errorf("Forcing closing the server")
	default:
		errShutdown <- fmt.Errorf("Forcing closing the server: %w", err)
	}
}

// drain stops the background loops once no request can start new work
func drain(e *engine.Engine, exporter *metrics.OTelExporter, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), TIMEOUT)
	defer cancel()

	logger.Info().Msg("shutting down")
	return errors.Join(e.Stop(ctx), exporter.Shutdown(ctx))
}
