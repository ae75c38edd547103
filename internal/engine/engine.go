// Package engine wires the stores and services of one process from its configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/marcelsud/webhook-redrive/config"
	"github.com/marcelsud/webhook-redrive/dispatch"
	"github.com/marcelsud/webhook-redrive/event"
	"github.com/marcelsud/webhook-redrive/metrics"
	"github.com/marcelsud/webhook-redrive/redrive"
	"github.com/marcelsud/webhook-redrive/retry"
	"github.com/marcelsud/webhook-redrive/seed"
	"github.com/marcelsud/webhook-redrive/storage"
	"github.com/marcelsud/webhook-redrive/webhook"
)

// Engine holds every long-lived component of the delivery engine
type Engine struct {
	Store        *storage.Store
	Webhooks     *webhook.Service
	Dispatcher   *dispatch.Dispatcher
	Scheduler    *retry.Scheduler
	Orchestrator *redrive.Orchestrator
	Events       *event.Router
	Pool         *dispatch.Pool
	Stats        *metrics.Stats
	Collector    *metrics.StoreCollector

	config config.Config
	logger zerolog.Logger
}

// New opens the configured store and builds the services on top of it
func New(cfg config.Config, logger zerolog.Logger) (*Engine, error) {
	store, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}

	e, err := build(cfg, store, logger)
	if err != nil {
		return nil, errors.Join(err, store.Close(context.Background()))
	}
	return e, nil
}

func build(cfg config.Config, store *storage.Store, logger zerolog.Logger) (*Engine, error) {
	instance := instanceID()

	webhooks := webhook.NewService(store.Webhooks,
		webhook.WithLogger(logger),
		webhook.WithAllowedEvents(cfg.Events.Allowed),
	)

	dispatcher, err := dispatch.NewDispatcher(
		dispatch.WithProduct(cfg.Dispatch.Product),
		dispatch.WithMaxBodyExcerpt(cfg.Dispatch.MaxBodyExcerpt),
		dispatch.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	scheduler := retry.NewScheduler(store.Deliveries, store.Webhooks, dispatcher,
		retry.WithLogger(logger),
		retry.WithNotifier(retry.LogNotifier{Logger: logger}),
		retry.WithConfig(retry.Config{
			Policy:        retry.Policy{Base: cfg.Retry.BaseDelay, Max: cfg.Retry.MaxDelay},
			Lease:         cfg.Retry.Lease,
			SweepInterval: cfg.Retry.SweepInterval,
			BatchSize:     cfg.Retry.BatchSize,
			Parallelism:   cfg.Dispatch.Workers,
		}),
	)

	orchestrator := redrive.NewOrchestrator(store.Jobs, store.Deliveries, store.Webhooks, scheduler,
		redrive.WithLogger(logger),
		redrive.WithConfig(redrive.Config{
			Parallelism:    cfg.Redrive.Parallelism,
			Budget:         cfg.Redrive.JobBudget,
			SweepInterval:  cfg.Redrive.SweepInterval,
			TargetEstimate: cfg.Redrive.TargetEstimate,
			JobLease:       cfg.Redrive.JobLease,
			InstanceID:     instance,
		}),
	)

	pool := dispatch.NewPool(store.Deliveries, store.Deliveries, scheduler,
		dispatch.WithPoolLogger(logger),
		dispatch.WithHeartbeats(store.Workers),
		dispatch.WithPoolConfig(dispatch.PoolConfig{
			Workers:      cfg.Dispatch.Workers,
			PerOrgLimit:  cfg.Dispatch.PerOrgLimit,
			ConsumeBlock: cfg.Dispatch.ConsumeBlock,
			InstanceID:   instance,
		}),
	)

	return &Engine{
		Store:        store,
		Webhooks:     webhooks,
		Dispatcher:   dispatcher,
		Scheduler:    scheduler,
		Orchestrator: orchestrator,
		Events:       event.NewRouter(webhooks, store.Deliveries, event.WithLogger(logger)),
		Pool:         pool,
		Stats:        metrics.NewStats(store.Deliveries, store.Webhooks),
		Collector:    metrics.NewStoreCollector(store.Deliveries, store.Workers, store.Webhooks),
		config:       cfg,
		logger:       logger,
	}, nil
}

// Seed registers the webhooks of the configured seed file, if any
func (e *Engine) Seed(ctx context.Context) error {
	if e.config.Webhooks.SeedFile == "" {
		return nil
	}

	s, err := seed.Load(e.config.Webhooks.SeedFile)
	if err != nil {
		return err
	}

	_, err = e.Apply(ctx, s)
	return err
}

// Apply registers the webhooks of s that do not exist yet
func (e *Engine) Apply(ctx context.Context, s *seed.Seed) (seed.Result, error) {
	return s.Apply(ctx, e.Webhooks, e.logger)
}

// Start launches the intake pool, the retry sweep and the redrive sweep
func (e *Engine) Start(ctx context.Context) {
	e.Pool.Start(ctx)
	e.Scheduler.Start(ctx)
	e.Orchestrator.Start(ctx)
}

// Stop halts the background loops, waiting for in-flight attempts, and closes the store
func (e *Engine) Stop(ctx context.Context) error {
	e.Pool.Stop()
	e.Scheduler.Stop()
	e.Orchestrator.Stop()
	return e.Store.Close(ctx)
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
