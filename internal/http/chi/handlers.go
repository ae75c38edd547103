package chi

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/dispatch"
	"github.com/marcelsud/webhook-redrive/event"
	"github.com/marcelsud/webhook-redrive/metrics"
	"github.com/marcelsud/webhook-redrive/redrive"
	"github.com/marcelsud/webhook-redrive/webhook"
)

// OrgHeader carries the caller's organization, set by the gateway after authentication
const OrgHeader = "X-Organization-ID"

// Redrive is what the API needs from the redrive orchestrator
type Redrive interface {
	CreateJob(ctx context.Context, req redrive.Request) (redrive.Job, error)
	Retry(ctx context.Context, orgID, deliveryID string, newLineage bool) (redrive.Job, error)
	Get(ctx context.Context, orgID, id string) (redrive.Job, error)
	Targets(ctx context.Context, orgID, id string) ([]redrive.Target, error)
	Cancel(ctx context.Context, orgID, id string) (redrive.Job, error)
	EstimatedCompletion(job redrive.Job) time.Time
}

// Publisher fans events out to subscribers
type Publisher interface {
	Publish(ctx context.Context, e event.Event) (event.Result, error)
}

// Summarizer computes dashboard stats
type Summarizer interface {
	Summary(ctx context.Context, orgID, timeframe string) (metrics.Summary, error)
}

// Sender performs one-off test calls outside the delivery pipeline
type Sender interface {
	Encoder() dispatch.Encoder
	Send(ctx context.Context, req delivery.Request, timeout time.Duration) dispatch.Result
}

// Services groups the use cases served over HTTP
type Services struct {
	Webhooks   webhook.UseCase
	Deliveries delivery.Reader
	Redrive    Redrive
	Events     Publisher
	Stats      Summarizer
	Sender     Sender
	Metrics    http.Handler // optional, served at /metrics
}

// Options tunes the HTTP layer
type Options struct {
	ServiceName    string
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// API holds the handler dependencies
type API struct {
	Services
	logger   zerolog.Logger
	validate *validator.Validate
}

// NewAPI creates the handler set
func NewAPI(services Services, logger zerolog.Logger) *API {
	validate := validator.New()
	// Report JSON field names in validation details
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &API{
		Services: services,
		logger:   logger,
		validate: validate,
	}
}

// Handlers sets up the API routes
func Handlers(ctx context.Context, services Services, opts Options) *chi.Mux {
	if opts.ServiceName == "" {
		opts.ServiceName = "webhook-redrive"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	logger := httplog.NewLogger(opts.ServiceName, httplog.Options{
		JSON: true,
	})
	a := NewAPI(services, opts.Logger)

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	if services.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", services.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(requireOrg)

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", a.listWebhooks)
			r.Post("/", a.createWebhook)
			r.Get("/stats", a.getStats)
			r.Get("/{id}", a.getWebhook)
			r.Patch("/{id}", a.updateWebhook)
			r.Delete("/{id}", a.deleteWebhook)
			r.Post("/{id}/test", a.testWebhook)
		})

		r.Route("/webhook-deliveries", func(r chi.Router) {
			r.Get("/", a.listDeliveries)
			r.Post("/redrive", a.createRedriveJob)
			r.Get("/redrive-jobs/{id}", a.getRedriveJob)
			r.Post("/redrive-jobs/{id}/cancel", a.cancelRedriveJob)
			r.Get("/{id}", a.getDelivery)
			r.Get("/{id}/attempts", a.listAttempts)
			r.Post("/{id}/retry", a.retryDelivery)
		})

		r.Post("/events", a.publishEvent)
	})

	return r
}

type orgKey struct{}

// requireOrg rejects requests without an organization and stores it on the context
func requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := strings.TrimSpace(r.Header.Get(OrgHeader))
		if orgID == "" {
			badRequest(w, OrgHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKey{}, orgID)))
	})
}

func orgFrom(r *http.Request) string {
	orgID, _ := r.Context().Value(orgKey{}).(string)
	return orgID
}
