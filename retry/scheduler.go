package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/webhook"
)

// ErrClaimed is returned when a delivery cannot be leased: another worker holds it,
// it is already final, or it is not due yet
var ErrClaimed = errors.New("delivery is not claimable")

// Attempter performs exactly one HTTP call for a delivery
type Attempter interface {
	Attempt(ctx context.Context, d delivery.Delivery, wh webhook.Webhook) delivery.Attempt
}

// Webhooks is the slice of the registry the scheduler needs
type Webhooks interface {
	Get(ctx context.Context, id string) (webhook.Webhook, error)
	RecordDelivery(ctx context.Context, id string, success bool, latency time.Duration, at time.Time) error
}

// ExhaustionNotifier is told about deliveries that failed for good
type ExhaustionNotifier interface {
	DeliveryExhausted(ctx context.Context, d delivery.Delivery)
}

// Config holds configuration for the scheduler.
type Config struct {
	Policy        Policy
	Lease         time.Duration // How long a claim protects a delivery from other workers
	SweepInterval time.Duration // How often to look for due retries
	BatchSize     int           // Max deliveries claimed per sweep
	Parallelism   int           // Max concurrent dispatches per sweep
}

// DefaultConfig returns a default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Policy:        DefaultPolicy(),
		Lease:         2 * time.Minute,
		SweepInterval: 1 * time.Second,
		BatchSize:     100,
		Parallelism:   16,
	}
}

/* Scheduler drives deliveries through the state machine
 * Every dispatch goes through a lease so concurrent schedulers never double-dispatch
 */
type Scheduler struct {
	deliveries delivery.Repository
	webhooks   Webhooks
	dispatcher Attempter
	notifier   ExhaustionNotifier
	config     Config
	logger     zerolog.Logger
	now        func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for the scheduler.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithConfig sets the configuration for the scheduler.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) {
		s.config = cfg
	}
}

// WithNotifier sets the exhaustion notifier.
func WithNotifier(n ExhaustionNotifier) Option {
	return func(s *Scheduler) {
		s.notifier = n
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a new retry scheduler.
func NewScheduler(deliveries delivery.Repository, webhooks Webhooks, dispatcher Attempter, opts ...Option) *Scheduler {
	s := &Scheduler{
		deliveries: deliveries,
		webhooks:   webhooks,
		dispatcher: dispatcher,
		config:     DefaultConfig(),
		logger:     zerolog.Nop(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.config.Parallelism < 1 {
		s.config.Parallelism = 1
	}
	if s.config.BatchSize < 1 {
		s.config.BatchSize = DefaultConfig().BatchSize
	}

	return s
}

// Dispatch makes the next attempt of a delivery if it is due and unclaimed
// Used by the intake path
func (s *Scheduler) Dispatch(ctx context.Context, id string) (delivery.Delivery, error) {
	now := s.now()
	d, ok, err := s.deliveries.Claim(ctx, id, now, now.Add(s.config.Lease))
	if err != nil {
		return delivery.Delivery{}, fmt.Errorf("claiming delivery %s: %w", id, err)
	}
	if !ok {
		return d, ErrClaimed
	}

	return s.run(ctx, d)
}

// Redrive makes the next attempt of a delivery now, ignoring next_retry_at
// It never exceeds max_attempts: final deliveries are not claimable
func (s *Scheduler) Redrive(ctx context.Context, id string) (delivery.Delivery, error) {
	now := s.now()
	d, ok, err := s.deliveries.ClaimForce(ctx, id, now, now.Add(s.config.Lease))
	if err != nil {
		return delivery.Delivery{}, fmt.Errorf("claiming delivery %s: %w", id, err)
	}
	if !ok {
		return d, ErrClaimed
	}

	return s.run(ctx, d)
}

// Sweep claims every due delivery and dispatches them with bounded parallelism
// Returns the number of deliveries dispatched
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.deliveries.ClaimDue(ctx, now, now.Add(s.config.Lease), s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claiming due deliveries: %w", err)
	}

	if len(due) == 0 {
		return 0, nil
	}

	s.logger.Debug().Int("count", len(due)).Msg("dispatching due deliveries")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Parallelism)

	for _, d := range due {
		d := d
		g.Go(func() error {
			// Claimed deliveries are attempted even when the sweep is stopping
			if _, err := s.run(gctx, d); err != nil {
				s.logger.Error().Err(err).Str("delivery_id", d.ID).Msg("sweep dispatch failed")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return len(due), err
	}

	return len(due), nil
}

// run performs one attempt on a claimed delivery and records the result
// Once claimed, the attempt outlives ctx: only the webhook timeout bounds the call,
// so every request that went out gets its attempt recorded
func (s *Scheduler) run(ctx context.Context, d delivery.Delivery) (delivery.Delivery, error) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.With().
		Str("delivery_id", d.ID).
		Str("webhook_id", d.WebhookID).
		Str("org_id", d.OrgID).
		Logger()

	wh, err := s.webhooks.Get(ctx, d.WebhookID)
	if err != nil && !errors.Is(err, webhook.ErrNotFound) {
		return d, fmt.Errorf("getting webhook %s: %w", d.WebhookID, err)
	}

	if errors.Is(err, webhook.ErrNotFound) || !wh.Active || wh.OrgID != d.OrgID {
		d = Deactivated(d, s.now())
		if err := s.deliveries.Record(ctx, d, nil); err != nil {
			return d, fmt.Errorf("recording inactive delivery: %w", err)
		}
		log.Warn().Msg("delivery failed: webhook inactive")
		s.exhausted(ctx, d)
		return d, nil
	}

	attempt := s.dispatcher.Attempt(ctx, d, wh)
	d = Advance(d, &attempt, s.config.Policy, s.now())

	if err := s.deliveries.Record(ctx, d, &attempt); err != nil {
		return d, fmt.Errorf("recording attempt %d: %w", attempt.Number, err)
	}

	if err := s.webhooks.RecordDelivery(ctx, wh.ID, attempt.Outcome == delivery.OutcomeSuccess, attempt.Latency, attempt.SentAt); err != nil {
		log.Error().Err(err).Msg("updating webhook stats")
	}

	event := log.Info()
	if d.Status == delivery.Failed {
		event = log.Warn()
	}
	event.
		Int("attempt", d.AttemptNumber).
		Int("max_attempts", d.MaxAttempts).
		Str("outcome", attempt.Outcome.String()).
		Int("status_code", attempt.Response.StatusCode).
		Dur("latency", attempt.Latency).
		Str("status", d.Status.String()).
		Msg("delivery attempted")

	if d.Status == delivery.Failed {
		s.exhausted(ctx, d)
	}

	return d, nil
}

func (s *Scheduler) exhausted(ctx context.Context, d delivery.Delivery) {
	if s.notifier != nil {
		s.notifier.DeliveryExhausted(ctx, d)
	}
}

// Start begins the periodic sweep.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(1)
	go s.loop()

	s.logger.Info().
		Dur("sweep_interval", s.config.SweepInterval).
		Int("batch_size", s.config.BatchSize).
		Msg("retry scheduler started")
}

// Stop stops claiming due deliveries and waits for in-flight attempts to be recorded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.logger.Info().Msg("retry scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		if s.ctx.Err() != nil {
			return
		}

		// A full batch means more may be due, so sweep again without waiting
		n, err := s.Sweep(s.ctx)
		if err != nil && s.ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("retry sweep failed")
		}
		if n >= s.config.BatchSize {
			continue
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
