package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marcelsud/webhook-redrive/webhook/signature"
)

/* Service represents the business logic layer of the registry
 * Uses pointer semantics as it's an API, not data
 */

// UseCase defines the business operations for webhook management
type UseCase interface {
	Create(ctx context.Context, webhook Webhook) (Webhook, error)
	Update(ctx context.Context, orgID, id string, update Update) (Webhook, error)
	Deactivate(ctx context.Context, orgID, id string) error
	Get(ctx context.Context, orgID, id string) (Webhook, error)
	List(ctx context.Context, orgID string) ([]Webhook, error)
	ListActiveForEvent(ctx context.Context, eventType, orgID string) ([]Webhook, error)
	RecordDelivery(ctx context.Context, id string, success bool, latency time.Duration, at time.Time) error
}

type Service struct {
	Repo    Repository
	logger  zerolog.Logger
	allowed []string
	now     func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithAllowedEvents restricts subscriptions to a catalogue of event types
func WithAllowedEvents(events []string) Option {
	return func(s *Service) {
		s.allowed = events
	}
}

// WithNow overrides the clock
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a new webhook service with dependency injection
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		Repo:   repo,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new, active webhook
// A signing secret is generated when none is supplied
func (s *Service) Create(ctx context.Context, wh Webhook) (Webhook, error) {
	if wh.ID == "" {
		wh.ID = uuid.New().String()
	}
	if wh.TimeoutSeconds == 0 {
		wh.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if wh.RetryStrategy == 0 {
		wh.RetryStrategy = Exponential
	}
	if wh.Secret == "" {
		secret, err := signature.GenerateSecret(signature.DefaultSecretBytes)
		if err != nil {
			return Webhook{}, fmt.Errorf("generating secret: %w", err)
		}
		wh.Secret = secret
	}

	wh.Active = true
	wh.Stats = Stats{}
	now := s.now().UTC()
	wh.CreatedAt = now
	wh.UpdatedAt = now

	if err := wh.Validate(s.allowed...); err != nil {
		return Webhook{}, err
	}

	if err := s.Repo.Create(ctx, wh); err != nil {
		return Webhook{}, fmt.Errorf("creating webhook: %w", err)
	}

	s.logger.Info().
		Str("webhook_id", wh.ID).
		Str("org_id", wh.OrgID).
		Strs("events", wh.Events).
		Msg("webhook created")

	return wh, nil
}

// Update applies a partial update to a webhook owned by orgID
// In-flight deliveries keep the policy they were created with
func (s *Service) Update(ctx context.Context, orgID, id string, update Update) (Webhook, error) {
	wh, err := s.Get(ctx, orgID, id)
	if err != nil {
		return Webhook{}, err
	}

	wh = update.Apply(wh)
	wh.UpdatedAt = s.now().UTC()

	if err := wh.Validate(s.allowed...); err != nil {
		return Webhook{}, err
	}

	if err := s.Repo.Save(ctx, wh); err != nil {
		return Webhook{}, fmt.Errorf("saving webhook: %w", err)
	}

	return wh, nil
}

// Deactivate soft-deletes a webhook: no new deliveries, history is kept
func (s *Service) Deactivate(ctx context.Context, orgID, id string) error {
	wh, err := s.Get(ctx, orgID, id)
	if err != nil {
		return err
	}

	if !wh.Active {
		return nil
	}

	wh.Active = false
	wh.UpdatedAt = s.now().UTC()

	if err := s.Repo.Save(ctx, wh); err != nil {
		return fmt.Errorf("deactivating webhook: %w", err)
	}

	s.logger.Info().Str("webhook_id", id).Str("org_id", orgID).Msg("webhook deactivated")
	return nil
}

// Get returns a webhook owned by orgID
func (s *Service) Get(ctx context.Context, orgID, id string) (Webhook, error) {
	wh, err := s.Repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Webhook{}, ErrNotFound
	}
	if err != nil {
		return Webhook{}, fmt.Errorf("getting webhook: %w", err)
	}

	if wh.OrgID != orgID {
		return Webhook{}, ErrNotFound
	}

	return wh, nil
}

// List returns every webhook of an organization, active or not
func (s *Service) List(ctx context.Context, orgID string) ([]Webhook, error) {
	webhooks, err := s.Repo.List(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}
	return webhooks, nil
}

// ListActiveForEvent returns the active webhooks of orgID subscribed to eventType
func (s *Service) ListActiveForEvent(ctx context.Context, eventType, orgID string) ([]Webhook, error) {
	webhooks, err := s.Repo.ListActiveForEvent(ctx, orgID, eventType)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks for %s: %w", eventType, err)
	}
	return webhooks, nil
}

// RecordDelivery folds an attempt outcome into the webhook's aggregate stats
func (s *Service) RecordDelivery(ctx context.Context, id string, success bool, latency time.Duration, at time.Time) error {
	if err := s.Repo.RecordDelivery(ctx, id, success, latency, at); err != nil {
		return fmt.Errorf("recording delivery stats: %w", err)
	}
	return nil
}
