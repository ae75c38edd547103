// Package event fans domain events out to subscribed webhooks.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/webhook"
	"github.com/marcelsud/webhook-redrive/webhook/payload"
)

// Event is a domain event produced outside the engine
// Payload is opaque to the engine and forwarded as the envelope data
type Event struct {
	ID           string
	OrgID        string
	Type         string
	ResourceType string
	ResourceID   string
	Payload      []byte
	OccurredAt   time.Time
}

// Validate checks the event before fan-out
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.OrgID == "" {
		return fmt.Errorf("organization id is required")
	}
	if err := payload.ValidateEventType(e.Type); err != nil {
		return err
	}
	if len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return fmt.Errorf("payload must be valid JSON")
	}
	return nil
}

// Subscribers finds the webhooks interested in an event
type Subscribers interface {
	ListActiveForEvent(ctx context.Context, eventType, orgID string) ([]webhook.Webhook, error)
}

// Store is what the router needs from the delivery store
type Store interface {
	CreateIfAbsent(ctx context.Context, d delivery.Delivery) (delivery.Delivery, bool, error)
	Enqueue(ctx context.Context, deliveryID string) error
}

// Result lists the deliveries of one fan-out
// Existing holds deliveries a previous fan-out of the same event already created
type Result struct {
	Created  []delivery.Delivery
	Existing []delivery.Delivery
}

// Router creates one delivery per matching webhook and hands new ones to the intake queue
type Router struct {
	subscribers Subscribers
	store       Store
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures the Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// NewRouter creates a fan-out router
func NewRouter(subscribers Subscribers, store Store, opts ...Option) *Router {
	r := &Router{
		subscribers: subscribers,
		store:       store,
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish fans an event out to every active subscribed webhook of its organization
// Re-publishing the same event id is safe: pairs that already have a delivery are left alone
func (r *Router) Publish(ctx context.Context, e Event) (Result, error) {
	if err := e.Validate(); err != nil {
		return Result{}, fmt.Errorf("validating event: %w", err)
	}

	webhooks, err := r.subscribers.ListActiveForEvent(ctx, e.Type, e.OrgID)
	if err != nil {
		return Result{}, fmt.Errorf("finding subscribers: %w", err)
	}

	var result Result
	for _, wh := range webhooks {
		d := delivery.New(wh, e.ID, e.Type, e.ResourceType, e.ResourceID, e.Payload, r.now().UTC())

		stored, created, err := r.store.CreateIfAbsent(ctx, d)
		if err != nil {
			return result, fmt.Errorf("creating delivery for webhook %s: %w", wh.ID, err)
		}

		if !created {
			result.Existing = append(result.Existing, stored)
			continue
		}
		result.Created = append(result.Created, stored)

		// A lost enqueue is recovered by the retry sweep once the intake grace expires
		if err := r.store.Enqueue(ctx, stored.ID); err != nil {
			r.logger.Warn().Err(err).Str("delivery_id", stored.ID).Msg("enqueueing delivery")
		}
	}

	r.logger.Info().
		Str("event_id", e.ID).
		Str("event_type", e.Type).
		Str("org_id", e.OrgID).
		Int("created", len(result.Created)).
		Int("existing", len(result.Existing)).
		Msg("event published")

	return result, nil
}
