// Package memory is an in-process store with the same semantics as the Redis store.
// Useful for testing and development.
package memory

import "time"

// Store bundles the in-memory repositories
type Store struct {
	Webhooks   *WebhookRepository
	Deliveries *DeliveryRepository
	Jobs       *JobRepository
	Workers    *HeartbeatRepository
}

// Option configures the in-memory store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithNow overrides the clock used for lock and heartbeat expiry.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// NewStore creates an empty in-memory store.
func NewStore(opts ...Option) *Store {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &Store{
		Webhooks:   NewWebhookRepository(),
		Deliveries: NewDeliveryRepository(),
		Jobs:       NewJobRepository(o.now),
		Workers:    NewHeartbeatRepository(o.now),
	}
}
