package webhook

//go:generate go tool mockery

import (
	"context"
	"time"
)

/* Small, focused interfaces following "The Go Way"
 * Storage is organization-agnostic, ownership checks live in the Service
 */

// Reader provides read operations for webhooks
type Reader interface {
	Get(ctx context.Context, id string) (Webhook, error)
	List(ctx context.Context, orgID string) ([]Webhook, error)
	/* ListActiveForEvent is the fan-out hot path
	 * Implementations must answer it from an (org, event type, active) index
	 */
	ListActiveForEvent(ctx context.Context, orgID, eventType string) ([]Webhook, error)
}

// Writer provides write operations for webhooks
type Writer interface {
	Create(ctx context.Context, webhook Webhook) error
	/* Save replaces the stored configuration and refreshes the event index
	 * Stats are owned by RecordDelivery and are not overwritten
	 */
	Save(ctx context.Context, webhook Webhook) error
	RecordDelivery(ctx context.Context, id string, success bool, latency time.Duration, at time.Time) error
}

/* Interface composition - combining small interfaces into larger ones
 * This is preferred over large monolithic interfaces
 */
type Repository interface {
	Reader
	Writer
}
