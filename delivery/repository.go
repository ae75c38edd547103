package delivery

import (
	"context"
	"time"
)

// Reader provides read operations for deliveries and their attempt log
type Reader interface {
	Get(ctx context.Context, id string) (Delivery, error)
	/* List returns one page of an organization's deliveries, newest first,
	 * together with the total number of matches
	 */
	List(ctx context.Context, orgID string, filter Filter, page Page) ([]Delivery, int, error)
	// Attempts returns the attempt log ordered oldest to newest
	Attempts(ctx context.Context, id string) ([]Attempt, error)
}

// Writer provides write operations for deliveries
type Writer interface {
	/* CreateIfAbsent stores d unless a delivery with the same idempotency key exists
	 * Returns the stored delivery and whether it was created by this call
	 */
	CreateIfAbsent(ctx context.Context, d Delivery) (Delivery, bool, error)
	/* Record persists the new projection of d, appends attempt when non-nil,
	 * reschedules or unschedules the delivery and releases its lease
	 */
	Record(ctx context.Context, d Delivery, attempt *Attempt) error
}

// Leaser hands out exclusive, time-bounded dispatch rights
type Leaser interface {
	/* Claim leases one delivery until the given time
	 * It fails (false, nil) when the delivery is final, leased by someone else or not yet due
	 */
	Claim(ctx context.Context, id string, now, until time.Time) (Delivery, bool, error)
	// ClaimForce is Claim without the due check, used by redrive
	ClaimForce(ctx context.Context, id string, now, until time.Time) (Delivery, bool, error)
	// ClaimDue atomically leases up to limit deliveries whose eligibility time has passed
	ClaimDue(ctx context.Context, now, until time.Time, limit int) ([]Delivery, error)
}

// Message is one intake queue entry
type Message struct {
	ID         string
	DeliveryID string
}

// Queue is the dispatcher intake queue
type Queue interface {
	Enqueue(ctx context.Context, deliveryID string) error
	/* Consume blocks up to block waiting for new messages
	 * Returns an empty slice when nothing arrived
	 */
	Consume(ctx context.Context, consumer string, count int, block time.Duration) ([]Message, error)
	Acknowledge(ctx context.Context, messageIDs ...string) error
	Pending(ctx context.Context) (int64, error)
}

/* Interface composition - combining small interfaces into larger ones
 * This is preferred over large monolithic interfaces
 */
type Repository interface {
	Reader
	Writer
	Leaser
	Queue
}
