package delivery

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcelsud/webhook-redrive/webhook"
)

// ErrNotFound is returned when a delivery does not exist or belongs to another organization
var ErrNotFound = errors.New("delivery not found")

// idempotencyNamespace scopes the name-based UUIDs used as idempotency keys
var idempotencyNamespace = uuid.MustParse("6f1c2f8e-5d0a-4d8b-9a57-2f3c4b1e7a90")

/* Delivery is one attempt lineage for a single event sent to a single webhook
 * Payload is captured once at creation and never regenerated
 * The response fields are a projection of the latest Attempt
 */
type Delivery struct {
	ID             string
	OrgID          string
	WebhookID      string
	EventID        string
	EventType      string
	ResourceType   string
	ResourceID     string
	Status         Status
	AttemptNumber  int
	MaxAttempts    int
	RetryStrategy  webhook.RetryStrategy
	Payload        []byte
	IdempotencyKey string
	ParentID       string

	Response     Response
	Latency      time.Duration
	LastOutcome  Outcome
	ErrorMessage string

	NextRetryAt  time.Time
	ClaimedUntil time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  time.Time
}

// Request is the snapshot of an outbound HTTP request
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the snapshot of a subscriber response
// Body is an excerpt, truncated by the dispatcher
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

/* Attempt is an immutable log entry for exactly one HTTP call
 * Attempts are append-only, numbered 1..N per delivery
 */
type Attempt struct {
	DeliveryID   string
	Number       int
	SentAt       time.Time
	Request      Request
	Response     Response
	Outcome      Outcome
	Latency      time.Duration
	ErrorMessage string
	NextRetryAt  time.Time
}

// New creates a pending delivery for an event and a webhook
// Retry policy is copied from the webhook so later edits do not affect it
func New(wh webhook.Webhook, eventID, eventType, resourceType, resourceID string, payload []byte, now time.Time) Delivery {
	return Delivery{
		ID:             uuid.New().String(),
		OrgID:          wh.OrgID,
		WebhookID:      wh.ID,
		EventID:        eventID,
		EventType:      eventType,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Status:         Pending,
		AttemptNumber:  0,
		MaxAttempts:    wh.MaxAttempts(),
		RetryStrategy:  wh.RetryStrategy,
		Payload:        append([]byte(nil), payload...),
		IdempotencyKey: IdempotencyKey(eventID, wh.ID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewLineage starts a brand-new delivery lineage from a previous delivery
// The child shares the payload but gets a new id, key and attempt budget
func NewLineage(parent Delivery, wh webhook.Webhook, lineage string, now time.Time) Delivery {
	child := New(wh, parent.EventID, parent.EventType, parent.ResourceType, parent.ResourceID, parent.Payload, now)
	child.ParentID = parent.ID
	child.IdempotencyKey = LineageKey(parent.ID, lineage)
	return child
}

// IdempotencyKey derives the stable key of an (event, webhook) pair
func IdempotencyKey(eventID, webhookID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(eventID+"\x00"+webhookID)).String()
}

// LineageKey derives the key of a delivery re-created from parentID
// lineage distinguishes several explicit re-creations of the same parent
func LineageKey(parentID, lineage string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte("lineage\x00"+parentID+"\x00"+lineage)).String()
}

// IsFinal reports whether the delivery reached success or failed
func (d Delivery) IsFinal() bool {
	return d.Status.IsFinal()
}

// Exhausted reports whether no attempts remain
func (d Delivery) Exhausted() bool {
	return d.AttemptNumber >= d.MaxAttempts
}

// IntakeGrace is how long the sweep leaves a new delivery to the intake workers
const IntakeGrace = 30 * time.Second

// ScheduledAt is when the sweep considers the delivery due
func (d Delivery) ScheduledAt() time.Time {
	if d.Status == Retrying {
		return d.NextRetryAt
	}
	return d.CreatedAt.Add(IntakeGrace)
}

// Due reports whether a non-forced claim may dispatch the delivery at now
// Pending deliveries are always due, retrying ones once next_retry_at has passed
func (d Delivery) Due(now time.Time) bool {
	switch d.Status {
	case Pending:
		return true
	case Retrying:
		return !d.NextRetryAt.After(now)
	default:
		return false
	}
}

// Claimed reports whether another worker holds a lease on the delivery at now
func (d Delivery) Claimed(now time.Time) bool {
	return d.ClaimedUntil.After(now)
}

/* Filter narrows delivery listings
 * Zero values are ignored
 */
type Filter struct {
	WebhookID     string
	Status        Status
	EventType     string
	Search        string
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// Matches reports whether d satisfies every set criterion
func (f Filter) Matches(d Delivery) bool {
	if f.WebhookID != "" && d.WebhookID != f.WebhookID {
		return false
	}
	if f.Status != 0 && d.Status != f.Status {
		return false
	}
	if f.EventType != "" && d.EventType != f.EventType {
		return false
	}
	if !f.CreatedAfter.IsZero() && d.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !d.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		fields := []string{d.ID, d.EventID, d.EventType, d.ResourceType, d.ResourceID, d.ErrorMessage}
		for _, field := range fields {
			if strings.Contains(strings.ToLower(field), q) {
				return true
			}
		}
		return false
	}
	return true
}

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Page selects a window of a listing, 1-based
// PerPage <= 0 means everything
type Page struct {
	Page    int
	PerPage int
}

// NewPage clamps user-supplied pagination
func NewPage(page, perPage int) Page {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return Page{Page: page, PerPage: perPage}
}

// Bounds returns the [start, end) slice bounds of the page over total items
func (p Page) Bounds(total int) (int, int) {
	if p.PerPage <= 0 {
		return 0, total
	}
	page := p.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * p.PerPage
	if start > total {
		start = total
	}
	end := start + p.PerPage
	if end > total {
		end = total
	}
	return start, end
}
