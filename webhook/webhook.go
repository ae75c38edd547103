package webhook

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/marcelsud/webhook-redrive/webhook/payload"
)

const (
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 120
	DefaultTimeoutSeconds = 30
	MaxRetriesLimit       = 10
	DefaultMaxRetries     = 3
	MaxNameLength         = 255
)

// ErrNotFound is returned when a webhook does not exist or belongs to another organization
var ErrNotFound = errors.New("webhook not found")

/* Webhook represents a subscriber endpoint owned by an organization
 * Uses value semantics as it represents data, not behavior
 */
type Webhook struct {
	ID             string
	OrgID          string
	Name           string
	URL            string
	Secret         string
	Active         bool
	Events         []string
	Headers        map[string]string
	TimeoutSeconds int
	MaxRetries     int
	RetryStrategy  RetryStrategy
	Stats          Stats
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Stats aggregates the outcome of every attempt made against a webhook
type Stats struct {
	TotalDeliveries      int64
	SuccessfulDeliveries int64
	FailedDeliveries     int64
	AverageLatencyMs     float64
	LastDeliveryAt       time.Time
}

// Record folds one attempt into the aggregate using a running average
func (s Stats) Record(success bool, latency time.Duration, at time.Time) Stats {
	ms := float64(latency) / float64(time.Millisecond)
	s.AverageLatencyMs = (s.AverageLatencyMs*float64(s.TotalDeliveries) + ms) / float64(s.TotalDeliveries+1)
	s.TotalDeliveries++
	if success {
		s.SuccessfulDeliveries++
	} else {
		s.FailedDeliveries++
	}
	if at.After(s.LastDeliveryAt) {
		s.LastDeliveryAt = at
	}
	return s
}

// ValidationError is a configuration error rejected before anything is persisted
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the webhook configuration
// allowed optionally restricts subscriptions to a known catalogue of event types
func (w Webhook) Validate(allowed ...string) error {
	if w.OrgID == "" {
		return invalid("org_id", "is required")
	}

	if len(w.Name) > MaxNameLength {
		return invalid("name", "must be at most %d characters", MaxNameLength)
	}

	if err := ValidateURL(w.URL); err != nil {
		return err
	}

	if w.Secret == "" {
		return invalid("secret", "is required")
	}

	if w.TimeoutSeconds < MinTimeoutSeconds || w.TimeoutSeconds > MaxTimeoutSeconds {
		return invalid("timeout_seconds", "must be between %d and %d", MinTimeoutSeconds, MaxTimeoutSeconds)
	}

	if w.MaxRetries < 0 || w.MaxRetries > MaxRetriesLimit {
		return invalid("max_retries", "must be between 0 and %d", MaxRetriesLimit)
	}

	if err := w.RetryStrategy.Validate(); err != nil {
		return invalid("retry_strategy", "%v", err)
	}

	if len(w.Events) == 0 {
		return invalid("events", "at least one event type is required")
	}

	for _, event := range w.Events {
		if err := payload.ValidateSubscription(event); err != nil {
			return invalid("events", "%v", err)
		}
		if len(allowed) > 0 && !subscriptionAllowed(event, allowed) {
			return invalid("events", "unsupported event type: %s", event)
		}
	}

	for name := range w.Headers {
		if strings.TrimSpace(name) == "" {
			return invalid("headers", "header names cannot be empty")
		}
	}

	return nil
}

// ValidateURL requires a well-formed absolute http(s) URL with a host
func ValidateURL(raw string) error {
	if raw == "" {
		return invalid("url", "is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return invalid("url", "is not a valid URL: %v", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("url", "scheme must be http or https")
	}

	if u.Host == "" {
		return invalid("url", "must be absolute and include a host")
	}

	return nil
}

func subscriptionAllowed(subscription string, allowed []string) bool {
	if prefix, ok := payload.WildcardPrefix(subscription); ok {
		for _, eventType := range allowed {
			if strings.HasPrefix(eventType, prefix+".") {
				return true
			}
		}
		return false
	}

	for _, eventType := range allowed {
		if eventType == subscription {
			return true
		}
	}
	return false
}

// Subscribes reports whether the webhook wants events of the given type
func (w Webhook) Subscribes(eventType string) bool {
	return payload.MatchesEventType(w.Events, eventType)
}

// Timeout returns the per-request timeout for the endpoint
func (w Webhook) Timeout() time.Duration {
	if w.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// MaxAttempts is the total number of HTTP calls a new delivery may make
// max_retries counts total attempts, and a delivery always gets at least one
func (w Webhook) MaxAttempts() int {
	if w.MaxRetries < 1 {
		return 1
	}
	return w.MaxRetries
}

/* Update is a partial update of a webhook
 * nil fields are left untouched
 */
type Update struct {
	Name           *string
	URL            *string
	Secret         *string
	Active         *bool
	Events         []string
	Headers        map[string]string
	TimeoutSeconds *int
	MaxRetries     *int
	RetryStrategy  *RetryStrategy
}

// Apply returns a copy of the webhook with the update applied
func (u Update) Apply(w Webhook) Webhook {
	if u.Name != nil {
		w.Name = *u.Name
	}
	if u.URL != nil {
		w.URL = *u.URL
	}
	if u.Secret != nil {
		w.Secret = *u.Secret
	}
	if u.Active != nil {
		w.Active = *u.Active
	}
	if u.Events != nil {
		w.Events = append([]string(nil), u.Events...)
	}
	if u.Headers != nil {
		headers := make(map[string]string, len(u.Headers))
		for k, v := range u.Headers {
			headers[k] = v
		}
		w.Headers = headers
	}
	if u.TimeoutSeconds != nil {
		w.TimeoutSeconds = *u.TimeoutSeconds
	}
	if u.MaxRetries != nil {
		w.MaxRetries = *u.MaxRetries
	}
	if u.RetryStrategy != nil {
		w.RetryStrategy = *u.RetryStrategy
	}
	return w
}
