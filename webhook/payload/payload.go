package payload

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// eventTypePattern validates event types: hierarchical, full-stop delimited, [a-zA-Z0-9_.]
var eventTypePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+(\.[a-zA-Z0-9_]+)*$`)

// wildcardSuffix marks a subscription that matches every event below a prefix
const wildcardSuffix = ".*"

// Envelope is the body sent to subscriber endpoints
type Envelope struct {
	// Event is a full-stop delimited type associated with the event
	// Examples: "form.submitted", "form.published", "response.deleted"
	Event string `json:"event"`

	// Data is the immutable event snapshot captured when the delivery was created
	Data json.RawMessage `json:"data"`
}

// Validate validates the envelope structure
func (e Envelope) Validate() error {
	if e.Event == "" {
		return fmt.Errorf("event is required")
	}

	if !eventTypePattern.MatchString(e.Event) {
		return fmt.Errorf("event must be hierarchical and contain only [a-zA-Z0-9_.]: %s", e.Event)
	}

	if len(e.Data) == 0 {
		return fmt.Errorf("data is required")
	}

	if !json.Valid(e.Data) {
		return fmt.Errorf("data must be valid JSON")
	}

	return nil
}

// New creates an Envelope from an event type and a raw JSON payload
func New(eventType string, data []byte) (Envelope, error) {
	envelope := Envelope{
		Event: eventType,
		Data:  json.RawMessage(data),
	}

	if err := envelope.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("validating envelope: %w", err)
	}

	return envelope, nil
}

// Parse parses a JSON body into an Envelope
func Parse(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("unmarshaling envelope: %w", err)
	}

	if err := envelope.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("validating envelope: %w", err)
	}

	return envelope, nil
}

// Bytes returns the JSON-encoded envelope
// The output is minified and stable for the same envelope
func (e Envelope) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// MatchesEventType checks if eventType is matched by any of the subscriptions
// Supports exact matching and prefix matching (e.g., "form.*" matches "form.submitted")
func MatchesEventType(subscriptions []string, eventType string) bool {
	for _, subscription := range subscriptions {
		// Exact match
		if subscription == eventType {
			return true
		}

		if prefix, ok := WildcardPrefix(subscription); ok {
			if strings.HasPrefix(eventType, prefix+".") {
				return true
			}
		}
	}

	return false
}

// WildcardPrefix returns the prefix of a "prefix.*" subscription
func WildcardPrefix(subscription string) (string, bool) {
	if len(subscription) > len(wildcardSuffix) && strings.HasSuffix(subscription, wildcardSuffix) {
		return strings.TrimSuffix(subscription, wildcardSuffix), true
	}
	return "", false
}

// ValidateEventType validates a concrete event type, as carried by a domain event
func ValidateEventType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}

	if !eventTypePattern.MatchString(eventType) {
		return fmt.Errorf("event type must be hierarchical and contain only [a-zA-Z0-9_.]: %s", eventType)
	}

	return nil
}

// ValidateSubscription validates an event type subscription, which may end in a wildcard
func ValidateSubscription(subscription string) error {
	if prefix, ok := WildcardPrefix(subscription); ok {
		subscription = prefix
	}

	return ValidateEventType(subscription)
}
