package retry

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/marcelsud/webhook-redrive/delivery"
)

// LogNotifier reports exhausted deliveries as warnings, the signal alerting is built on
type LogNotifier struct {
	Logger zerolog.Logger
}

// DeliveryExhausted logs a delivery that reached failed after its last attempt
func (n LogNotifier) DeliveryExhausted(ctx context.Context, d delivery.Delivery) {
	n.Logger.Warn().
		Str("delivery_id", d.ID).
		Str("webhook_id", d.WebhookID).
		Str("org_id", d.OrgID).
		Str("event_type", d.EventType).
		Int("attempt", d.AttemptNumber).
		Str("outcome", d.LastOutcome.String()).
		Str("error", d.ErrorMessage).
		Msg("delivery exhausted")
}
