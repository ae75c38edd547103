package retry

import (
	"time"

	"github.com/marcelsud/webhook-redrive/delivery"
)

// InactiveReason is the error message of deliveries failed because their webhook is gone or inactive
const InactiveReason = "webhook inactive"

/* Advance applies one attempt to a delivery and returns the next state
 *   success                         -> success
 *   failure, attempts remain        -> retrying, next_retry_at = sent_at + delay(n)
 *   failure, attempts exhausted     -> failed
 * The attempt is updated in place with its computed next_retry_at
 */
func Advance(d delivery.Delivery, attempt *delivery.Attempt, policy Policy, now time.Time) delivery.Delivery {
	d.AttemptNumber = attempt.Number
	d.Response = attempt.Response
	d.Latency = attempt.Latency
	d.LastOutcome = attempt.Outcome
	d.ErrorMessage = attempt.ErrorMessage
	d.ClaimedUntil = time.Time{}
	d.UpdatedAt = now

	switch {
	case attempt.Outcome == delivery.OutcomeSuccess:
		d.Status = delivery.Success
		d.NextRetryAt = time.Time{}
		d.CompletedAt = now
	case !d.Exhausted():
		d.Status = delivery.Retrying
		d.NextRetryAt = retryAt(attempt.SentAt, policy.Delay(d.RetryStrategy, d.AttemptNumber), now)
		attempt.NextRetryAt = d.NextRetryAt
	default:
		d.Status = delivery.Failed
		d.NextRetryAt = time.Time{}
		d.CompletedAt = now
	}

	return d
}

// retryAt measures the delay from when the attempt was sent, never earlier than now
func retryAt(sentAt time.Time, delay time.Duration, now time.Time) time.Time {
	if sentAt.IsZero() {
		sentAt = now
	}
	at := sentAt.Add(delay)
	if at.Before(now) {
		return now
	}
	return at
}

// Deactivated fails a delivery whose webhook can no longer receive it
// No attempt is made, so attempt_number is unchanged
func Deactivated(d delivery.Delivery, now time.Time) delivery.Delivery {
	d.Status = delivery.Failed
	d.ErrorMessage = InactiveReason
	d.NextRetryAt = time.Time{}
	d.ClaimedUntil = time.Time{}
	d.UpdatedAt = now
	d.CompletedAt = now
	return d
}
