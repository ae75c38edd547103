package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/webhook"
)

// ErrInvalidTimeframe is returned for timeframes other than hour, day, week and month
var ErrInvalidTimeframe = errors.New("timeframe must be one of hour, day, week, month")

// DefaultTimeframe is used when no timeframe is requested
const DefaultTimeframe = "day"

// Window returns the duration of a dashboard timeframe
func Window(timeframe string) (time.Duration, error) {
	switch timeframe {
	case "hour":
		return time.Hour, nil
	case "day", "":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	case "month":
		return 30 * 24 * time.Hour, nil
	default:
		return 0, ErrInvalidTimeframe
	}
}

// Summary aggregates an organization's deliveries over a timeframe
type Summary struct {
	Timeframe        string           `json:"timeframe"`
	Since            time.Time        `json:"since"`
	TotalDeliveries  int64            `json:"total_deliveries"`
	ByStatus         map[string]int64 `json:"by_status"`
	ByOutcome        map[string]int64 `json:"by_outcome"`
	ByEventType      map[string]int64 `json:"by_event_type"`
	SuccessRate      float64          `json:"success_rate"`
	AverageLatencyMs float64          `json:"average_latency_ms"`
	ActiveWebhooks   int64            `json:"active_webhooks"`
	TotalWebhooks    int64            `json:"total_webhooks"`
}

// DeliveryLister lists deliveries of an organization
type DeliveryLister interface {
	List(ctx context.Context, orgID string, filter delivery.Filter, page delivery.Page) ([]delivery.Delivery, int, error)
}

// WebhookLister lists webhooks of an organization
type WebhookLister interface {
	List(ctx context.Context, orgID string) ([]webhook.Webhook, error)
}

// Stats computes dashboard summaries
type Stats struct {
	deliveries DeliveryLister
	webhooks   WebhookLister
	now        func() time.Time
}

// NewStats creates a stats service
func NewStats(deliveries DeliveryLister, webhooks WebhookLister) *Stats {
	return &Stats{
		deliveries: deliveries,
		webhooks:   webhooks,
		now:        time.Now,
	}
}

// Summary aggregates the deliveries created within the timeframe
// Outcomes are those of each delivery's latest attempt
func (s *Stats) Summary(ctx context.Context, orgID, timeframe string) (Summary, error) {
	window, err := Window(timeframe)
	if err != nil {
		return Summary{}, err
	}
	if timeframe == "" {
		timeframe = DefaultTimeframe
	}

	since := s.now().UTC().Add(-window)
	deliveries, _, err := s.deliveries.List(ctx, orgID, delivery.Filter{CreatedAfter: since}, delivery.Page{})
	if err != nil {
		return Summary{}, fmt.Errorf("listing deliveries: %w", err)
	}

	summary := Summary{
		Timeframe:   timeframe,
		Since:       since,
		ByStatus:    make(map[string]int64),
		ByOutcome:   make(map[string]int64),
		ByEventType: make(map[string]int64),
	}
	for _, status := range []delivery.Status{delivery.Pending, delivery.Retrying, delivery.Success, delivery.Failed} {
		summary.ByStatus[status.String()] = 0
	}
	for _, outcome := range delivery.Failures() {
		summary.ByOutcome[outcome.String()] = 0
	}

	var latencyTotal time.Duration
	var attempted, final int64
	for _, d := range deliveries {
		summary.TotalDeliveries++
		summary.ByStatus[d.Status.String()]++
		summary.ByEventType[d.EventType]++

		if d.LastOutcome != 0 {
			summary.ByOutcome[d.LastOutcome.String()]++
		}
		if d.AttemptNumber > 0 {
			attempted++
			latencyTotal += d.Latency
		}
		if d.IsFinal() {
			final++
		}
	}

	if final > 0 {
		summary.SuccessRate = round2(float64(summary.ByStatus[delivery.Success.String()]) / float64(final) * 100)
	}
	if attempted > 0 {
		summary.AverageLatencyMs = round2(float64(latencyTotal) / float64(attempted) / float64(time.Millisecond))
	}

	webhooks, err := s.webhooks.List(ctx, orgID)
	if err != nil {
		return Summary{}, fmt.Errorf("listing webhooks: %w", err)
	}
	summary.TotalWebhooks = int64(len(webhooks))
	for _, wh := range webhooks {
		if wh.Active {
			summary.ActiveWebhooks++
		}
	}

	return summary, nil
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
