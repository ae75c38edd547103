package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/metrics"
	"github.com/marcelsud/webhook-redrive/storage/memory"
	"github.com/marcelsud/webhook-redrive/webhook"
)

func TestWindow(t *testing.T) {
	tests := []struct {
		timeframe string
		want      time.Duration
	}{
		{"hour", time.Hour},
		{"day", 24 * time.Hour},
		{"", 24 * time.Hour},
		{"week", 7 * 24 * time.Hour},
		{"month", 30 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.timeframe, func(t *testing.T) {
			got, err := metrics.Window(tt.timeframe)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := metrics.Window("year")
	assert.ErrorIs(t, err, metrics.ErrInvalidTimeframe)
}

func TestStats_Summary(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	wh := webhook.Webhook{ID: "wh_1", OrgID: "org_1", Active: true, MaxRetries: 3, Events: []string{"order.created"}}
	require.NoError(t, store.Webhooks.Create(ctx, wh))
	require.NoError(t, store.Webhooks.Create(ctx, webhook.Webhook{ID: "wh_2", OrgID: "org_1", Events: []string{"order.created"}}))

	seed(t, store, wh, "evt_1", delivery.Success, delivery.OutcomeSuccess, 100*time.Millisecond)
	seed(t, store, wh, "evt_2", delivery.Success, delivery.OutcomeSuccess, 200*time.Millisecond)
	seed(t, store, wh, "evt_3", delivery.Failed, delivery.OutcomeTimeout, 300*time.Millisecond)
	seed(t, store, wh, "evt_4", delivery.Retrying, delivery.OutcomeServerError, 400*time.Millisecond)
	seed(t, store, wh, "evt_5", delivery.Pending, 0, 0)
	seed(t, store, webhook.Webhook{ID: "wh_9", OrgID: "org_2", MaxRetries: 1}, "evt_6", delivery.Success, delivery.OutcomeSuccess, 0)

	summary, err := metrics.NewStats(store.Deliveries, store.Webhooks).Summary(ctx, "org_1", "")
	require.NoError(t, err)

	assert.Equal(t, "day", summary.Timeframe)
	assert.Equal(t, int64(5), summary.TotalDeliveries)
	assert.Equal(t, int64(2), summary.ByStatus["success"])
	assert.Equal(t, int64(1), summary.ByStatus["failed"])
	assert.Equal(t, int64(1), summary.ByStatus["retrying"])
	assert.Equal(t, int64(1), summary.ByStatus["pending"])
	assert.Equal(t, int64(1), summary.ByOutcome["timeout"])
	assert.Equal(t, int64(1), summary.ByOutcome["server_error"])
	assert.Equal(t, int64(0), summary.ByOutcome["network_error"])
	assert.Equal(t, int64(5), summary.ByEventType["order.created"])
	assert.Equal(t, 66.67, summary.SuccessRate)
	assert.Equal(t, 250.0, summary.AverageLatencyMs)
	assert.Equal(t, int64(2), summary.TotalWebhooks)
	assert.Equal(t, int64(1), summary.ActiveWebhooks)

	_, err = metrics.NewStats(store.Deliveries, store.Webhooks).Summary(ctx, "org_1", "decade")
	assert.ErrorIs(t, err, metrics.ErrInvalidTimeframe)
}
