package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelsud/webhook-redrive/metrics"
	"github.com/marcelsud/webhook-redrive/storage/memory"
)

// The Prometheus exporter registers globally, so this is the only exporter in the package tests
func TestOTelExporter_ServesGauges(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.Deliveries.Enqueue(ctx, "d_1"))
	require.NoError(t, store.Workers.SetWorkerHeartbeat(ctx, "w1", "dispatch", "idle"))

	exporter, err := metrics.NewOTelExporter(metrics.NewStoreCollector(store.Deliveries, store.Workers, store.Webhooks))
	require.NoError(t, err)
	defer exporter.Shutdown(ctx)

	rec := httptest.NewRecorder()
	exporter.ServeHTTP().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "webhook_queue_length")
	assert.Contains(t, body, "webhook_retries_due")
	assert.Contains(t, body, "webhook_endpoints_active")
	assert.Contains(t, body, `worker_pool="dispatch"`)
}
