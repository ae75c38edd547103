package chi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/dispatch"
	"github.com/marcelsud/webhook-redrive/event"
	"github.com/marcelsud/webhook-redrive/metrics"
	"github.com/marcelsud/webhook-redrive/redrive"
	"github.com/marcelsud/webhook-redrive/retry"
	"github.com/marcelsud/webhook-redrive/storage/memory"
	"github.com/marcelsud/webhook-redrive/webhook"
	"github.com/marcelsud/webhook-redrive/webhook/signature"
)

/*
* The API is exercised end to end on the in-memory store with a real dispatcher
* Subscribers are httptest servers
 */

type subscriber struct {
	server *httptest.Server
	status atomic.Int64
	delay  atomic.Int64

	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func newSubscriber(t *testing.T, status int) *subscriber {
	t.Helper()
	s := &subscriber{}
	s.status.Store(int64(status))
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, body)
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()
		time.Sleep(time.Duration(s.delay.Load()))
		w.WriteHeader(int(s.status.Load()))
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *subscriber) last() ([]byte, http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bodies) == 0 {
		return nil, nil
	}
	return s.bodies[len(s.bodies)-1], s.headers[len(s.headers)-1]
}

type testAPI struct {
	handler      http.Handler
	store        *memory.Store
	scheduler    *retry.Scheduler
	orchestrator *redrive.Orchestrator
	subscriber   *subscriber
}

func newTestAPI(t *testing.T, opts ...Options) *testAPI {
	t.Helper()

	var options Options
	if len(opts) > 0 {
		options = opts[0]
	}

	store := memory.NewStore()
	webhooks := webhook.NewService(store.Webhooks)
	dispatcher, err := dispatch.NewDispatcher()
	require.NoError(t, err)

	scheduler := retry.NewScheduler(store.Deliveries, store.Webhooks, dispatcher)
	orchestrator := redrive.NewOrchestrator(store.Jobs, store.Deliveries, store.Webhooks, scheduler)

	handler := Handlers(context.Background(), Services{
		Webhooks:   webhooks,
		Deliveries: store.Deliveries,
		Redrive:    orchestrator,
		Events:     event.NewRouter(webhooks, store.Deliveries),
		Stats:      metrics.NewStats(store.Deliveries, store.Webhooks),
		Sender:     dispatcher,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
	}, options)

	return &testAPI{
		handler:      handler,
		store:        store,
		scheduler:    scheduler,
		orchestrator: orchestrator,
		subscriber:   newSubscriber(t, http.StatusOK),
	}
}

func (a *testAPI) do(t *testing.T, method, path, orgID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if orgID != "" {
		req.Header.Set(OrgHeader, orgID)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// createWebhook registers a webhook pointing at the test subscriber
func (a *testAPI) createWebhook(t *testing.T, orgID string, events ...string) webhookResponse {
	t.Helper()
	w := a.do(t, http.MethodPost, "/webhooks", orgID, map[string]any{
		"name":           "CRM sync",
		"url":            a.subscriber.server.URL,
		"events":         events,
		"max_retries":    3,
		"retry_strategy": "fixed",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[webhookResponse](t, w)
}

// publish fans an event out and returns the created delivery ids
func (a *testAPI) publish(t *testing.T, orgID, eventID, eventType string) []string {
	t.Helper()
	w := a.do(t, http.MethodPost, "/events", orgID, map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{"form_id": "f_1"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	return decode[publishEventResponse](t, w).Created
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())

	w = api.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# metrics")
}

func TestRequireOrg(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/webhooks", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	resp := decode[errorResponse](t, w)
	assert.Equal(t, codeInvalidInput, resp.Code)
	assert.Equal(t, "Bad Request", resp.Error)
	assert.Contains(t, resp.Message, OrgHeader)
}

func TestWebhooksAPI(t *testing.T) {
	api := newTestAPI(t)

	t.Run("create applies defaults and returns the secret once", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/webhooks", "org_1", map[string]any{
			"url":    "https://hooks.example.com/forms",
			"events": []string{"form.submitted"},
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		created := decode[webhookResponse](t, w)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, "org_1", created.OrgID)
		assert.True(t, created.Active)
		assert.Equal(t, webhook.DefaultMaxRetries, created.MaxRetries)
		assert.Equal(t, "exponential", created.RetryStrategy)
		assert.Equal(t, webhook.DefaultTimeoutSeconds, created.TimeoutSeconds)
		assert.Contains(t, created.Secret, signature.SecretPrefix)

		w = api.do(t, http.MethodGet, "/webhooks/"+created.ID, "org_1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, decode[webhookResponse](t, w).Secret)
	})

	t.Run("create rejects malformed input", func(t *testing.T) {
		tests := []struct {
			name  string
			body  any
			field string
		}{
			{"missing url", map[string]any{"events": []string{"form.submitted"}}, "url"},
			{"relative url", map[string]any{"url": "/hooks", "events": []string{"form.submitted"}}, "url"},
			{"no events", map[string]any{"url": "https://example.com", "events": []string{}}, "events"},
			{"bad event type", map[string]any{"url": "https://example.com", "events": []string{"form submitted"}}, "events"},
			{"timeout too large", map[string]any{"url": "https://example.com", "events": []string{"a.b"}, "timeout_seconds": 500}, "timeout_seconds"},
			{"unknown strategy", map[string]any{"url": "https://example.com", "events": []string{"a.b"}, "retry_strategy": "random"}, "retry_strategy"},
			{"invalid json", `{"url":`, "body"},
			{"unknown field", map[string]any{"url": "https://example.com", "events": []string{"a.b"}, "colour": "red"}, "body"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := api.do(t, http.MethodPost, "/webhooks", "org_1", tt.body)
				require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

				resp := decode[errorResponse](t, w)
				assert.Equal(t, codeInvalidInput, resp.Code)
				assert.Contains(t, resp.Details, tt.field)
			})
		}
	})

	t.Run("update, list and soft delete", func(t *testing.T) {
		first := api.createWebhook(t, "org_2", "form.submitted")
		api.createWebhook(t, "org_2", "form.*")

		w := api.do(t, http.MethodPatch, "/webhooks/"+first.ID, "org_2", map[string]any{
			"name":           "Renamed",
			"retry_strategy": "linear",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		updated := decode[webhookResponse](t, w)
		assert.Equal(t, "Renamed", updated.Name)
		assert.Equal(t, "linear", updated.RetryStrategy)
		assert.Equal(t, first.URL, updated.URL)

		w = api.do(t, http.MethodGet, "/webhooks?page=1&per_page=1", "org_2", nil)
		require.Equal(t, http.StatusOK, w.Code)
		page := decode[struct {
			Data    []webhookResponse `json:"data"`
			Total   int               `json:"total"`
			Page    int               `json:"page"`
			PerPage int               `json:"per_page"`
		}](t, w)
		assert.Equal(t, 2, page.Total)
		assert.Len(t, page.Data, 1)
		assert.Equal(t, 1, page.PerPage)

		w = api.do(t, http.MethodDelete, "/webhooks/"+first.ID, "org_2", nil)
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = api.do(t, http.MethodGet, "/webhooks/"+first.ID, "org_2", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, decode[webhookResponse](t, w).Active)
	})

	t.Run("webhooks of other organizations are not found", func(t *testing.T) {
		wh := api.createWebhook(t, "org_3", "form.submitted")

		for _, req := range []struct{ method, path string }{
			{http.MethodGet, "/webhooks/" + wh.ID},
			{http.MethodDelete, "/webhooks/" + wh.ID},
			{http.MethodPost, "/webhooks/" + wh.ID + "/test"},
		} {
			w := api.do(t, req.method, req.path, "org_other", nil)
			require.Equal(t, http.StatusNotFound, w.Code, req.path)
			assert.Equal(t, codeNotFound, decode[errorResponse](t, w).Code)
		}
	})

	t.Run("pagination bounds are validated", func(t *testing.T) {
		w := api.do(t, http.MethodGet, "/webhooks?per_page=500", "org_1", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = api.do(t, http.MethodGet, "/webhooks?page=abc", "org_1", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTestWebhook(t *testing.T) {
	api := newTestAPI(t)
	created := api.createWebhook(t, "org_1", "form.submitted")

	t.Run("signed synchronous call, nothing persisted", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/webhooks/"+created.ID+"/test", "org_1", map[string]any{
			"event_type": "form.submitted",
			"data":       map[string]any{"sample": true},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		resp := decode[testWebhookResponse](t, w)
		assert.True(t, resp.Success)
		assert.Equal(t, "success", resp.Outcome)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body, headers := api.subscriber.last()
		assert.JSONEq(t, `{"event":"form.submitted","data":{"sample":true}}`, string(body))
		valid, err := signature.Verify(created.Secret, body, headers.Get(signature.Header))
		require.NoError(t, err)
		assert.True(t, valid)

		list := api.do(t, http.MethodGet, "/webhook-deliveries", "org_1", nil)
		require.Equal(t, http.StatusOK, list.Code)
		assert.Equal(t, 0, decode[listResponse](t, list).Total)
	})

	t.Run("empty body sends a default sample", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/webhooks/"+created.ID+"/test", "org_1", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		body, _ := api.subscriber.last()
		assert.JSONEq(t, `{"event":"webhook.test","data":{}}`, string(body))
	})

	t.Run("failures are reported, not raised", func(t *testing.T) {
		api.subscriber.status.Store(http.StatusInternalServerError)
		defer api.subscriber.status.Store(http.StatusOK)

		w := api.do(t, http.MethodPost, "/webhooks/"+created.ID+"/test", "org_1", nil)
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[testWebhookResponse](t, w)
		assert.False(t, resp.Success)
		assert.Equal(t, "server_error", resp.Outcome)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.NotEmpty(t, resp.ErrorMessage)
	})
}

func TestEventsAndDeliveriesAPI(t *testing.T) {
	ctx := context.Background()
	api := newTestAPI(t)
	api.createWebhook(t, "org_1", "form.submitted")
	api.createWebhook(t, "org_1", "form.*")
	api.subscriber.status.Store(http.StatusInternalServerError)

	created := api.publish(t, "org_1", "evt_1", "form.submitted")
	require.Len(t, created, 2)

	t.Run("republishing is idempotent", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/events", "org_1", map[string]any{
			"id":   "evt_1",
			"type": "form.submitted",
			"data": map[string]any{"form_id": "f_1"},
		})
		require.Equal(t, http.StatusAccepted, w.Code)
		resp := decode[publishEventResponse](t, w)
		assert.Empty(t, resp.Created)
		assert.ElementsMatch(t, created, resp.Existing)
	})

	t.Run("invalid events are rejected", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/events", "org_1", map[string]any{
			"type": "form.*",
			"data": map[string]any{},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = api.do(t, http.MethodPost, "/events", "org_1", map[string]any{"type": "form.submitted"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("list filters", func(t *testing.T) {
		w := api.do(t, http.MethodGet, "/webhook-deliveries?status=pending&event_type=form.submitted", "org_1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 2, decode[listResponse](t, w).Total)

		w = api.do(t, http.MethodGet, "/webhook-deliveries?status=retrying", "org_1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 0, decode[listResponse](t, w).Total)

		w = api.do(t, http.MethodGet, "/webhook-deliveries?status=bogus", "org_1", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = api.do(t, http.MethodGet, "/webhook-deliveries?created_after=yesterday", "org_1", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = api.do(t, http.MethodGet, "/webhook-deliveries", "org_other", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 0, decode[listResponse](t, w).Total)
	})

	t.Run("delivery detail and attempt log", func(t *testing.T) {
		id := created[0]
		_, err := api.scheduler.Dispatch(ctx, id)
		require.NoError(t, err)

		w := api.do(t, http.MethodGet, "/webhook-deliveries/"+id, "org_1", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		d := decode[deliveryResponse](t, w)
		assert.Equal(t, "retrying", d.Status)
		assert.Equal(t, 1, d.AttemptNumber)
		assert.Equal(t, 3, d.MaxAttempts)
		assert.Equal(t, http.StatusInternalServerError, d.ResponseStatusCode)
		assert.Equal(t, "server_error", d.LastOutcome)
		assert.NotNil(t, d.NextRetryAt)
		assert.JSONEq(t, `{"form_id":"f_1"}`, string(d.Payload))
		require.NotNil(t, d.LatestAttempt)
		assert.Equal(t, 1, d.LatestAttempt.AttemptNumber)

		w = api.do(t, http.MethodGet, "/webhook-deliveries/"+id+"/attempts", "org_1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		attempts := decode[struct {
			Data []attemptResponse `json:"data"`
		}](t, w)
		require.Len(t, attempts.Data, 1)
		assert.Equal(t, "server_error", attempts.Data[0].Outcome)
		assert.Equal(t, http.MethodPost, attempts.Data[0].Request.Method)
		assert.JSONEq(t, `{"event":"form.submitted","data":{"form_id":"f_1"}}`, string(attempts.Data[0].Request.Body))
	})

	t.Run("deliveries of other organizations are not found", func(t *testing.T) {
		for _, path := range []string{
			"/webhook-deliveries/" + created[0],
			"/webhook-deliveries/" + created[0] + "/attempts",
			"/webhook-deliveries/missing",
		} {
			w := api.do(t, http.MethodGet, path, "org_other", nil)
			assert.Equal(t, http.StatusNotFound, w.Code, path)
		}
	})
}

func TestRedriveAPI(t *testing.T) {
	ctx := context.Background()
	api := newTestAPI(t)
	api.createWebhook(t, "org_1", "form.submitted")

	var ids []string
	for _, eventID := range []string{"evt_1", "evt_2"} {
		ids = append(ids, api.publish(t, "org_1", eventID, "form.submitted")...)
	}
	require.Len(t, ids, 2)

	// The first delivery already succeeded
	_, err := api.scheduler.Dispatch(ctx, ids[0])
	require.NoError(t, err)

	t.Run("create, run and poll a job", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/webhook-deliveries/redrive", "org_1", map[string]any{
			"delivery_ids": []string{ids[0], ids[1], "missing"},
			"reason":       "endpoint outage",
		})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

		accepted := decode[redriveAcceptedResponse](t, w)
		assert.NotEmpty(t, accepted.JobID)
		assert.Equal(t, 3, accepted.TotalRequested)
		assert.Equal(t, 2, accepted.Total)
		assert.Equal(t, []string{"missing"}, accepted.RejectedIDs)
		assert.NotNil(t, accepted.EstimatedCompletion)

		_, err := api.orchestrator.Run(ctx, accepted.JobID)
		require.NoError(t, err)

		w = api.do(t, http.MethodGet, "/webhook-deliveries/redrive-jobs/"+accepted.JobID, "org_1", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		job := decode[jobResponse](t, w)
		assert.Equal(t, "completed", job.Status)
		assert.Equal(t, "endpoint outage", job.Reason)
		assert.Equal(t, 1, job.Processed)
		assert.Equal(t, 1, job.Successful)
		assert.Equal(t, 0, job.Failed)
		assert.Equal(t, 1, job.Skipped)
		assert.Equal(t, float64(100), job.ProgressPercentage)
		require.Len(t, job.Targets, 2)

		w = api.do(t, http.MethodGet, "/webhook-deliveries/redrive-jobs/"+accepted.JobID, "org_other", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("job with no valid deliveries fails", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/webhook-deliveries/redrive", "org_1", map[string]any{
			"delivery_ids": []string{"missing"},
		})
		require.Equal(t, http.StatusAccepted, w.Code)

		accepted := decode[redriveAcceptedResponse](t, w)
		assert.Equal(t, "failed", accepted.Status)
		assert.NotEmpty(t, accepted.ErrorMessage)
	})

	t.Run("cancel stops queued targets", func(t *testing.T) {
		more := api.publish(t, "org_1", "evt_3", "form.submitted")

		w := api.do(t, http.MethodPost, "/webhook-deliveries/redrive", "org_1", map[string]any{
			"delivery_ids": more,
		})
		require.Equal(t, http.StatusAccepted, w.Code)
		accepted := decode[redriveAcceptedResponse](t, w)

		w = api.do(t, http.MethodPost, "/webhook-deliveries/redrive-jobs/"+accepted.JobID+"/cancel", "org_1", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		job := decode[jobResponse](t, w)
		assert.Equal(t, "completed", job.Status)
		assert.Equal(t, 1, job.Cancelled)
		assert.NotNil(t, job.CancelledAt)
	})

	t.Run("request validation", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/webhook-deliveries/redrive", "org_1", map[string]any{
			"delivery_ids": []string{},
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decode[errorResponse](t, w).Details, "delivery_ids")

		w = api.do(t, http.MethodPost, "/webhook-deliveries/redrive-jobs/missing/cancel", "org_1", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRetryDeliveryAPI(t *testing.T) {
	ctx := context.Background()
	api := newTestAPI(t)
	api.createWebhook(t, "org_1", "form.submitted")
	api.subscriber.status.Store(http.StatusServiceUnavailable)

	ids := api.publish(t, "org_1", "evt_1", "form.submitted")
	require.Len(t, ids, 1)
	_, err := api.scheduler.Dispatch(ctx, ids[0])
	require.NoError(t, err)

	api.subscriber.status.Store(http.StatusOK)

	w := api.do(t, http.MethodPost, "/webhook-deliveries/"+ids[0]+"/retry", "org_1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[struct {
		Job      jobResponse      `json:"job"`
		Delivery deliveryResponse `json:"delivery"`
	}](t, w)
	assert.Equal(t, "completed", resp.Job.Status)
	assert.Equal(t, 1, resp.Job.Successful)
	assert.Equal(t, ids[0], resp.Delivery.ID)
	assert.Equal(t, "success", resp.Delivery.Status)
	assert.Equal(t, 2, resp.Delivery.AttemptNumber)

	t.Run("new lineage creates a child delivery", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/webhook-deliveries/"+ids[0]+"/retry", "org_1", map[string]any{"new_lineage": true})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		// A successful delivery is skipped rather than re-created
		resp := decode[struct {
			Job jobResponse `json:"job"`
		}](t, w)
		assert.Equal(t, 1, resp.Job.Skipped)
	})

	t.Run("unknown delivery", func(t *testing.T) {
		w := api.do(t, http.MethodPost, "/webhook-deliveries/missing/retry", "org_1", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRetryDeliveryAPI_OutlastsRequestTimeout(t *testing.T) {
	ctx := context.Background()
	api := newTestAPI(t, Options{RequestTimeout: 100 * time.Millisecond})
	api.createWebhook(t, "org_1", "form.submitted")
	api.subscriber.status.Store(http.StatusServiceUnavailable)

	ids := api.publish(t, "org_1", "evt_1", "form.submitted")
	require.Len(t, ids, 1)
	_, err := api.scheduler.Dispatch(ctx, ids[0])
	require.NoError(t, err)

	api.subscriber.status.Store(http.StatusOK)
	api.subscriber.delay.Store(int64(300 * time.Millisecond))

	w := api.do(t, http.MethodPost, "/webhook-deliveries/"+ids[0]+"/retry", "org_1", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode[struct {
		Job jobResponse `json:"job"`
	}](t, w)
	assert.Contains(t, []string{"pending", "processing"}, resp.Job.Status)

	assert.Eventually(t, func() bool {
		d, err := api.store.Deliveries.Get(ctx, ids[0])
		return err == nil && d.Status == delivery.Success
	}, 3*time.Second, 20*time.Millisecond)

	attempts, err := api.store.Deliveries.Attempts(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, delivery.OutcomeSuccess, attempts[1].Outcome)

	assert.Eventually(t, func() bool {
		job, err := api.orchestrator.Get(ctx, "org_1", resp.Job.ID)
		return err == nil && job.Status == redrive.Completed
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStatsAPI(t *testing.T) {
	ctx := context.Background()
	api := newTestAPI(t)
	api.createWebhook(t, "org_1", "form.submitted")

	ids := api.publish(t, "org_1", "evt_1", "form.submitted")
	_, err := api.scheduler.Dispatch(ctx, ids[0])
	require.NoError(t, err)

	w := api.do(t, http.MethodGet, "/webhooks/stats?timeframe=week", "org_1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	summary := decode[metrics.Summary](t, w)
	assert.Equal(t, "week", summary.Timeframe)
	assert.Equal(t, int64(1), summary.TotalDeliveries)
	assert.Equal(t, int64(1), summary.ByStatus[delivery.Success.String()])
	assert.Equal(t, float64(100), summary.SuccessRate)
	assert.Equal(t, int64(1), summary.ActiveWebhooks)

	w = api.do(t, http.MethodGet, "/webhooks/stats?timeframe=year", "org_1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
