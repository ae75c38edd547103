package redrive_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/dispatch"
	"github.com/marcelsud/webhook-redrive/redrive"
	"github.com/marcelsud/webhook-redrive/retry"
	"github.com/marcelsud/webhook-redrive/storage/memory"
	"github.com/marcelsud/webhook-redrive/webhook"
)

type endpoint struct {
	server *httptest.Server
	status atomic.Int64
	hits   atomic.Int64
	delay  atomic.Int64
}

func newEndpoint(t *testing.T, status int) *endpoint {
	t.Helper()

	e := &endpoint{}
	e.status.Store(int64(status))
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		time.Sleep(time.Duration(e.delay.Load()))
		w.WriteHeader(int(e.status.Load()))
	}))
	t.Cleanup(e.server.Close)
	return e
}

type fixture struct {
	store        *memory.Store
	scheduler    *retry.Scheduler
	orchestrator *redrive.Orchestrator
	webhook      webhook.Webhook
	endpoint     *endpoint
}

func newFixture(t *testing.T, status int, opts ...redrive.Option) *fixture {
	t.Helper()

	ep := newEndpoint(t, status)
	store := memory.NewStore()

	wh := webhook.Webhook{
		ID:             "wh_1",
		OrgID:          "org_1",
		URL:            ep.server.URL,
		Secret:         "whsec_test",
		Active:         true,
		Events:         []string{"order.created"},
		TimeoutSeconds: 5,
		MaxRetries:     3,
		RetryStrategy:  webhook.Exponential,
	}
	require.NoError(t, store.Webhooks.Create(context.Background(), wh))

	dispatcher, err := dispatch.NewDispatcher()
	require.NoError(t, err)

	scheduler := retry.NewScheduler(store.Deliveries, store.Webhooks, dispatcher)
	orchestrator := redrive.NewOrchestrator(store.Jobs, store.Deliveries, store.Webhooks, scheduler, opts...)

	return &fixture{store: store, scheduler: scheduler, orchestrator: orchestrator, webhook: wh, endpoint: ep}
}

// seed stores a delivery in the given state
func (f *fixture) seed(t *testing.T, eventID string, status delivery.Status, attempts int) delivery.Delivery {
	t.Helper()
	ctx := context.Background()

	d := delivery.New(f.webhook, eventID, "order.created", "order", "ord_1", []byte(`{"id":"ord_1"}`), time.Now().UTC())
	_, _, err := f.store.Deliveries.CreateIfAbsent(ctx, d)
	require.NoError(t, err)

	for i := 1; i <= attempts; i++ {
		d.AttemptNumber = i
		d.Status = delivery.Retrying
		d.NextRetryAt = time.Now().Add(time.Hour)
		if i == attempts {
			d.Status = status
		}
		if d.IsFinal() {
			d.NextRetryAt = time.Time{}
			d.CompletedAt = time.Now().UTC()
		}
		attempt := &delivery.Attempt{DeliveryID: d.ID, Number: i, Outcome: delivery.OutcomeServerError}
		if status == delivery.Success && i == attempts {
			attempt.Outcome = delivery.OutcomeSuccess
		}
		require.NoError(t, f.store.Deliveries.Record(ctx, d, attempt))
	}

	return d
}

func ids(deliveries ...delivery.Delivery) []string {
	out := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, d.ID)
	}
	return out
}

func TestOrchestrator_RedrivesAndSkipsSuccessful(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, http.StatusOK)

	deliveries := []delivery.Delivery{
		f.seed(t, "evt_1", delivery.Success, 1),
		f.seed(t, "evt_2", delivery.Retrying, 1),
		f.seed(t, "evt_3", delivery.Success, 2),
		f.seed(t, "evt_4", delivery.Retrying, 2),
		f.seed(t, "evt_5", delivery.Pending, 0),
	}

	job, err := f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_1", DeliveryIDs: ids(deliveries...), Reason: "outage"})
	require.NoError(t, err)
	assert.Equal(t, redrive.Pending, job.Status)
	assert.Equal(t, 5, job.Total)
	assert.Equal(t, 2, job.Skipped)

	job, err = f.orchestrator.Run(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, redrive.Completed, job.Status)
	assert.Equal(t, 3, job.Processed)
	assert.Equal(t, 3, job.Successful)
	assert.Equal(t, 2, job.Skipped)
	assert.Equal(t, 0, job.Failed)
	assert.Equal(t, 100.0, job.Progress())
	assert.False(t, job.StartedAt.IsZero())
	assert.False(t, job.CompletedAt.IsZero())
	assert.Equal(t, int64(3), f.endpoint.hits.Load())

	second, err := f.store.Deliveries.Get(ctx, deliveries[1].ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.Success, second.Status)
	assert.Equal(t, 2, second.AttemptNumber)

	targets, err := f.orchestrator.Targets(ctx, "org_1", job.ID)
	require.NoError(t, err)
	require.Len(t, targets, 5)
	assert.Equal(t, redrive.Skipped, targets[0].State)
	assert.Equal(t, redrive.Succeeded, targets[1].State)
}

func TestOrchestrator_CreateJob(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects unknown and foreign deliveries", func(t *testing.T) {
		f := newFixture(t, http.StatusOK)
		d := f.seed(t, "evt_1", delivery.Retrying, 1)

		job, err := f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_1", DeliveryIDs: []string{d.ID, "missing", d.ID}})
		require.NoError(t, err)
		assert.Equal(t, 2, job.TotalRequested)
		assert.Equal(t, 1, job.Total)
		assert.Equal(t, []string{"missing"}, job.RejectedIDs)

		foreign, err := f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_2", DeliveryIDs: []string{d.ID}})
		require.NoError(t, err)
		assert.Equal(t, redrive.Failed, foreign.Status)
		assert.Equal(t, "no valid deliveries to redrive", foreign.ErrorMessage)
		assert.Equal(t, []string{d.ID}, foreign.RejectedIDs)
	})

	t.Run("all successful completes immediately", func(t *testing.T) {
		f := newFixture(t, http.StatusOK)
		d := f.seed(t, "evt_1", delivery.Success, 1)

		job, err := f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_1", DeliveryIDs: []string{d.ID}})
		require.NoError(t, err)
		assert.Equal(t, redrive.Completed, job.Status)
		assert.Equal(t, 1, job.Skipped)
		assert.Equal(t, 100.0, job.Progress())
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t, http.StatusOK)

		_, err := f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_1"})
		assert.ErrorIs(t, err, redrive.ErrNoTargets)

		many := make([]string, redrive.MaxTargets+1)
		for i := range many {
			many[i] = fmt.Sprintf("d_%d", i)
		}
		_, err = f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_1", DeliveryIDs: many})
		assert.ErrorIs(t, err, redrive.ErrTooManyTargets)
	})
}

func TestOrchestrator_ExhaustedDeliveries(t *testing.T) {
	ctx := context.Background()

	t.Run("are not dispatched beyond max attempts", func(t *testing.T) {
		f := newFixture(t, http.StatusOK)
		d := f.seed(t, "evt_1", delivery.Failed, 3)

		job, err := f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_1", DeliveryIDs: []string{d.ID}})
		require.NoError(t, err)

		job, err = f.orchestrator.Run(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, redrive.Completed, job.Status)
		assert.Equal(t, 1, job.Failed)
		assert.Equal(t, 1, job.Processed)
		assert.Equal(t, int64(0), f.endpoint.hits.Load())
	})

	t.Run("new lineage gets a fresh attempt budget", func(t *testing.T) {
		f := newFixture(t, http.StatusOK)
		parent := f.seed(t, "evt_1", delivery.Failed, 3)

		job, err := f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_1", DeliveryIDs: []string{parent.ID}, NewLineage: true})
		require.NoError(t, err)

		job, err = f.orchestrator.Run(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, job.Successful)

		targets, err := f.orchestrator.Targets(ctx, "org_1", job.ID)
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, parent.ID, targets[0].ParentID)
		assert.NotEqual(t, parent.ID, targets[0].DeliveryID)

		child, err := f.store.Deliveries.Get(ctx, targets[0].DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, delivery.Success, child.Status)
		assert.Equal(t, 1, child.AttemptNumber)
		assert.Equal(t, parent.ID, child.ParentID)
		assert.Equal(t, parent.Payload, child.Payload)

		original, err := f.store.Deliveries.Get(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, delivery.Failed, original.Status, "the parent lineage is left untouched")
	})
}

func TestOrchestrator_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, http.StatusOK)
	a := f.seed(t, "evt_1", delivery.Retrying, 1)
	b := f.seed(t, "evt_2", delivery.Retrying, 1)

	job, err := f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_1", DeliveryIDs: ids(a, b)})
	require.NoError(t, err)

	job, err = f.orchestrator.Cancel(ctx, "org_1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, redrive.Completed, job.Status)
	assert.True(t, job.IsCancelled())
	assert.Equal(t, 2, job.Cancelled)
	assert.Equal(t, 100.0, job.Progress())

	job, err = f.orchestrator.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, redrive.Completed, job.Status)
	assert.Equal(t, int64(0), f.endpoint.hits.Load(), "cancelled targets are never dispatched")

	_, err = f.orchestrator.Cancel(ctx, "org_2", job.ID)
	assert.ErrorIs(t, err, redrive.ErrNotFound)
}

func TestOrchestrator_RetryingTargetsSettleLater(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, http.StatusInternalServerError)
	d := f.seed(t, "evt_1", delivery.Retrying, 1)

	job, err := f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_1", DeliveryIDs: []string{d.ID}})
	require.NoError(t, err)

	job, err = f.orchestrator.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, redrive.Processing, job.Status)
	assert.Equal(t, 1, job.Processed)
	assert.Equal(t, 1, job.Outstanding())

	got, err := f.store.Deliveries.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.Retrying, got.Status)
	assert.Equal(t, 2, got.AttemptNumber)

	// The scheduler finishes the delivery on its own
	f.endpoint.status.Store(http.StatusOK)
	_, err = f.scheduler.Redrive(ctx, d.ID)
	require.NoError(t, err)

	require.NoError(t, f.orchestrator.Sweep(ctx))

	job, err = f.orchestrator.Get(ctx, "org_1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, redrive.Completed, job.Status)
	assert.Equal(t, 1, job.Successful)
	assert.Equal(t, 1, job.Processed, "reconciling does not count twice")
}

func TestOrchestrator_BudgetLeavesTargetsQueued(t *testing.T) {
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	steppingClock := func() time.Time {
		return start.Add(time.Duration(ticks.Add(1)) * time.Minute)
	}

	cfg := redrive.DefaultConfig()
	cfg.Budget = time.Second
	f := newFixture(t, http.StatusOK, redrive.WithConfig(cfg), redrive.WithNow(steppingClock))
	a := f.seed(t, "evt_1", delivery.Retrying, 1)
	b := f.seed(t, "evt_2", delivery.Retrying, 1)

	job, err := f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_1", DeliveryIDs: ids(a, b)})
	require.NoError(t, err)

	job, err = f.orchestrator.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, redrive.Processing, job.Status)
	assert.Equal(t, 2, job.Queued())
	assert.Equal(t, int64(0), f.endpoint.hits.Load())
}

func TestOrchestrator_RunRespectsJobLease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, http.StatusOK)
	d := f.seed(t, "evt_1", delivery.Retrying, 1)

	job, err := f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_1", DeliveryIDs: []string{d.ID}})
	require.NoError(t, err)

	locked, err := f.store.Jobs.Lock(ctx, job.ID, "another-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	job, err = f.orchestrator.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, redrive.Pending, job.Status)
	assert.Equal(t, int64(0), f.endpoint.hits.Load())
}

func TestOrchestrator_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("single delivery runs synchronously", func(t *testing.T) {
		f := newFixture(t, http.StatusOK)
		d := f.seed(t, "evt_1", delivery.Retrying, 1)

		job, err := f.orchestrator.Retry(ctx, "org_1", d.ID, false)
		require.NoError(t, err)
		assert.Equal(t, redrive.Completed, job.Status)
		assert.Equal(t, 1, job.Successful)
		assert.Equal(t, 1, job.Total)
	})

	t.Run("caller deadline does not cut the attempt short", func(t *testing.T) {
		f := newFixture(t, http.StatusOK)
		f.webhook.TimeoutSeconds = 60
		require.NoError(t, f.store.Webhooks.Save(ctx, f.webhook))
		f.endpoint.delay.Store(int64(300 * time.Millisecond))
		d := f.seed(t, "evt_1", delivery.Retrying, 1)

		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		job, err := f.orchestrator.Retry(reqCtx, "org_1", d.ID, false)
		require.NoError(t, err)
		assert.False(t, job.Status.IsFinal())

		assert.Eventually(t, func() bool {
			got, err := f.orchestrator.Get(ctx, "org_1", job.ID)
			return err == nil && got.Status == redrive.Completed && got.Successful == 1
		}, 3*time.Second, 20*time.Millisecond)

		attempts, err := f.store.Deliveries.Attempts(ctx, d.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 2)
		assert.Equal(t, delivery.OutcomeSuccess, attempts[1].Outcome)
		assert.Empty(t, attempts[1].ErrorMessage)
	})

	t.Run("foreign delivery is not found", func(t *testing.T) {
		f := newFixture(t, http.StatusOK)
		d := f.seed(t, "evt_1", delivery.Retrying, 1)

		_, err := f.orchestrator.Retry(ctx, "org_2", d.ID, false)
		assert.ErrorIs(t, err, delivery.ErrNotFound)
	})
}

func TestOrchestrator_BackgroundRun(t *testing.T) {
	ctx := context.Background()
	cfg := redrive.DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	f := newFixture(t, http.StatusOK, redrive.WithConfig(cfg))
	d := f.seed(t, "evt_1", delivery.Retrying, 1)

	f.orchestrator.Start(ctx)
	defer f.orchestrator.Stop()

	job, err := f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_1", DeliveryIDs: []string{d.ID}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := f.orchestrator.Get(ctx, "org_1", job.ID)
		return err == nil && got.Status == redrive.Completed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_StopSettlesDispatchedTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, http.StatusOK)
	f.endpoint.delay.Store(int64(500 * time.Millisecond))
	d := f.seed(t, "evt_1", delivery.Retrying, 1)

	f.orchestrator.Start(ctx)

	job, err := f.orchestrator.CreateJob(ctx, redrive.Request{OrgID: "org_1", DeliveryIDs: []string{d.ID}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.endpoint.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	f.orchestrator.Stop()

	got, err := f.store.Deliveries.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.Success, got.Status)

	job, err = f.orchestrator.Get(ctx, "org_1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, redrive.Completed, job.Status)
	assert.Equal(t, 1, job.Successful)
}

func TestOrchestrator_EstimatedCompletion(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := redrive.DefaultConfig()
	cfg.Parallelism = 2
	cfg.TargetEstimate = time.Second
	f := newFixture(t, http.StatusOK, redrive.WithConfig(cfg), redrive.WithNow(func() time.Time { return now }))

	job := redrive.Job{Status: redrive.Processing, Total: 5, Counters: redrive.Counters{Processed: 1}}
	assert.Equal(t, now.Add(2*time.Second), f.orchestrator.EstimatedCompletion(job))

	done := redrive.Job{Status: redrive.Completed, CompletedAt: now.Add(-time.Minute)}
	assert.Equal(t, done.CompletedAt, f.orchestrator.EstimatedCompletion(done))
}
