package metrics

import (
	"context"
	"fmt"
	"time"
)

// Source is the store-side view the collector aggregates
type Source interface {
	Pending(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	CountDue(ctx context.Context, now time.Time) (int64, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int64, error)
}

// Workers reports live workers from their heartbeats
type Workers interface {
	GetActiveWorkers(ctx context.Context) (map[string][]WorkerInfo, error)
}

// WebhookCounter counts active webhooks across organizations
type WebhookCounter interface {
	CountActive(ctx context.Context, orgID string) (int64, error)
}

// StoreCollector implements the Collector interface on top of a delivery store
type StoreCollector struct {
	source   Source
	workers  Workers
	webhooks WebhookCounter
	now      func() time.Time
}

// NewStoreCollector creates a new metrics collector
// workers and webhooks may be nil
func NewStoreCollector(source Source, workers Workers, webhooks WebhookCounter) *StoreCollector {
	return &StoreCollector{
		source:   source,
		workers:  workers,
		webhooks: webhooks,
		now:      time.Now,
	}
}

// Collect gathers all metrics from the store
func (c *StoreCollector) Collect(ctx context.Context) (Metrics, error) {
	queueLength, err := c.GetQueueLength(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting queue length: %w", err)
	}

	dueRetries, err := c.GetDueRetries(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting due retries: %w", err)
	}

	statusCounts, err := c.GetStatusCounts(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting status counts: %w", err)
	}

	throughput, err := c.GetThroughput(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting throughput: %w", err)
	}

	workers, err := c.GetActiveWorkers(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting active workers: %w", err)
	}

	activeWebhooks, err := c.GetActiveWebhooks(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("getting active webhooks: %w", err)
	}

	return Metrics{
		QueueLength:    queueLength,
		DueRetries:     dueRetries,
		StatusCounts:   statusCounts,
		Throughput:     throughput,
		Workers:        workers,
		ActiveWebhooks: activeWebhooks,
		Timestamp:      c.now(),
	}, nil
}

// GetQueueLength returns the number of unacknowledged intake messages
func (c *StoreCollector) GetQueueLength(ctx context.Context) (int64, error) {
	return c.source.Pending(ctx)
}

// GetDueRetries returns the number of retrying deliveries already due
func (c *StoreCollector) GetDueRetries(ctx context.Context) (int64, error) {
	return c.source.CountDue(ctx, c.now())
}

// GetStatusCounts returns counts of deliveries grouped by status
func (c *StoreCollector) GetStatusCounts(ctx context.Context) (map[string]int64, error) {
	return c.source.CountByStatus(ctx)
}

// GetThroughput counts successful deliveries over different time windows
func (c *StoreCollector) GetThroughput(ctx context.Context) (ThroughputMetrics, error) {
	now := c.now()

	lastMinute, err := c.source.CountCompletedSince(ctx, now.Add(-1*time.Minute))
	if err != nil {
		return ThroughputMetrics{}, err
	}

	lastFiveMinutes, err := c.source.CountCompletedSince(ctx, now.Add(-5*time.Minute))
	if err != nil {
		return ThroughputMetrics{}, err
	}

	lastFifteenMinutes, err := c.source.CountCompletedSince(ctx, now.Add(-15*time.Minute))
	if err != nil {
		return ThroughputMetrics{}, err
	}

	return ThroughputMetrics{
		LastMinute:         lastMinute,
		LastFiveMinutes:    lastFiveMinutes,
		LastFifteenMinutes: lastFifteenMinutes,
	}, nil
}

// GetActiveWorkers returns information about active workers
func (c *StoreCollector) GetActiveWorkers(ctx context.Context) (map[string][]WorkerInfo, error) {
	if c.workers == nil {
		return map[string][]WorkerInfo{}, nil
	}
	return c.workers.GetActiveWorkers(ctx)
}

// GetActiveWebhooks returns the number of active webhooks of every organization
func (c *StoreCollector) GetActiveWebhooks(ctx context.Context) (int64, error) {
	if c.webhooks == nil {
		return 0, nil
	}
	return c.webhooks.CountActive(ctx, "")
}
