package metrics

import (
	"context"
	"time"
)

// Metrics represents the current state of the delivery engine.
type Metrics struct {
	// QueueLength is the number of intake messages not yet acknowledged
	QueueLength int64 `json:"queue_length"`

	// DueRetries is the number of retrying deliveries whose next_retry_at has passed
	DueRetries int64 `json:"due_retries"`

	// StatusCounts maps status name to count of deliveries in that status
	StatusCounts map[string]int64 `json:"status_counts"`

	// Throughput represents deliveries completed successfully per time window
	Throughput ThroughputMetrics `json:"throughput"`

	// Workers maps pool name to list of active workers
	Workers map[string][]WorkerInfo `json:"workers"`

	// ActiveWebhooks is the number of active webhooks across organizations
	ActiveWebhooks int64 `json:"active_webhooks"`

	// Timestamp when metrics were collected
	Timestamp time.Time `json:"timestamp"`
}

// ThroughputMetrics represents deliveries completed over different time windows.
type ThroughputMetrics struct {
	// LastMinute is deliveries completed in the last 1 minute
	LastMinute int64 `json:"last_minute"`

	// LastFiveMinutes is deliveries completed in the last 5 minutes
	LastFiveMinutes int64 `json:"last_five_minutes"`

	// LastFifteenMinutes is deliveries completed in the last 15 minutes
	LastFifteenMinutes int64 `json:"last_fifteen_minutes"`
}

// WorkerInfo represents information about an active worker.
type WorkerInfo struct {
	// WorkerID is a unique identifier for the worker
	WorkerID string `json:"worker_id"`

	// Pool is the worker pool this worker belongs to
	Pool string `json:"pool"`

	// Status is the current status of the worker (e.g., "idle", "processing")
	Status string `json:"status"`

	// LastHeartbeat is the timestamp of the last heartbeat
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Collector defines the interface for collecting metrics from the engine.
type Collector interface {
	// Collect gathers current metrics from the system
	Collect(ctx context.Context) (Metrics, error)

	// GetQueueLength returns the number of unacknowledged intake messages
	GetQueueLength(ctx context.Context) (int64, error)

	// GetDueRetries returns the number of retries waiting for the sweep
	GetDueRetries(ctx context.Context) (int64, error)

	// GetStatusCounts returns the count of deliveries by status
	GetStatusCounts(ctx context.Context) (map[string]int64, error)

	// GetThroughput returns deliveries completed over time windows
	GetThroughput(ctx context.Context) (ThroughputMetrics, error)

	// GetActiveWorkers returns information about active workers per pool
	GetActiveWorkers(ctx context.Context) (map[string][]WorkerInfo, error)

	// GetActiveWebhooks returns the number of active webhooks
	GetActiveWebhooks(ctx context.Context) (int64, error)
}
