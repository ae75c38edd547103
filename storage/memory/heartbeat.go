package memory

import (
	"context"
	"sync"
	"time"

	"github.com/marcelsud/webhook-redrive/metrics"
)

// heartbeatTTL matches the Redis heartbeat expiry
const heartbeatTTL = 60 * time.Second

// HeartbeatRepository keeps worker heartbeats in memory.
type HeartbeatRepository struct {
	mu      sync.RWMutex
	workers map[string]metrics.WorkerInfo
	now     func() time.Time
}

// NewHeartbeatRepository creates a new in-memory heartbeat repository.
func NewHeartbeatRepository(now func() time.Time) *HeartbeatRepository {
	return &HeartbeatRepository{
		workers: make(map[string]metrics.WorkerInfo),
		now:     now,
	}
}

// SetWorkerHeartbeat records a worker as alive.
func (r *HeartbeatRepository) SetWorkerHeartbeat(ctx context.Context, workerID, pool, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.workers[pool+":"+workerID] = metrics.WorkerInfo{
		WorkerID:      workerID,
		Pool:          pool,
		Status:        status,
		LastHeartbeat: r.now(),
	}
	return nil
}

// GetActiveWorkers returns workers seen within the heartbeat TTL, grouped by pool.
func (r *HeartbeatRepository) GetActiveWorkers(ctx context.Context) (map[string][]metrics.WorkerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := r.now().Add(-heartbeatTTL)
	byPool := make(map[string][]metrics.WorkerInfo)
	for _, w := range r.workers {
		if w.LastHeartbeat.After(cutoff) {
			byPool[w.Pool] = append(byPool[w.Pool], w)
		}
	}
	return byPool, nil
}
