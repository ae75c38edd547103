package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marcelsud/webhook-redrive/metrics"
)

// heartbeatTTL marks a worker inactive when it misses its heartbeats
const heartbeatTTL = 60 * time.Second

// HeartbeatRepository stores worker liveness as expiring keys
type HeartbeatRepository struct {
	client *redis.Client
}

// SetWorkerHeartbeat stores or updates a worker's heartbeat in Redis
// The key expires after heartbeatTTL, workers refresh it every 15 seconds
func (r *HeartbeatRepository) SetWorkerHeartbeat(ctx context.Context, workerID, pool, status string) error {
	heartbeat := metrics.WorkerInfo{
		WorkerID:      workerID,
		Pool:          pool,
		Status:        status,
		LastHeartbeat: time.Now().UTC(),
	}

	data, err := json.Marshal(heartbeat)
	if err != nil {
		return fmt.Errorf("marshaling heartbeat: %w", err)
	}

	if err := r.client.Set(ctx, key(heartbeatPrefix, pool, workerID), data, heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("setting heartbeat: %w", err)
	}

	return nil
}

// GetActiveWorkers retrieves all live workers grouped by pool
func (r *HeartbeatRepository) GetActiveWorkers(ctx context.Context) (map[string][]metrics.WorkerInfo, error) {
	byPool := make(map[string][]metrics.WorkerInfo)

	var cursor uint64
	for {
		keys, nextCursor, err := r.client.Scan(ctx, cursor, heartbeatPrefix+":*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning worker keys: %w", err)
		}

		for _, k := range keys {
			data, err := r.client.Get(ctx, k).Result()
			if err == redis.Nil {
				// Key expired between scan and get
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("getting worker heartbeat: %w", err)
			}

			var heartbeat metrics.WorkerInfo
			if err := json.Unmarshal([]byte(data), &heartbeat); err != nil {
				continue
			}

			byPool[heartbeat.Pool] = append(byPool[heartbeat.Pool], heartbeat)
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return byPool, nil
}
