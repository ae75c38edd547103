// Package storage opens the configured store behind the engine's repository interfaces.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/marcelsud/webhook-redrive/config"
	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/metrics"
	"github.com/marcelsud/webhook-redrive/redrive"
	"github.com/marcelsud/webhook-redrive/storage/memory"
	redisstore "github.com/marcelsud/webhook-redrive/storage/redis"
	"github.com/marcelsud/webhook-redrive/webhook"
)

// Webhooks is the webhook store plus the active count the metrics collector reads
type Webhooks interface {
	webhook.Repository
	CountActive(ctx context.Context, orgID string) (int64, error)
}

// Deliveries is the delivery store plus the counters the metrics collector reads
type Deliveries interface {
	delivery.Repository
	CountByStatus(ctx context.Context) (map[string]int64, error)
	CountDue(ctx context.Context, now time.Time) (int64, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int64, error)
}

// Workers stores and reports worker heartbeats
type Workers interface {
	SetWorkerHeartbeat(ctx context.Context, workerID, pool, status string) error
	GetActiveWorkers(ctx context.Context) (map[string][]metrics.WorkerInfo, error)
}

// Store bundles the repositories of one backend
type Store struct {
	Webhooks   Webhooks
	Deliveries Deliveries
	Jobs       redrive.Repository
	Workers    Workers
	close      func(ctx context.Context) error
}

// Open connects the backend selected by storage.driver
func Open(cfg config.Config) (*Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		s := memory.NewStore()
		return &Store{
			Webhooks:   s.Webhooks,
			Deliveries: s.Deliveries,
			Jobs:       s.Jobs,
			Workers:    s.Workers,
			close:      func(context.Context) error { return nil },
		}, nil
	case "redis":
		s, err := redisstore.NewStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		return &Store{
			Webhooks:   s.Webhooks,
			Deliveries: s.Deliveries,
			Jobs:       s.Jobs,
			Workers:    s.Workers,
			close:      s.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Storage.Driver)
	}
}

// Close releases the backend connection
func (s *Store) Close(ctx context.Context) error {
	return s.close(ctx)
}
