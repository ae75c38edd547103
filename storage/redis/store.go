package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

/* Redis implementation of the engine's repositories
 * Uses Redis Hashes for records, Sets and Sorted Sets for indexes,
 * a Stream with a consumer group for the intake queue and Lua scripts for leases
 */

// Key layout
//
//	webhook:{id}                                  hash
//	webhooks:org:{org_id}                         set of webhook ids
//	webhooks:active:{org_id}:{event_type}         set of active webhook ids subscribed exactly
//	webhooks:active:{org_id}:wildcards            set of active webhook ids with prefix subscriptions
//	webhooks:enabled                              set of every active webhook id
//	delivery:{id}                                 hash
//	delivery:{id}:attempts                        list of attempts, oldest first
//	delivery:key:{idempotency_key}                delivery id
//	deliveries:org:{org_id}                       sorted set by creation time
//	deliveries:status:{status}                    set of delivery ids
//	deliveries:schedule                           sorted set of non-final deliveries by due time
//	deliveries:retries                            sorted set of retrying deliveries by next_retry_at
//	deliveries:completed                          sorted set of successful deliveries by completion time
//	deliveries:intake                             stream consumed by the dispatchers group
//	redrive:job:{id}                              hash
//	redrive:job:{id}:targets                      list of target delivery ids
//	redrive:job:{id}:states                       hash of target states
//	redrive:jobs:active                           sorted set of unfinished jobs by creation time
//	redrive:lock:{id}                             job lease owner
//	worker:heartbeat:{pool}:{worker_id}           heartbeat JSON with TTL
const (
	webhookPrefix       = "webhook"
	webhookOrgPrefix    = "webhooks:org"
	webhookActivePrefix = "webhooks:active"
	wildcardIndex       = "wildcards"
	enabledWebhooksKey  = "webhooks:enabled"
	deliveryPrefix      = "delivery"
	deliveryKeyPrefix   = "delivery:key"
	deliveryOrgPrefix   = "deliveries:org"
	deliveryStatusSet   = "deliveries:status"
	scheduleKey         = "deliveries:schedule"
	retriesKey          = "deliveries:retries"
	completedKey        = "deliveries:completed"
	intakeStream        = "deliveries:intake"
	intakeGroup         = "dispatchers"
	jobPrefix           = "redrive:job"
	activeJobsKey       = "redrive:jobs:active"
	jobLockPrefix       = "redrive:lock"
	heartbeatPrefix     = "worker:heartbeat"
)

// Store bundles the Redis repositories sharing one client
type Store struct {
	client     *redis.Client
	Webhooks   *WebhookRepository
	Deliveries *DeliveryRepository
	Jobs       *JobRepository
	Workers    *HeartbeatRepository
}

// NewStore connects to Redis and prepares the intake consumer group
func NewStore(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return NewStoreWithClient(ctx, client)
}

// NewStoreWithClient builds a store on an existing client
func NewStoreWithClient(ctx context.Context, client *redis.Client) (*Store, error) {
	err := client.XGroupCreateMkStream(ctx, intakeStream, intakeGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("creating intake consumer group: %w", err)
	}

	return &Store{
		client:     client,
		Webhooks:   &WebhookRepository{client: client},
		Deliveries: &DeliveryRepository{client: client},
		Jobs:       &JobRepository{client: client},
		Workers:    &HeartbeatRepository{client: client},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Close()
}

// Helper functions

func key(parts ...string) string {
	return strings.Join(parts, ":")
}

// ms encodes a time as Unix milliseconds, 0 for the zero time
func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMs decodes a Unix millisecond field, the zero time for 0 or garbage
func fromMs(s string) time.Time {
	v := parseInt64(s)
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func parseInt64(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
