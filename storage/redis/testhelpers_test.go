//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	testcontainersredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/marcelsud/webhook-redrive/storage/redis"
	"github.com/marcelsud/webhook-redrive/webhook"
)

/* Test Helpers for Redis Integration Tests
 * Following the pattern from: https://eltonminetto.dev/post/2024-02-15-using-test-helpers/
 */

// RedisContainer holds the Redis testcontainer and connection details
type RedisContainer struct {
	Container *testcontainersredis.RedisContainer
	Addr      string
}

// SetupRedisContainer creates and starts a Redis testcontainer
func SetupRedisContainer(t *testing.T, ctx context.Context) (*RedisContainer, func()) {
	t.Helper()

	redisContainer, err := testcontainersredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start Redis container")

	addr, err := redisContainer.ConnectionString(ctx)
	require.NoError(t, err, "failed to get Redis connection string")
	addr = strings.TrimPrefix(addr, "redis://")

	rc := &RedisContainer{
		Container: redisContainer,
		Addr:      addr,
	}

	cleanup := func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	}

	return rc, cleanup
}

// CreateTestStore creates a Redis store connected to the test container
func CreateTestStore(t *testing.T, addr string) *redis.Store {
	t.Helper()

	store, err := redis.NewStore(addr, "", 0)
	require.NoError(t, err, "failed to create Redis store")

	return store
}

// GenerateID is a helper to generate unique test IDs
func GenerateID(t *testing.T, prefix string, index int) string {
	t.Helper()
	return fmt.Sprintf("%s-%d-%d", prefix, index, time.Now().UnixNano())
}

// KeyExists checks if a Redis key exists
func KeyExists(t *testing.T, addr string, key string) bool {
	t.Helper()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()

	exists, err := client.Exists(context.Background(), key).Result()
	require.NoError(t, err)

	return exists > 0
}

// NewTestWebhook returns an active webhook subscribed to events
func NewTestWebhook(t *testing.T, orgID string, events ...string) webhook.Webhook {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Millisecond)
	return webhook.Webhook{
		ID:             GenerateID(t, "wh", len(events)),
		OrgID:          orgID,
		Name:           "orders",
		URL:            "https://example.com/hooks",
		Secret:         "whsec_test",
		Active:         true,
		Events:         events,
		Headers:        map[string]string{"X-Tenant": orgID},
		TimeoutSeconds: webhook.DefaultTimeoutSeconds,
		MaxRetries:     3,
		RetryStrategy:  webhook.Exponential,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
