package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marcelsud/webhook-redrive/webhook"
	"github.com/marcelsud/webhook-redrive/webhook/payload"
)

// WebhookRepository implements webhook.Repository
type WebhookRepository struct {
	client *redis.Client
}

// Create stores a new webhook and indexes it
func (r *WebhookRepository) Create(ctx context.Context, wh webhook.Webhook) error {
	fields, err := webhookFields(wh)
	if err != nil {
		return err
	}

	created, err := r.client.HSetNX(ctx, key(webhookPrefix, wh.ID), "id", wh.ID).Result()
	if err != nil {
		return fmt.Errorf("storing webhook: %w", err)
	}
	if !created {
		return fmt.Errorf("webhook %s already exists", wh.ID)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key(webhookPrefix, wh.ID), fields)
		pipe.SAdd(ctx, key(webhookOrgPrefix, wh.OrgID), wh.ID)
		if wh.Active {
			addToIndex(ctx, pipe, wh)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing webhook: %w", err)
	}

	return nil
}

// Save replaces a webhook configuration and refreshes its event index
func (r *WebhookRepository) Save(ctx context.Context, wh webhook.Webhook) error {
	existing, err := r.Get(ctx, wh.ID)
	if err != nil {
		return err
	}

	fields, err := webhookFields(wh)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removeFromIndex(ctx, pipe, existing)
		pipe.HSet(ctx, key(webhookPrefix, wh.ID), fields)
		if wh.Active {
			addToIndex(ctx, pipe, wh)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving webhook: %w", err)
	}

	return nil
}

// Get retrieves a webhook by ID from its Redis hash
func (r *WebhookRepository) Get(ctx context.Context, id string) (webhook.Webhook, error) {
	data, err := r.client.HGetAll(ctx, key(webhookPrefix, id)).Result()
	if err != nil {
		return webhook.Webhook{}, fmt.Errorf("getting webhook: %w", err)
	}
	if len(data) == 0 {
		return webhook.Webhook{}, webhook.ErrNotFound
	}

	return parseWebhook(data)
}

// List returns an organization's webhooks, oldest first
func (r *WebhookRepository) List(ctx context.Context, orgID string) ([]webhook.Webhook, error) {
	ids, err := r.client.SMembers(ctx, key(webhookOrgPrefix, orgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing webhook ids: %w", err)
	}

	webhooks, err := r.getMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	sortWebhooks(webhooks)
	return webhooks, nil
}

// ListActiveForEvent reads the (org, event type) index plus the org's wildcard subscribers
func (r *WebhookRepository) ListActiveForEvent(ctx context.Context, orgID, eventType string) ([]webhook.Webhook, error) {
	ids, err := r.client.SUnion(ctx,
		key(webhookActivePrefix, orgID, eventType),
		key(webhookActivePrefix, orgID, wildcardIndex),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("reading event index: %w", err)
	}

	candidates, err := r.getMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	webhooks := make([]webhook.Webhook, 0, len(candidates))
	for _, wh := range candidates {
		if wh.Active && wh.OrgID == orgID && wh.Subscribes(eventType) {
			webhooks = append(webhooks, wh)
		}
	}

	sortWebhooks(webhooks)
	return webhooks, nil
}

// CountActive returns the number of active webhooks of an organization, or of all when orgID is empty
func (r *WebhookRepository) CountActive(ctx context.Context, orgID string) (int64, error) {
	if orgID == "" {
		n, err := r.client.SCard(ctx, enabledWebhooksKey).Result()
		if err != nil {
			return 0, fmt.Errorf("counting active webhooks: %w", err)
		}
		return n, nil
	}

	webhooks, err := r.List(ctx, orgID)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, wh := range webhooks {
		if wh.Active {
			n++
		}
	}
	return n, nil
}

// RecordDelivery folds an attempt into the webhook stats with atomic increments
func (r *WebhookRepository) RecordDelivery(ctx context.Context, id string, success bool, latency time.Duration, at time.Time) error {
	hashKey := key(webhookPrefix, id)

	exists, err := r.client.Exists(ctx, hashKey).Result()
	if err != nil {
		return fmt.Errorf("checking webhook: %w", err)
	}
	if exists == 0 {
		return webhook.ErrNotFound
	}

	outcome := "failed_deliveries"
	if success {
		outcome = "successful_deliveries"
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, hashKey, "total_deliveries", 1)
		pipe.HIncrBy(ctx, hashKey, outcome, 1)
		pipe.HIncrByFloat(ctx, hashKey, "latency_total_ms", float64(latency)/float64(time.Millisecond))
		pipe.HSet(ctx, hashKey, "last_delivery_at", ms(at))
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording delivery stats: %w", err)
	}

	return nil
}

func (r *WebhookRepository) getMany(ctx context.Context, ids []string) ([]webhook.Webhook, error) {
	if len(ids) == 0 {
		return []webhook.Webhook{}, nil
	}

	// Use pipeline for efficient batch operations
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, key(webhookPrefix, id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("executing pipeline: %w", err)
	}

	webhooks := make([]webhook.Webhook, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		wh, err := parseWebhook(data)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, wh)
	}

	return webhooks, nil
}

func addToIndex(ctx context.Context, pipe redis.Pipeliner, wh webhook.Webhook) {
	pipe.SAdd(ctx, enabledWebhooksKey, wh.ID)
	for _, event := range wh.Events {
		if _, ok := payload.WildcardPrefix(event); ok {
			pipe.SAdd(ctx, key(webhookActivePrefix, wh.OrgID, wildcardIndex), wh.ID)
			continue
		}
		pipe.SAdd(ctx, key(webhookActivePrefix, wh.OrgID, event), wh.ID)
	}
}

func removeFromIndex(ctx context.Context, pipe redis.Pipeliner, wh webhook.Webhook) {
	pipe.SRem(ctx, enabledWebhooksKey, wh.ID)
	pipe.SRem(ctx, key(webhookActivePrefix, wh.OrgID, wildcardIndex), wh.ID)
	for _, event := range wh.Events {
		pipe.SRem(ctx, key(webhookActivePrefix, wh.OrgID, event), wh.ID)
	}
}

// webhookFields encodes the configuration fields; stats are owned by RecordDelivery
func webhookFields(wh webhook.Webhook) (map[string]interface{}, error) {
	eventsJSON, err := json.Marshal(wh.Events)
	if err != nil {
		return nil, fmt.Errorf("marshaling events: %w", err)
	}

	headersJSON, err := json.Marshal(wh.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshaling headers: %w", err)
	}

	return map[string]interface{}{
		"id":              wh.ID,
		"org_id":          wh.OrgID,
		"name":            wh.Name,
		"url":             wh.URL,
		"secret":          wh.Secret,
		"active":          boolField(wh.Active),
		"events":          string(eventsJSON),
		"headers":         string(headersJSON),
		"timeout_seconds": wh.TimeoutSeconds,
		"max_retries":     wh.MaxRetries,
		"retry_strategy":  wh.RetryStrategy.String(),
		"created_at":      ms(wh.CreatedAt),
		"updated_at":      ms(wh.UpdatedAt),
	}, nil
}

func parseWebhook(data map[string]string) (webhook.Webhook, error) {
	var events []string
	if s := data["events"]; s != "" {
		if err := json.Unmarshal([]byte(s), &events); err != nil {
			return webhook.Webhook{}, fmt.Errorf("unmarshaling events: %w", err)
		}
	}

	var headers map[string]string
	if s := data["headers"]; s != "" && s != "null" {
		if err := json.Unmarshal([]byte(s), &headers); err != nil {
			return webhook.Webhook{}, fmt.Errorf("unmarshaling headers: %w", err)
		}
	}

	total := parseInt64(data["total_deliveries"])
	var avgLatency float64
	if total > 0 {
		avgLatency = parseFloat(data["latency_total_ms"]) / float64(total)
	}

	timeout, _ := strconv.Atoi(data["timeout_seconds"])
	maxRetries, _ := strconv.Atoi(data["max_retries"])

	return webhook.Webhook{
		ID:             data["id"],
		OrgID:          data["org_id"],
		Name:           data["name"],
		URL:            data["url"],
		Secret:         data["secret"],
		Active:         data["active"] == "1",
		Events:         events,
		Headers:        headers,
		TimeoutSeconds: timeout,
		MaxRetries:     maxRetries,
		RetryStrategy:  webhook.NewRetryStrategy(data["retry_strategy"]),
		Stats: webhook.Stats{
			TotalDeliveries:      total,
			SuccessfulDeliveries: parseInt64(data["successful_deliveries"]),
			FailedDeliveries:     parseInt64(data["failed_deliveries"]),
			AverageLatencyMs:     avgLatency,
			LastDeliveryAt:       fromMs(data["last_delivery_at"]),
		},
		CreatedAt: fromMs(data["created_at"]),
		UpdatedAt: fromMs(data["updated_at"]),
	}, nil
}

func sortWebhooks(webhooks []webhook.Webhook) {
	sort.Slice(webhooks, func(i, j int) bool {
		if webhooks[i].CreatedAt.Equal(webhooks[j].CreatedAt) {
			return webhooks[i].ID < webhooks[j].ID
		}
		return webhooks[i].CreatedAt.Before(webhooks[j].CreatedAt)
	})
}
