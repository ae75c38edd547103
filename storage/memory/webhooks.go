package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcelsud/webhook-redrive/webhook"
)

// WebhookRepository is an in-memory implementation of webhook.Repository.
type WebhookRepository struct {
	mu       sync.RWMutex
	webhooks map[string]webhook.Webhook
}

// NewWebhookRepository creates a new in-memory webhook repository.
func NewWebhookRepository() *WebhookRepository {
	return &WebhookRepository{
		webhooks: make(map[string]webhook.Webhook),
	}
}

// Create stores a new webhook.
func (r *WebhookRepository) Create(ctx context.Context, wh webhook.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.webhooks[wh.ID]; exists {
		return fmt.Errorf("webhook %s already exists", wh.ID)
	}

	r.webhooks[wh.ID] = cloneWebhook(wh)
	return nil
}

// Save replaces a webhook configuration, keeping its stats.
func (r *WebhookRepository) Save(ctx context.Context, wh webhook.Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.webhooks[wh.ID]
	if !exists {
		return webhook.ErrNotFound
	}

	wh.Stats = existing.Stats
	r.webhooks[wh.ID] = cloneWebhook(wh)
	return nil
}

// Get retrieves a webhook by its ID.
func (r *WebhookRepository) Get(ctx context.Context, id string) (webhook.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wh, exists := r.webhooks[id]
	if !exists {
		return webhook.Webhook{}, webhook.ErrNotFound
	}
	return cloneWebhook(wh), nil
}

// List returns an organization's webhooks, oldest first.
func (r *WebhookRepository) List(ctx context.Context, orgID string) ([]webhook.Webhook, error) {
	return r.filter(func(wh webhook.Webhook) bool {
		return wh.OrgID == orgID
	}), nil
}

// ListActiveForEvent returns the active webhooks of orgID subscribed to eventType.
func (r *WebhookRepository) ListActiveForEvent(ctx context.Context, orgID, eventType string) ([]webhook.Webhook, error) {
	return r.filter(func(wh webhook.Webhook) bool {
		return wh.OrgID == orgID && wh.Active && wh.Subscribes(eventType)
	}), nil
}

// CountActive returns the number of active webhooks of an organization, or of all when orgID is empty.
func (r *WebhookRepository) CountActive(ctx context.Context, orgID string) (int64, error) {
	matches := r.filter(func(wh webhook.Webhook) bool {
		return wh.Active && (orgID == "" || wh.OrgID == orgID)
	})
	return int64(len(matches)), nil
}

// RecordDelivery folds an attempt into the webhook stats.
func (r *WebhookRepository) RecordDelivery(ctx context.Context, id string, success bool, latency time.Duration, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wh, exists := r.webhooks[id]
	if !exists {
		return webhook.ErrNotFound
	}

	wh.Stats = wh.Stats.Record(success, latency, at)
	r.webhooks[id] = wh
	return nil
}

func (r *WebhookRepository) filter(keep func(webhook.Webhook) bool) []webhook.Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var webhooks []webhook.Webhook
	for _, wh := range r.webhooks {
		if keep(wh) {
			webhooks = append(webhooks, cloneWebhook(wh))
		}
	}

	sort.Slice(webhooks, func(i, j int) bool {
		if webhooks[i].CreatedAt.Equal(webhooks[j].CreatedAt) {
			return webhooks[i].ID < webhooks[j].ID
		}
		return webhooks[i].CreatedAt.Before(webhooks[j].CreatedAt)
	})

	return webhooks
}

func cloneWebhook(wh webhook.Webhook) webhook.Webhook {
	wh.Events = append([]string(nil), wh.Events...)
	if wh.Headers != nil {
		headers := make(map[string]string, len(wh.Headers))
		for k, v := range wh.Headers {
			headers[k] = v
		}
		wh.Headers = headers
	}
	return wh
}
