package seed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/marcelsud/webhook-redrive/webhook"
)

/* A seed file bootstraps webhook subscriptions from YAML
 * It is applied on startup and by the operator CLI, existing ids are left alone
 */

// File represents the structure of a seed file
type File struct {
	Webhooks []Entry `yaml:"webhooks"`
}

// Entry represents a single webhook in the YAML file
type Entry struct {
	ID             string            `yaml:"id"`
	OrgID          string            `yaml:"org_id"`
	Name           string            `yaml:"name"`
	URL            string            `yaml:"url"`
	Secret         string            `yaml:"secret"`
	Events         []string          `yaml:"events"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds"` // Default: 30
	MaxRetries     *int              `yaml:"max_retries"`     // Default: 3
	RetryStrategy  string            `yaml:"retry_strategy"`  // Default: exponential
	Active         *bool             `yaml:"active"`          // Default: true
}

// Webhook converts the entry into a registry webhook with defaults applied
func (e Entry) Webhook() (webhook.Webhook, error) {
	strategy, err := webhook.ParseRetryStrategy(e.RetryStrategy)
	if err != nil {
		return webhook.Webhook{}, &webhook.ValidationError{Field: "retry_strategy", Message: err.Error()}
	}

	wh := webhook.Webhook{
		ID:             e.ID,
		OrgID:          e.OrgID,
		Name:           e.Name,
		URL:            e.URL,
		Secret:         e.Secret,
		Active:         true,
		Events:         e.Events,
		Headers:        e.Headers,
		TimeoutSeconds: e.TimeoutSeconds,
		MaxRetries:     webhook.DefaultMaxRetries,
		RetryStrategy:  strategy,
	}
	if wh.TimeoutSeconds == 0 {
		wh.TimeoutSeconds = webhook.DefaultTimeoutSeconds
	}
	if e.MaxRetries != nil {
		wh.MaxRetries = *e.MaxRetries
	}
	if e.Active != nil {
		wh.Active = *e.Active
	}

	return wh, nil
}

// Seed holds the webhooks read from a seed file
type Seed struct {
	webhooks []webhook.Webhook
}

// Load reads, parses and validates a seed file
func Load(filePath string) (*Seed, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	return Parse(data)
}

// Parse validates seed YAML already in memory
// Secrets are optional here and generated by the registry on Apply
func Parse(data []byte) (*Seed, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing seed YAML: %w", err)
	}

	seen := make(map[string]bool, len(file.Webhooks))
	s := &Seed{webhooks: make([]webhook.Webhook, 0, len(file.Webhooks))}
	for i, entry := range file.Webhooks {
		if entry.ID == "" {
			return nil, fmt.Errorf("webhook %d: id cannot be empty", i+1)
		}
		if seen[entry.ID] {
			return nil, fmt.Errorf("webhook %s: duplicate id", entry.ID)
		}
		seen[entry.ID] = true

		wh, err := entry.Webhook()
		if err != nil {
			return nil, fmt.Errorf("validating webhook %s: %w", entry.ID, err)
		}

		check := wh
		if check.Secret == "" {
			check.Secret = "generated"
		}
		if err := check.Validate(); err != nil {
			return nil, fmt.Errorf("validating webhook %s: %w", entry.ID, err)
		}

		s.webhooks = append(s.webhooks, wh)
	}

	return s, nil
}

// List returns the loaded webhooks in file order
func (s *Seed) List() []webhook.Webhook {
	return append([]webhook.Webhook(nil), s.webhooks...)
}

// Registry is the part of the webhook service a seed is applied through
type Registry interface {
	Create(ctx context.Context, wh webhook.Webhook) (webhook.Webhook, error)
	Get(ctx context.Context, orgID, id string) (webhook.Webhook, error)
	Deactivate(ctx context.Context, orgID, id string) error
}

// Result counts what Apply did
type Result struct {
	Created int
	Skipped int
}

// Apply creates every webhook that does not exist yet
// Entries marked inactive are created and then deactivated
func (s *Seed) Apply(ctx context.Context, registry Registry, logger zerolog.Logger) (Result, error) {
	var result Result
	for _, wh := range s.webhooks {
		_, err := registry.Get(ctx, wh.OrgID, wh.ID)
		if err == nil {
			result.Skipped++
			continue
		}
		if !errors.Is(err, webhook.ErrNotFound) {
			return result, fmt.Errorf("checking webhook %s: %w", wh.ID, err)
		}

		created, err := registry.Create(ctx, wh)
		if err != nil {
			return result, fmt.Errorf("creating webhook %s: %w", wh.ID, err)
		}
		if !wh.Active {
			if err := registry.Deactivate(ctx, created.OrgID, created.ID); err != nil {
				return result, fmt.Errorf("deactivating webhook %s: %w", wh.ID, err)
			}
		}

		result.Created++
		logger.Info().
			Str("webhook_id", created.ID).
			Str("org_id", created.OrgID).
			Bool("active", wh.Active).
			Msg("seeded webhook")
	}

	return result, nil
}
