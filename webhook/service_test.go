package webhook_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/marcelsud/webhook-redrive/webhook"
	"github.com/marcelsud/webhook-redrive/webhook/mocks"
	"github.com/marcelsud/webhook-redrive/webhook/signature"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(repo webhook.Repository, opts ...webhook.Option) *webhook.Service {
	opts = append([]webhook.Option{webhook.WithNow(func() time.Time { return fixedNow })}, opts...)
	return webhook.NewService(repo, opts...)
}

func validWebhook() webhook.Webhook {
	return webhook.Webhook{
		OrgID:      "org_1",
		Name:       "CRM sync",
		URL:        "https://hooks.example.com/forms",
		Events:     []string{"form.submitted"},
		MaxRetries: 3,
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("success - applies defaults and generates secret", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := newService(repo)

		repo.On("Create", ctx, matchWebhook(func(wh webhook.Webhook) bool {
			return wh.ID != "" &&
				wh.OrgID == "org_1" &&
				wh.Active &&
				strings.HasPrefix(wh.Secret, signature.SecretPrefix) &&
				wh.TimeoutSeconds == webhook.DefaultTimeoutSeconds &&
				wh.RetryStrategy == webhook.Exponential &&
				wh.CreatedAt.Equal(fixedNow)
		})).Return(nil)

		wh, err := service.Create(ctx, validWebhook())

		require.NoError(t, err)
		assert.True(t, wh.Active)
		assert.Equal(t, 3, wh.MaxAttempts())
	})

	t.Run("success - keeps supplied secret and strategy", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := newService(repo)

		input := validWebhook()
		input.Secret = "whsec_supplied"
		input.RetryStrategy = webhook.Fixed

		repo.On("Create", ctx, mock.Anything).Return(nil)

		wh, err := service.Create(ctx, input)

		require.NoError(t, err)
		assert.Equal(t, "whsec_supplied", wh.Secret)
		assert.Equal(t, webhook.Fixed, wh.RetryStrategy)
	})

	t.Run("error - invalid URL never reaches the repository", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := newService(repo)

		input := validWebhook()
		input.URL = "ftp://hooks.example.com"

		_, err := service.Create(ctx, input)

		var validationErr *webhook.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "url", validationErr.Field)
	})

	t.Run("error - event type outside the catalogue", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := newService(repo, webhook.WithAllowedEvents([]string{"form.submitted", "form.published"}))

		input := validWebhook()
		input.Events = []string{"invoice.paid"}

		_, err := service.Create(ctx, input)

		var validationErr *webhook.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "events", validationErr.Field)
	})

	t.Run("error - repository failure", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := newService(repo)

		repo.On("Create", ctx, mock.Anything).Return(errors.New("connection refused"))

		_, err := service.Create(ctx, validWebhook())

		require.Error(t, err)
		assert.Contains(t, err.Error(), "creating webhook")
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	stored := validWebhook()
	stored.ID = "wh_1"
	stored.Secret = "whsec_test"
	stored.Active = true
	stored.TimeoutSeconds = 30
	stored.RetryStrategy = webhook.Exponential

	t.Run("success - partial update", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := newService(repo)

		retries := 5
		strategy := webhook.Linear

		repo.On("Get", ctx, "wh_1").Return(stored, nil)
		repo.On("Save", ctx, matchWebhook(func(wh webhook.Webhook) bool {
			return wh.MaxRetries == 5 &&
				wh.RetryStrategy == webhook.Linear &&
				wh.URL == stored.URL
		})).Return(nil)

		wh, err := service.Update(ctx, "org_1", "wh_1", webhook.Update{
			MaxRetries:    &retries,
			RetryStrategy: &strategy,
		})

		require.NoError(t, err)
		assert.Equal(t, 5, wh.MaxRetries)
	})

	t.Run("error - another organization's webhook", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := newService(repo)

		repo.On("Get", ctx, "wh_1").Return(stored, nil)

		_, err := service.Update(ctx, "org_2", "wh_1", webhook.Update{})

		assert.ErrorIs(t, err, webhook.ErrNotFound)
	})

	t.Run("error - timeout out of range", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := newService(repo)

		timeout := 121
		repo.On("Get", ctx, "wh_1").Return(stored, nil)

		_, err := service.Update(ctx, "org_1", "wh_1", webhook.Update{TimeoutSeconds: &timeout})

		var validationErr *webhook.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "timeout_seconds", validationErr.Field)
	})
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()

	stored := validWebhook()
	stored.ID = "wh_1"
	stored.Active = true

	t.Run("success", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := newService(repo)

		repo.On("Get", ctx, "wh_1").Return(stored, nil)
		repo.On("Save", ctx, matchWebhook(func(wh webhook.Webhook) bool {
			return !wh.Active
		})).Return(nil)

		require.NoError(t, service.Deactivate(ctx, "org_1", "wh_1"))
	})

	t.Run("already inactive is a no-op", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := newService(repo)

		inactive := stored
		inactive.Active = false
		repo.On("Get", ctx, "wh_1").Return(inactive, nil)

		require.NoError(t, service.Deactivate(ctx, "org_1", "wh_1"))
	})

	t.Run("not found", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := newService(repo)

		repo.On("Get", ctx, "missing").Return(webhook.Webhook{}, webhook.ErrNotFound)

		assert.ErrorIs(t, service.Deactivate(ctx, "org_1", "missing"), webhook.ErrNotFound)
	})
}

func TestListActiveForEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := newService(repo)

		repo.On("ListActiveForEvent", ctx, "org_1", "form.submitted").
			Return([]webhook.Webhook{{ID: "wh_1"}, {ID: "wh_2"}}, nil)

		webhooks, err := service.ListActiveForEvent(ctx, "form.submitted", "org_1")

		require.NoError(t, err)
		assert.Len(t, webhooks, 2)
	})

	t.Run("error", func(t *testing.T) {
		repo := mocks.NewRepository(t)
		service := newService(repo)

		repo.On("ListActiveForEvent", ctx, "org_1", "form.submitted").
			Return(nil, errors.New("timeout"))

		_, err := service.ListActiveForEvent(ctx, "form.submitted", "org_1")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "listing webhooks for form.submitted")
	})
}

func TestRecordDelivery(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewRepository(t)
	service := newService(repo)

	repo.On("RecordDelivery", ctx, "wh_1", true, 120*time.Millisecond, fixedNow).Return(nil)

	require.NoError(t, service.RecordDelivery(ctx, "wh_1", true, 120*time.Millisecond, fixedNow))
}

func matchWebhook(matcher func(webhook.Webhook) bool) interface{} {
	return mock.MatchedBy(matcher)
}
