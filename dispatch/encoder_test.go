package dispatch

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/webhook"
	"github.com/marcelsud/webhook-redrive/webhook/signature"
)

func testWebhook(url string) webhook.Webhook {
	return webhook.Webhook{
		ID:             "wh_1",
		OrgID:          "org_1",
		URL:            url,
		Secret:         "whsec_test",
		Active:         true,
		Events:         []string{"form.submitted"},
		TimeoutSeconds: 5,
		MaxRetries:     3,
		RetryStrategy:  webhook.Exponential,
		Headers: map[string]string{
			"x-tenant":            "acme",
			"x-webhook-signature": "forged",
			"CONTENT-TYPE":        "text/plain",
		},
	}
}

func testDelivery(wh webhook.Webhook) delivery.Delivery {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return delivery.New(wh, "evt_1", "form.submitted", "form", "f_1", []byte(`{"form_id":"f_1"}`), now)
}

func TestEncoder_Encode(t *testing.T) {
	wh := testWebhook("https://hooks.example.com/forms")
	d := testDelivery(wh)
	encoder := NewEncoder("")

	t.Run("builds a signed POST with the envelope body", func(t *testing.T) {
		req, err := encoder.Encode(d, wh, 2)
		require.NoError(t, err)

		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, wh.URL, req.URL)
		assert.Equal(t, `{"event":"form.submitted","data":{"form_id":"f_1"}}`, string(req.Body))

		assert.Equal(t, "application/json", req.Headers[HeaderContentType])
		assert.Equal(t, "webhook-redrive/1.0", req.Headers[HeaderUserAgent])
		assert.Equal(t, d.IdempotencyKey, req.Headers[HeaderIdempotencyKey])
		assert.Equal(t, "form.submitted", req.Headers[HeaderEvent])
		assert.Equal(t, d.ID, req.Headers[HeaderDelivery])
		assert.Equal(t, "2", req.Headers[HeaderAttempt])

		valid, err := signature.Verify(wh.Secret, req.Body, req.Headers[signature.Header])
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("custom headers cannot override reserved headers", func(t *testing.T) {
		req, err := encoder.Encode(d, wh, 1)
		require.NoError(t, err)

		assert.Equal(t, "acme", req.Headers["X-Tenant"])
		assert.NotEqual(t, "forged", req.Headers[signature.Header])
		assert.Equal(t, "application/json", req.Headers[HeaderContentType])
		assert.NotContains(t, req.Headers, "CONTENT-TYPE")
	})

	t.Run("encoding is deterministic", func(t *testing.T) {
		first, err := encoder.Encode(d, wh, 1)
		require.NoError(t, err)
		second, err := encoder.Encode(d, wh, 1)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("retries reuse the idempotency key", func(t *testing.T) {
		first, err := encoder.Encode(d, wh, 1)
		require.NoError(t, err)
		retry, err := encoder.Encode(d, wh, 2)
		require.NoError(t, err)

		assert.Equal(t, first.Headers[HeaderIdempotencyKey], retry.Headers[HeaderIdempotencyKey])
		assert.Equal(t, first.Body, retry.Body)
		assert.NotEqual(t, first.Headers[HeaderAttempt], retry.Headers[HeaderAttempt])
	})

	t.Run("error - payload is not JSON", func(t *testing.T) {
		broken := d
		broken.Payload = []byte("not json")

		_, err := encoder.Encode(broken, wh, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validating envelope")
	})
}

func TestEncoder_EncodeTest(t *testing.T) {
	wh := testWebhook("https://hooks.example.com/forms")
	encoder := NewEncoder("forms")

	req, err := encoder.EncodeTest(wh, "form.submitted", []byte(`{"test":true}`), "test_1")
	require.NoError(t, err)

	assert.Equal(t, "forms/1.0", req.Headers[HeaderUserAgent])
	assert.Equal(t, "test_1", req.Headers[HeaderDelivery])
	assert.Equal(t, "1", req.Headers[HeaderAttempt])

	_, err = encoder.EncodeTest(wh, "bad event", []byte(`{}`), "test_2")
	require.Error(t, err)
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved("x-webhook-signature"))
	assert.True(t, IsReserved("User-Agent"))
	assert.False(t, IsReserved("X-Tenant"))
}
