// Package dispatch builds outbound webhook requests, performs them and runs the intake workers.
package dispatch

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/webhook"
	"github.com/marcelsud/webhook-redrive/webhook/payload"
	"github.com/marcelsud/webhook-redrive/webhook/signature"
)

const (
	HeaderContentType    = "Content-Type"
	HeaderUserAgent      = "User-Agent"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderEvent          = "X-Webhook-Event"
	HeaderDelivery       = "X-Webhook-Delivery"
	HeaderAttempt        = "X-Webhook-Attempt"

	DefaultProduct = "webhook-redrive"
)

// reservedHeaders are set by the engine and cannot be overridden by custom headers
var reservedHeaders = []string{
	HeaderContentType,
	HeaderUserAgent,
	signature.Header,
	HeaderIdempotencyKey,
	HeaderEvent,
	HeaderDelivery,
	HeaderAttempt,
}

// IsReserved reports whether name is an engine-controlled header, case-insensitively
func IsReserved(name string) bool {
	for _, reserved := range reservedHeaders {
		if strings.EqualFold(reserved, name) {
			return true
		}
	}
	return false
}

/* Encoder produces the canonical outbound request of a delivery attempt
 * Deterministic and side-effect free: the same delivery, webhook and attempt
 * number always encode to the same bytes
 */
type Encoder struct {
	product string
}

// NewEncoder creates an encoder advertising product in the User-Agent
func NewEncoder(product string) Encoder {
	if product == "" {
		product = DefaultProduct
	}
	return Encoder{product: product}
}

// UserAgent returns the User-Agent header value
func (e Encoder) UserAgent() string {
	return e.product + "/1.0"
}

// Encode builds the request for attempt number n of d
func (e Encoder) Encode(d delivery.Delivery, wh webhook.Webhook, n int) (delivery.Request, error) {
	envelope := payload.Envelope{Event: d.EventType, Data: d.Payload}
	if err := envelope.Validate(); err != nil {
		return delivery.Request{}, fmt.Errorf("validating envelope: %w", err)
	}

	body, err := envelope.Bytes()
	if err != nil {
		return delivery.Request{}, fmt.Errorf("encoding envelope: %w", err)
	}

	headers := e.headers(wh.Headers, wh.Secret, body)
	headers[HeaderIdempotencyKey] = d.IdempotencyKey
	headers[HeaderEvent] = d.EventType
	headers[HeaderDelivery] = d.ID
	headers[HeaderAttempt] = strconv.Itoa(n)

	return delivery.Request{
		Method:  http.MethodPost,
		URL:     wh.URL,
		Headers: headers,
		Body:    body,
	}, nil
}

// EncodeTest builds a one-off request for an arbitrary sample event, outside any delivery
func (e Encoder) EncodeTest(wh webhook.Webhook, eventType string, data []byte, testID string) (delivery.Request, error) {
	envelope, err := payload.New(eventType, data)
	if err != nil {
		return delivery.Request{}, err
	}

	body, err := envelope.Bytes()
	if err != nil {
		return delivery.Request{}, fmt.Errorf("encoding envelope: %w", err)
	}

	headers := e.headers(wh.Headers, wh.Secret, body)
	headers[HeaderIdempotencyKey] = testID
	headers[HeaderEvent] = eventType
	headers[HeaderDelivery] = testID
	headers[HeaderAttempt] = "1"

	return delivery.Request{
		Method:  http.MethodPost,
		URL:     wh.URL,
		Headers: headers,
		Body:    body,
	}, nil
}

// headers lays custom headers down first, then the reserved ones on top
func (e Encoder) headers(custom map[string]string, secret string, body []byte) map[string]string {
	headers := make(map[string]string, len(custom)+len(reservedHeaders))
	for name, value := range custom {
		if IsReserved(name) {
			continue
		}
		headers[http.CanonicalHeaderKey(name)] = value
	}

	headers[HeaderContentType] = "application/json"
	headers[HeaderUserAgent] = e.UserAgent()
	headers[signature.Header] = signature.Sign(secret, body).String()

	return headers
}
