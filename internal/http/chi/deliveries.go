package chi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/webhook"
)

type responseSnapshot struct {
	StatusCode int               `json:"status_code,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

type requestSnapshot struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// attemptResponse is one row of the attempt log
type attemptResponse struct {
	AttemptNumber  int              `json:"attempt_number"`
	SentAt         time.Time        `json:"sent_at"`
	Outcome        string           `json:"outcome"`
	ResponseTimeMs float64          `json:"response_time_ms"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	NextRetryAt    *time.Time       `json:"next_retry_at"`
	Request        requestSnapshot  `json:"request"`
	Response       responseSnapshot `json:"response"`
}

// deliveryResponse represents a delivery in the API
type deliveryResponse struct {
	ID                 string           `json:"id"`
	WebhookID          string           `json:"webhook_id"`
	EventID            string           `json:"event_id"`
	EventType          string           `json:"event_type"`
	ResourceType       string           `json:"resource_type,omitempty"`
	ResourceID         string           `json:"resource_id,omitempty"`
	Status             string           `json:"status"`
	AttemptNumber      int              `json:"attempt_number"`
	MaxAttempts        int              `json:"max_attempts"`
	RetryStrategy      string           `json:"retry_strategy"`
	IdempotencyKey     string           `json:"idempotency_key"`
	ParentID           string           `json:"parent_id,omitempty"`
	Payload            json.RawMessage  `json:"payload"`
	ResponseStatusCode int              `json:"response_status_code,omitempty"`
	ResponseBody       string           `json:"response_body,omitempty"`
	ResponseTimeMs     float64          `json:"response_time_ms"`
	LastOutcome        string           `json:"last_outcome,omitempty"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	NextRetryAt        *time.Time       `json:"next_retry_at"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	CompletedAt        *time.Time       `json:"completed_at"`
	LatestAttempt      *attemptResponse `json:"latest_attempt,omitempty"`
}

func newDeliveryResponse(d delivery.Delivery) deliveryResponse {
	response := deliveryResponse{
		ID:                 d.ID,
		WebhookID:          d.WebhookID,
		EventID:            d.EventID,
		EventType:          d.EventType,
		ResourceType:       d.ResourceType,
		ResourceID:         d.ResourceID,
		Status:             d.Status.String(),
		AttemptNumber:      d.AttemptNumber,
		MaxAttempts:        d.MaxAttempts,
		RetryStrategy:      d.RetryStrategy.String(),
		IdempotencyKey:     d.IdempotencyKey,
		ParentID:           d.ParentID,
		Payload:            rawJSON(d.Payload),
		ResponseStatusCode: d.Response.StatusCode,
		ResponseBody:       d.Response.Body,
		ResponseTimeMs:     millis(d.Latency),
		LastOutcome:        d.LastOutcome.String(),
		ErrorMessage:       d.ErrorMessage,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
		CompletedAt:        timePtr(d.CompletedAt),
	}
	if d.Status == delivery.Retrying {
		response.NextRetryAt = timePtr(d.NextRetryAt)
	}
	return response
}

func newAttemptResponse(a delivery.Attempt) attemptResponse {
	return attemptResponse{
		AttemptNumber:  a.Number,
		SentAt:         a.SentAt,
		Outcome:        a.Outcome.String(),
		ResponseTimeMs: millis(a.Latency),
		ErrorMessage:   a.ErrorMessage,
		NextRetryAt:    timePtr(a.NextRetryAt),
		Request: requestSnapshot{
			Method:  a.Request.Method,
			URL:     a.Request.URL,
			Headers: a.Request.Headers,
			Body:    rawJSON(a.Request.Body),
		},
		Response: responseSnapshot{
			StatusCode: a.Response.StatusCode,
			Headers:    a.Response.Headers,
			Body:       a.Response.Body,
		},
	}
}

// rawJSON embeds stored JSON as is, falling back to a JSON string for anything else
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage(`null`)
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func deliveryFilter(r *http.Request) (delivery.Filter, error) {
	q := r.URL.Query()
	filter := delivery.Filter{
		WebhookID: q.Get("webhook_id"),
		EventType: q.Get("event_type"),
		Search:    q.Get("search"),
	}

	if raw := q.Get("status"); raw != "" {
		status, err := delivery.ParseStatus(raw)
		if err != nil {
			return delivery.Filter{}, &webhook.ValidationError{Field: "status", Message: err.Error()}
		}
		filter.Status = status
	}

	var err error
	if filter.CreatedAfter, err = timeParam(r, "created_after"); err != nil {
		return delivery.Filter{}, err
	}
	if filter.CreatedBefore, err = timeParam(r, "created_before"); err != nil {
		return delivery.Filter{}, err
	}

	return filter, nil
}

// listDeliveries handles GET /webhook-deliveries
func (a *API) listDeliveries(w http.ResponseWriter, r *http.Request) {
	filter, err := deliveryFilter(r)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	page, err := pageParams(r)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	deliveries, total, err := a.Deliveries.List(r.Context(), orgFrom(r), filter, page)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	data := make([]deliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		data = append(data, newDeliveryResponse(d))
	}

	respondJSON(w, http.StatusOK, listResponse{
		Data:    data,
		Total:   total,
		Page:    page.Page,
		PerPage: page.PerPage,
	})
}

// ownedDelivery loads a delivery and hides those of other organizations
func (a *API) ownedDelivery(r *http.Request, id string) (delivery.Delivery, error) {
	d, err := a.Deliveries.Get(r.Context(), id)
	if err != nil {
		return delivery.Delivery{}, err
	}
	if d.OrgID != orgFrom(r) {
		return delivery.Delivery{}, delivery.ErrNotFound
	}
	return d, nil
}

// getDelivery handles GET /webhook-deliveries/{id}
func (a *API) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := a.ownedDelivery(r, chi.URLParam(r, "id"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	attempts, err := a.Deliveries.Attempts(r.Context(), d.ID)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	response := newDeliveryResponse(d)
	if n := len(attempts); n > 0 {
		latest := newAttemptResponse(attempts[n-1])
		response.LatestAttempt = &latest
	}
	respondJSON(w, http.StatusOK, response)
}

// listAttempts handles GET /webhook-deliveries/{id}/attempts, oldest first
func (a *API) listAttempts(w http.ResponseWriter, r *http.Request) {
	d, err := a.ownedDelivery(r, chi.URLParam(r, "id"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	attempts, err := a.Deliveries.Attempts(r.Context(), d.ID)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	data := make([]attemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		data = append(data, newAttemptResponse(attempt))
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": data})
}
