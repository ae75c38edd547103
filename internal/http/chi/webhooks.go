package chi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/webhook"
)

/* HTTP layer DTOs for the webhook registry
 * Separate from domain entities to avoid leaking internal structure
 */

// createWebhookRequest is the body of POST /webhooks
type createWebhookRequest struct {
	Name           string            `json:"name" validate:"max=255"`
	URL            string            `json:"url" validate:"required,url"`
	Secret         string            `json:"secret"`
	Events         []string          `json:"events" validate:"required,min=1,dive,required"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds" validate:"omitempty,min=1,max=120"`
	MaxRetries     *int              `json:"max_retries" validate:"omitempty,min=0,max=10"`
	RetryStrategy  string            `json:"retry_strategy" validate:"omitempty,oneof=exponential linear fixed"`
}

// updateWebhookRequest is the body of PATCH /webhooks/{id}, absent fields are kept
type updateWebhookRequest struct {
	Name           *string           `json:"name" validate:"omitempty,max=255"`
	URL            *string           `json:"url" validate:"omitempty,url"`
	Secret         *string           `json:"secret" validate:"omitempty,min=1"`
	Active         *bool             `json:"active"`
	Events         []string          `json:"events" validate:"omitempty,min=1,dive,required"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds *int              `json:"timeout_seconds" validate:"omitempty,min=1,max=120"`
	MaxRetries     *int              `json:"max_retries" validate:"omitempty,min=0,max=10"`
	RetryStrategy  *string           `json:"retry_strategy" validate:"omitempty,oneof=exponential linear fixed"`
}

// testWebhookRequest is the optional body of POST /webhooks/{id}/test
type testWebhookRequest struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

const testEventType = "webhook.test"

type webhookStatsResponse struct {
	TotalDeliveries      int64      `json:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries"`
	AverageLatencyMs     float64    `json:"average_latency_ms"`
	LastDeliveryAt       *time.Time `json:"last_delivery_at"`
}

// webhookResponse represents a webhook in the API
// The secret is only returned when the webhook is created
type webhookResponse struct {
	ID             string               `json:"id"`
	OrgID          string               `json:"org_id"`
	Name           string               `json:"name"`
	URL            string               `json:"url"`
	Secret         string               `json:"secret,omitempty"`
	Active         bool                 `json:"active"`
	Events         []string             `json:"events"`
	Headers        map[string]string    `json:"headers"`
	TimeoutSeconds int                  `json:"timeout_seconds"`
	MaxRetries     int                  `json:"max_retries"`
	RetryStrategy  string               `json:"retry_strategy"`
	Stats          webhookStatsResponse `json:"stats"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

type testWebhookResponse struct {
	Success        bool              `json:"success"`
	Outcome        string            `json:"outcome"`
	StatusCode     int               `json:"status_code,omitempty"`
	ResponseTimeMs float64           `json:"response_time_ms"`
	ResponseBody   string            `json:"response_body,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	RequestHeaders map[string]string `json:"request_headers"`
}

func newWebhookResponse(wh webhook.Webhook) webhookResponse {
	headers := wh.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return webhookResponse{
		ID:             wh.ID,
		OrgID:          wh.OrgID,
		Name:           wh.Name,
		URL:            wh.URL,
		Active:         wh.Active,
		Events:         wh.Events,
		Headers:        headers,
		TimeoutSeconds: wh.TimeoutSeconds,
		MaxRetries:     wh.MaxRetries,
		RetryStrategy:  wh.RetryStrategy.String(),
		Stats: webhookStatsResponse{
			TotalDeliveries:      wh.Stats.TotalDeliveries,
			SuccessfulDeliveries: wh.Stats.SuccessfulDeliveries,
			FailedDeliveries:     wh.Stats.FailedDeliveries,
			AverageLatencyMs:     wh.Stats.AverageLatencyMs,
			LastDeliveryAt:       timePtr(wh.Stats.LastDeliveryAt),
		},
		CreatedAt: wh.CreatedAt,
		UpdatedAt: wh.UpdatedAt,
	}
}

// createWebhook handles POST /webhooks
func (a *API) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := a.decodeAndValidate(r, &req, false); err != nil {
		a.respondErr(w, r, err)
		return
	}

	maxRetries := webhook.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	wh, err := a.Webhooks.Create(r.Context(), webhook.Webhook{
		OrgID:          orgFrom(r),
		Name:           req.Name,
		URL:            req.URL,
		Secret:         req.Secret,
		Events:         req.Events,
		Headers:        req.Headers,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     maxRetries,
		RetryStrategy:  webhook.NewRetryStrategy(req.RetryStrategy),
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	response := newWebhookResponse(wh)
	response.Secret = wh.Secret
	respondJSON(w, http.StatusCreated, response)
}

// listWebhooks handles GET /webhooks
func (a *API) listWebhooks(w http.ResponseWriter, r *http.Request) {
	page, err := pageParams(r)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	all, err := a.Webhooks.List(r.Context(), orgFrom(r))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	start, end := page.Bounds(len(all))
	data := make([]webhookResponse, 0, end-start)
	for _, wh := range all[start:end] {
		data = append(data, newWebhookResponse(wh))
	}

	respondJSON(w, http.StatusOK, listResponse{
		Data:    data,
		Total:   len(all),
		Page:    page.Page,
		PerPage: page.PerPage,
	})
}

// getWebhook handles GET /webhooks/{id}
func (a *API) getWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := a.Webhooks.Get(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newWebhookResponse(wh))
}

// updateWebhook handles PATCH /webhooks/{id}
func (a *API) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var req updateWebhookRequest
	if err := a.decodeAndValidate(r, &req, false); err != nil {
		a.respondErr(w, r, err)
		return
	}

	update := webhook.Update{
		Name:           req.Name,
		URL:            req.URL,
		Secret:         req.Secret,
		Active:         req.Active,
		Events:         req.Events,
		Headers:        req.Headers,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
	}
	if req.RetryStrategy != nil {
		strategy := webhook.NewRetryStrategy(*req.RetryStrategy)
		update.RetryStrategy = &strategy
	}

	wh, err := a.Webhooks.Update(r.Context(), orgFrom(r), chi.URLParam(r, "id"), update)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newWebhookResponse(wh))
}

// deleteWebhook handles DELETE /webhooks/{id}, a soft delete
func (a *API) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := a.Webhooks.Deactivate(r.Context(), orgFrom(r), chi.URLParam(r, "id")); err != nil {
		a.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testWebhook handles POST /webhooks/{id}/test
// The call is made synchronously and nothing is persisted
func (a *API) testWebhook(w http.ResponseWriter, r *http.Request) {
	var req testWebhookRequest
	if err := a.decodeAndValidate(r, &req, true); err != nil {
		a.respondErr(w, r, err)
		return
	}
	if req.EventType == "" {
		req.EventType = testEventType
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage(`{}`)
	}

	wh, err := a.Webhooks.Get(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	outbound, err := a.Sender.Encoder().EncodeTest(wh, req.EventType, req.Data, "test_"+uuid.New().String())
	if err != nil {
		a.respondErr(w, r, &webhook.ValidationError{Field: "body", Message: err.Error()})
		return
	}

	result := a.Sender.Send(r.Context(), outbound, wh.Timeout())
	respondJSON(w, http.StatusOK, testWebhookResponse{
		Success:        result.Outcome == delivery.OutcomeSuccess,
		Outcome:        result.Outcome.String(),
		StatusCode:     result.Response.StatusCode,
		ResponseTimeMs: millis(result.Latency),
		ResponseBody:   result.Response.Body,
		ErrorMessage:   result.ErrorMessage,
		RequestHeaders: outbound.Headers,
	})
}
