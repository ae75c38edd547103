package chi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/marcelsud/webhook-redrive/event"
	"github.com/marcelsud/webhook-redrive/metrics"
	"github.com/marcelsud/webhook-redrive/webhook"
)

// publishEventRequest is the body of POST /events
// id is the producer's event id, re-publishing it does not duplicate deliveries
type publishEventRequest struct {
	ID           string          `json:"id" validate:"omitempty,max=255"`
	Type         string          `json:"type" validate:"required"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Data         json.RawMessage `json:"data" validate:"required"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

type publishEventResponse struct {
	EventID  string   `json:"event_id"`
	Created  []string `json:"created"`
	Existing []string `json:"existing"`
}

// publishEvent handles POST /events
func (a *API) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := a.decodeAndValidate(r, &req, false); err != nil {
		a.respondErr(w, r, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	e := event.Event{
		ID:           req.ID,
		OrgID:        orgFrom(r),
		Type:         req.Type,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Payload:      req.Data,
		OccurredAt:   req.OccurredAt,
	}
	if err := e.Validate(); err != nil {
		a.respondErr(w, r, &webhook.ValidationError{Field: "event", Message: err.Error()})
		return
	}

	result, err := a.Events.Publish(r.Context(), e)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	response := publishEventResponse{
		EventID:  e.ID,
		Created:  make([]string, 0, len(result.Created)),
		Existing: make([]string, 0, len(result.Existing)),
	}
	for _, d := range result.Created {
		response.Created = append(response.Created, d.ID)
	}
	for _, d := range result.Existing {
		response.Existing = append(response.Existing, d.ID)
	}
	respondJSON(w, http.StatusAccepted, response)
}

// getStats handles GET /webhooks/stats?timeframe=hour|day|week|month
func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = metrics.DefaultTimeframe
	}

	summary, err := a.Stats.Summary(r.Context(), orgFrom(r), timeframe)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
