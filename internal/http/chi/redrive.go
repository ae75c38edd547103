package chi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marcelsud/webhook-redrive/redrive"
)

// redriveRequest is the body of POST /webhook-deliveries/redrive
type redriveRequest struct {
	DeliveryIDs []string `json:"delivery_ids" validate:"required,min=1,max=1000,dive,required"`
	Reason      string   `json:"reason" validate:"max=500"`
	NewLineage  bool     `json:"new_lineage"`
}

// retryRequest is the optional body of POST /webhook-deliveries/{id}/retry
type retryRequest struct {
	NewLineage bool `json:"new_lineage"`
}

type redriveAcceptedResponse struct {
	JobID               string     `json:"job_id"`
	Status              string     `json:"status"`
	TotalRequested      int        `json:"total_requested"`
	Total               int        `json:"total"`
	RejectedIDs         []string   `json:"rejected_ids"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion"`
}

type targetResponse struct {
	DeliveryID string    `json:"delivery_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// jobResponse is the pollable state of a redrive job
type jobResponse struct {
	ID                  string           `json:"id"`
	Status              string           `json:"status"`
	Reason              string           `json:"reason"`
	NewLineage          bool             `json:"new_lineage"`
	TotalRequested      int              `json:"total_requested"`
	Total               int              `json:"total"`
	Processed           int              `json:"processed"`
	Successful          int              `json:"successful"`
	Failed              int              `json:"failed"`
	Skipped             int              `json:"skipped"`
	Cancelled           int              `json:"cancelled"`
	ProgressPercentage  float64          `json:"progress_percentage"`
	RejectedIDs         []string         `json:"rejected_ids"`
	ErrorMessage        string           `json:"error_message,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	StartedAt           *time.Time       `json:"started_at"`
	CompletedAt         *time.Time       `json:"completed_at"`
	CancelledAt         *time.Time       `json:"cancelled_at"`
	EstimatedCompletion *time.Time       `json:"estimated_completion"`
	Targets             []targetResponse `json:"targets,omitempty"`
}

func (a *API) newJobResponse(job redrive.Job, targets []redrive.Target) jobResponse {
	rejected := job.RejectedIDs
	if rejected == nil {
		rejected = []string{}
	}
	response := jobResponse{
		ID:                  job.ID,
		Status:              job.Status.String(),
		Reason:              job.Reason,
		NewLineage:          job.NewLineage,
		TotalRequested:      job.TotalRequested,
		Total:               job.Total,
		Processed:           job.Processed,
		Successful:          job.Successful,
		Failed:              job.Failed,
		Skipped:             job.Skipped,
		Cancelled:           job.Cancelled,
		ProgressPercentage:  job.Progress(),
		RejectedIDs:         rejected,
		ErrorMessage:        job.ErrorMessage,
		CreatedAt:           job.CreatedAt,
		StartedAt:           timePtr(job.StartedAt),
		CompletedAt:         timePtr(job.CompletedAt),
		CancelledAt:         timePtr(job.CancelledAt),
		EstimatedCompletion: timePtr(a.Redrive.EstimatedCompletion(job)),
	}
	for _, target := range targets {
		response.Targets = append(response.Targets, targetResponse{
			DeliveryID: target.DeliveryID,
			ParentID:   target.ParentID,
			State:      target.State.String(),
			Error:      target.Error,
			UpdatedAt:  target.UpdatedAt,
		})
	}
	return response
}

// createRedriveJob handles POST /webhook-deliveries/redrive
// The job runs in the background, callers poll GET /webhook-deliveries/redrive-jobs/{id}
func (a *API) createRedriveJob(w http.ResponseWriter, r *http.Request) {
	var req redriveRequest
	if err := a.decodeAndValidate(r, &req, false); err != nil {
		a.respondErr(w, r, err)
		return
	}

	job, err := a.Redrive.CreateJob(r.Context(), redrive.Request{
		OrgID:       orgFrom(r),
		DeliveryIDs: req.DeliveryIDs,
		Reason:      req.Reason,
		NewLineage:  req.NewLineage,
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	rejected := job.RejectedIDs
	if rejected == nil {
		rejected = []string{}
	}
	respondJSON(w, http.StatusAccepted, redriveAcceptedResponse{
		JobID:               job.ID,
		Status:              job.Status.String(),
		TotalRequested:      job.TotalRequested,
		Total:               job.Total,
		RejectedIDs:         rejected,
		ErrorMessage:        job.ErrorMessage,
		EstimatedCompletion: timePtr(a.Redrive.EstimatedCompletion(job)),
	})
}

// getRedriveJob handles GET /webhook-deliveries/redrive-jobs/{id}
func (a *API) getRedriveJob(w http.ResponseWriter, r *http.Request) {
	orgID, id := orgFrom(r), chi.URLParam(r, "id")

	job, err := a.Redrive.Get(r.Context(), orgID, id)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	targets, err := a.Redrive.Targets(r.Context(), orgID, id)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, a.newJobResponse(job, targets))
}

// cancelRedriveJob handles POST /webhook-deliveries/redrive-jobs/{id}/cancel
func (a *API) cancelRedriveJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Redrive.Cancel(r.Context(), orgFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a.newJobResponse(job, nil))
}

// retryDelivery handles POST /webhook-deliveries/{id}/retry
// The retry runs synchronously and the response carries the resulting delivery
// A retry outlasting the request answers 202 with the job still running
func (a *API) retryDelivery(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := a.decodeAndValidate(r, &req, true); err != nil {
		a.respondErr(w, r, err)
		return
	}

	orgID := orgFrom(r)
	job, err := a.Redrive.Retry(r.Context(), orgID, chi.URLParam(r, "id"), req.NewLineage)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	// The request deadline may have passed while the retry ran
	r = r.WithContext(context.WithoutCancel(r.Context()))

	targets, err := a.Redrive.Targets(r.Context(), orgID, job.ID)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	response := map[string]any{"job": a.newJobResponse(job, targets)}
	if len(targets) > 0 {
		d, err := a.ownedDelivery(r, targets[0].DeliveryID)
		if err != nil {
			a.respondErr(w, r, err)
			return
		}
		response["delivery"] = newDeliveryResponse(d)
	}

	status := http.StatusOK
	if !job.Status.IsFinal() {
		status = http.StatusAccepted
	}
	respondJSON(w, status, response)
}
