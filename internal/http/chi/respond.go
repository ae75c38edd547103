package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/metrics"
	"github.com/marcelsud/webhook-redrive/redrive"
	"github.com/marcelsud/webhook-redrive/webhook"
)

const (
	codeInvalidInput  = "INVALID_INPUT"
	codeNotFound      = "NOT_FOUND"
	codeInternalError = "INTERNAL_ERROR"
)

// errorResponse is the body of every non-2xx response
type errorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// listResponse wraps one page of a listing
type listResponse struct {
	Data    any `json:"data"`
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	respondJSON(w, status, errorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
		Details: details,
	})
}

func badRequest(w http.ResponseWriter, message string) {
	respondError(w, http.StatusBadRequest, codeInvalidInput, message, nil)
}

/* respondErr maps domain errors onto HTTP statuses
 * Anything unknown is an internal error and its message is not leaked
 */
func (a *API) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *webhook.ValidationError
	var fieldErrs validator.ValidationErrors

	switch {
	case errors.As(err, &validationErr):
		respondError(w, http.StatusBadRequest, codeInvalidInput, validationErr.Error(),
			map[string]string{validationErr.Field: validationErr.Message})
	case errors.As(err, &fieldErrs):
		details := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			details[fe.Field()] = formatValidationError(fe)
		}
		respondError(w, http.StatusBadRequest, codeInvalidInput, "validation failed", details)
	case errors.Is(err, webhook.ErrNotFound),
		errors.Is(err, delivery.ErrNotFound),
		errors.Is(err, redrive.ErrNotFound):
		respondError(w, http.StatusNotFound, codeNotFound, err.Error(), nil)
	case errors.Is(err, redrive.ErrNoTargets),
		errors.Is(err, redrive.ErrTooManyTargets),
		errors.Is(err, metrics.ErrInvalidTimeframe):
		badRequest(w, err.Error())
	default:
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, codeInternalError, "internal server error", nil)
	}
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "url":
		return "must be a valid URL"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "is invalid"
	}
}

// decodeAndValidate decodes a JSON body into v and validates its tags
// An empty body is accepted when allowEmpty is set
func (a *API) decodeAndValidate(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return &webhook.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}
		}
	}
	return a.validate.Struct(v)
}

func pageParams(r *http.Request) (delivery.Page, error) {
	page, err := intParam(r, "page", 1)
	if err != nil {
		return delivery.Page{}, err
	}
	perPage, err := intParam(r, "per_page", delivery.DefaultPerPage)
	if err != nil {
		return delivery.Page{}, err
	}
	if page < 1 {
		return delivery.Page{}, &webhook.ValidationError{Field: "page", Message: "must be at least 1"}
	}
	if perPage < 1 || perPage > delivery.MaxPerPage {
		return delivery.Page{}, &webhook.ValidationError{
			Field:   "per_page",
			Message: fmt.Sprintf("must be between 1 and %d", delivery.MaxPerPage),
		}
	}
	return delivery.NewPage(page, perPage), nil
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &webhook.ValidationError{Field: name, Message: "must be an integer"}
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &webhook.ValidationError{Field: name, Message: "must be an RFC 3339 timestamp"}
	}
	return t.UTC(), nil
}

// timePtr renders zero times as null
func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
