// Package transport contains the HTTP router, middleware chain, and request
// handlers for the record control API.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/pitabwire/labqms/internal/observability"
	"github.com/pitabwire/labqms/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:                http.StatusBadRequest,
	model.ErrUnauthorized:              http.StatusUnauthorized,
	model.ErrForbidden:                 http.StatusForbidden,
	model.ErrValidationError:           http.StatusUnprocessableEntity,
	model.ErrConflict:                  http.StatusConflict,
	model.ErrInternalError:             http.StatusInternalServerError,
	model.ErrSequenceUnavailable:       http.StatusServiceUnavailable,
	model.ErrMalformedIdentifier:       http.StatusBadRequest,
	model.ErrEntityNotFound:            http.StatusNotFound,
	model.ErrInvalidWorkflowTransition: http.StatusUnprocessableEntity,
	model.ErrConcurrentModification:    http.StatusConflict,
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes err as a JSON ErrorEnvelope with the matching HTTP
// status. Errors that are not envelopes are logged and rendered as a generic
// 500 so infrastructure detail never reaches the client. Retryable errors
// carry a Retry-After hint.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		slog.Error("unhandled error",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"correlation_id", CorrelationIDFrom(r.Context()),
		)
		ee = model.NewInternalError()
	}

	out := *ee
	out.TraceID = observability.TraceIDFromContext(r.Context())
	if out.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	WriteJSON(w, StatusFor(out.Code), errorResponse{Error: &out})
}

// decodeJSON decodes the request body into dst, rejecting unknown fields.
// An empty body leaves dst unchanged.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// requireVerdict returns the caller's approval decision. A missing decision
// is a VALIDATION_ERROR rather than a rejection.
func requireVerdict(approved *bool) (bool, error) {
	if approved == nil {
		return false, model.NewValidationError([]model.FieldError{
			{Field: "approved", Code: "REQUIRED", Message: "approved must be true or false"},
		})
	}
	return *approved, nil
}
