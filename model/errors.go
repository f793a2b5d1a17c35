package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrValidationError = "VALIDATION_ERROR"
	ErrConflict        = "CONFLICT"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Record control error codes. SequenceUnavailable and ConcurrentModification
// are retryable by the caller with fresh state; the rest are not.
const (
	ErrSequenceUnavailable       = "SEQUENCE_UNAVAILABLE"
	ErrMalformedIdentifier       = "MALFORMED_IDENTIFIER"
	ErrEntityNotFound            = "ENTITY_NOT_FOUND"
	ErrInvalidWorkflowTransition = "INVALID_WORKFLOW_TRANSITION"
	ErrConcurrentModification    = "CONCURRENT_MODIFICATION"
)

// ErrorEnvelope is the standard error returned by every core operation and
// rendered by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying infrastructure error, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// Retryable reports whether the caller may retry the operation after
// re-reading current state.
func (e *ErrorEnvelope) Retryable() bool {
	return e.Code == ErrSequenceUnavailable || e.Code == ErrConcurrentModification
}

// FieldError describes a field-level validation error or a structured detail.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewSequenceUnavailableError returns a SEQUENCE_UNAVAILABLE error wrapping
// the storage failure that prevented the counter from being committed.
func NewSequenceUnavailableError(prefix string, year int, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSequenceUnavailable,
		Message: fmt.Sprintf("sequence %s/%d is unavailable", prefix, year),
		cause:   cause,
	}
}

// NewMalformedIdentifierError returns a MALFORMED_IDENTIFIER error.
func NewMalformedIdentifierError(identifier, reason string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrMalformedIdentifier,
		Message: fmt.Sprintf("identifier %q is malformed: %s", identifier, reason),
	}
}

// NewEntityNotFoundError returns an ENTITY_NOT_FOUND error.
func NewEntityNotFoundError(kind, id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEntityNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, id),
	}
}

// NewInvalidTransitionError returns an INVALID_WORKFLOW_TRANSITION error
// naming the state the subject was in and the action that was refused.
func NewInvalidTransitionError(currentState, attemptedAction string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidWorkflowTransition,
		Message: fmt.Sprintf("cannot %s from state %s", attemptedAction, currentState),
		Details: []FieldError{
			{Field: "current_state", Code: ErrInvalidWorkflowTransition, Message: currentState},
			{Field: "attempted_action", Code: ErrInvalidWorkflowTransition, Message: attemptedAction},
		},
	}
}

// NewConcurrentModificationError returns a CONCURRENT_MODIFICATION error.
func NewConcurrentModificationError(msg string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConcurrentModification,
		Message: msg,
		cause:   cause,
	}
}

// IsCode reports whether err is, or wraps, an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsRetryable reports whether err is a retryable ErrorEnvelope.
func IsRetryable(err error) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Retryable()
	}
	return false
}
