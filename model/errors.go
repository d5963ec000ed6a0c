package model

import (
	"errors"
	"fmt"
	"time"
)

// Error codes of the JSON error body.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
	ErrInvalidInstance    = "INVALID_INSTANCE"
	ErrCancelNotAllowed   = "CANCEL_NOT_ALLOWED"
)

// fixedMessages are used by codes whose message never varies.
var fixedMessages = map[string]string{
	ErrValidationError:    "One or more fields are invalid",
	ErrInternalError:      "An unexpected error occurred",
	ErrBackendUnavailable: "Maestro is temporarily unavailable",
	ErrBackendTimeout:     "Maestro did not respond in time",
	ErrRateLimited:        "Maestro rate limit reached, try again shortly",
}

// ErrorEnvelope is the error every layer of the monitor returns and the body
// of every error response. It may wrap the failure that caused it.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`

	// RetryAfter carries the vendor's back-off hint.
	RetryAfter time.Duration `json:"-"`

	cause error
}

func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return e.Code + ": " + e.Message
}

func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// WithCause returns a copy of e wrapping cause. The cause never reaches
// the response body.
func (e *ErrorEnvelope) WithCause(cause error) *ErrorEnvelope {
	c := *e
	c.cause = cause
	return &c
}

// Temporary reports whether the same call may succeed if retried later.
func (e *ErrorEnvelope) Temporary() bool {
	switch e.Code {
	case ErrRateLimited, ErrBackendUnavailable, ErrBackendTimeout:
		return true
	}
	return false
}

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope returns the ErrorEnvelope wrapped in err, if any.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err wraps an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

func envelope(code, msg string) *ErrorEnvelope {
	if msg == "" {
		msg = fixedMessages[code]
	}
	return &ErrorEnvelope{Code: code, Message: msg}
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return envelope(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return envelope(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return envelope(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return envelope(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope     { return envelope(ErrConflict, msg) }

// NewInvalidInstanceError rejects a selection that lacks the identifiers
// detail resolution needs.
func NewInvalidInstanceError(msg string) *ErrorEnvelope { return envelope(ErrInvalidInstance, msg) }

// NewCancelNotAllowedError rejects a cancel of an instance that is not
// faulted.
func NewCancelNotAllowedError(msg string) *ErrorEnvelope { return envelope(ErrCancelNotAllowed, msg) }

func NewValidationError(details []FieldError) *ErrorEnvelope {
	e := envelope(ErrValidationError, "")
	e.Details = details
	return e
}

func NewInternalError() *ErrorEnvelope           { return envelope(ErrInternalError, "") }
func NewBackendUnavailableError() *ErrorEnvelope { return envelope(ErrBackendUnavailable, "") }
func NewBackendTimeoutError() *ErrorEnvelope     { return envelope(ErrBackendTimeout, "") }
func NewRateLimitedError() *ErrorEnvelope        { return envelope(ErrRateLimited, "") }
