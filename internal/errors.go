package conduit

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway domain. The server package maps each to a
// wire status and error type; the orchestrator treats ErrProvider as
// fallback-eligible.
var (
	ErrMissingCredentials  = errors.New("missing credentials")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrExpiredCredentials  = errors.New("credentials expired")
	ErrAccessDenied        = errors.New("access denied")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrValidation          = errors.New("validation failed")
	ErrProvider            = errors.New("provider error")
	ErrNoHealthyDeployment = errors.New("no healthy deployment")
)

// RequestError wraps a sentinel with a caller-facing message and optional
// structured details that are serialized into the wire error object
// (e.g. retry_after, guardrail violations, routing reason).
type RequestError struct {
	Err     error
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

// Unwrap exposes the sentinel for errors.Is checks.
func (e *RequestError) Unwrap() error { return e.Err }

// NewRequestError builds a RequestError over a sentinel.
func NewRequestError(sentinel error, format string, args ...any) *RequestError {
	return &RequestError{Err: sentinel, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one detail key and returns the error for chaining.
func (e *RequestError) WithDetail(key string, value any) *RequestError {
	if e.Details == nil {
		e.Details = make(map[string]any, 2)
	}
	e.Details[key] = value
	return e
}

// ErrorDetails returns the structured details attached to err, if any.
func ErrorDetails(err error) map[string]any {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Details
	}
	return nil
}
