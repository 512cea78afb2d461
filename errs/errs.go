// Package errs provides structured error types and helpers for orderflow services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category within the dispatch pipeline.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is shutting down or temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeExecution indicates an execution strategy failure.
	CodeExecution Code = "execution_failed"
	// CodeExhausted indicates an order used every allowed execution attempt.
	CodeExhausted Code = "attempts_exhausted"
	// CodeStorage indicates an order record store failure.
	CodeStorage Code = "storage"
	// CodeInternal indicates an invariant violation or programming error.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the orderflow stack.
type E struct {
	Component string
	Code      Code
	Message   string
	OrderID   string
	Attempt   int

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithOrderID records the order the failure relates to.
func WithOrderID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.OrderID = trimmed
	}
}

// WithAttempt records the execution attempt number the failure occurred on.
func WithAttempt(attempt int) Option {
	return func(e *E) {
		e.Attempt = attempt
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.OrderID != "" {
		parts = append(parts, "order_id="+e.OrderID)
	}
	if e.Attempt > 0 {
		parts = append(parts, "attempt="+strconv.Itoa(e.Attempt))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the structured code from err, or CodeInternal when absent.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var typed *E
	if errors.As(err, &typed) && typed != nil {
		return typed.Code
	}
	return CodeInternal
}
