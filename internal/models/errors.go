package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCancellationRequested is returned when a run was stopped cooperatively.
// It is not an error state for steps that already completed.
var ErrCancellationRequested = errors.New("cancellation requested")

// TransientProviderError is a provider failure that may succeed on retry
// (rate limiting, 5xx, timeouts, connection resets).
type TransientProviderError struct {
	Provider   string
	StatusCode int           // HTTP-like status code, 0 if not applicable
	Message    string        // Provider error message
	RetryAfter time.Duration // Provider-supplied wait hint, 0 if none
	Err        error         // Underlying error (optional)
}

// Error implements the error interface.
func (e *TransientProviderError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("provider %s: transient error", e.Provider))
	if e.StatusCode != 0 {
		sb.WriteString(fmt.Sprintf(" (status %d)", e.StatusCode))
	}
	if e.Message != "" {
		sb.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *TransientProviderError) Unwrap() error {
	return e.Err
}

// FatalProviderError is a provider failure that retrying cannot fix
// (authentication, validation, unknown model).
type FatalProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *FatalProviderError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("provider %s: fatal error", e.Provider))
	if e.StatusCode != 0 {
		sb.WriteString(fmt.Sprintf(" (status %d)", e.StatusCode))
	}
	if e.Message != "" {
		sb.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error.
func (e *FatalProviderError) Unwrap() error {
	return e.Err
}

// ContextLimitExceededError reports that a prompt cannot fit in a model's
// context window even with no history at all.
type ContextLimitExceededError struct {
	Model                string
	MaxContextTokens     int
	ReservedOutputTokens int
	PromptTokens         int
	SafetyMargin         int
	Exact                bool // False when PromptTokens is an estimate
}

// Error implements the error interface.
func (e *ContextLimitExceededError) Error() string {
	kind := "estimated"
	if e.Exact {
		kind = "exact"
	}
	return fmt.Sprintf("context limit exceeded for model %s: prompt %d tokens (%s) + reserved output %d + margin %d > window %d",
		e.Model, e.PromptTokens, kind, e.ReservedOutputTokens, e.SafetyMargin, e.MaxContextTokens)
}

// PersistenceError wraps a progress store failure. It escalates to a
// run-level failure because progress can no longer be tracked durably.
type PersistenceError struct {
	Op  string
	Err error
}

// NewPersistenceError wraps err with the failing store operation.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ProviderUnavailableError is returned without calling the provider while
// its circuit breaker is open.
type ProviderUnavailableError struct {
	Provider  string
	OpenUntil time.Time
	LastCause error // Failure that opened the breaker, if known
}

// Error implements the error interface.
func (e *ProviderUnavailableError) Error() string {
	msg := fmt.Sprintf("provider %s unavailable: circuit open until %s", e.Provider, e.OpenUntil.Format(time.RFC3339))
	if e.LastCause != nil {
		msg += fmt.Sprintf(" (last cause: %v)", e.LastCause)
	}
	return msg
}

// Unwrap returns the failure that opened the breaker.
func (e *ProviderUnavailableError) Unwrap() error {
	return e.LastCause
}

// RequestFailedError is returned after retries are exhausted or a fatal
// classification stopped retrying. It carries the last underlying cause.
type RequestFailedError struct {
	Provider string
	Attempts int
	Fatal    bool
	Cause    error
}

// Error implements the error interface.
func (e *RequestFailedError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("request to %s failed after %d attempt(s), not retryable: %v", e.Provider, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("request to %s failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Cause)
}

// Unwrap returns the last underlying cause.
func (e *RequestFailedError) Unwrap() error {
	return e.Cause
}

// TaskFailure describes why a task stopped and at which step.
type TaskFailure struct {
	Task      Task
	StepIndex int
	Err       error
}

// Error implements the error interface.
func (e *TaskFailure) Error() string {
	return fmt.Sprintf("task %s: step %d: %s: %v", e.Task.Key(), e.StepIndex, ErrorKind(e.Err), e.Err)
}

// Unwrap returns the underlying error.
func (e *TaskFailure) Unwrap() error {
	return e.Err
}

// Error kinds persisted with failed step results
const (
	KindTransient           = "transient_provider_error"
	KindFatal               = "fatal_provider_error"
	KindContextLimit        = "context_limit_exceeded"
	KindPersistence         = "persistence_error"
	KindCancelled           = "cancellation_requested"
	KindProviderUnavailable = "provider_unavailable"
	KindTimeout             = "timeout"
	KindUnknown             = "unknown"
)

// ErrorKind maps an error to a stable classification string.
// The most specific cause in the chain wins.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	var ctxErr *ContextLimitExceededError
	var fatal *FatalProviderError
	var transient *TransientProviderError
	var unavailable *ProviderUnavailableError
	var persist *PersistenceError

	switch {
	case errors.As(err, &ctxErr):
		return KindContextLimit
	case errors.As(err, &persist):
		return KindPersistence
	case errors.As(err, &fatal):
		return KindFatal
	case errors.As(err, &unavailable):
		return KindProviderUnavailable
	case errors.As(err, &transient):
		return KindTransient
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrCancellationRequested), errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// IsPersistenceError checks if the error is or wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	if err == nil {
		return false
	}
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsContextLimitExceeded checks if the error is or wraps a ContextLimitExceededError.
func IsContextLimitExceeded(err error) bool {
	if err == nil {
		return false
	}
	var ce *ContextLimitExceededError
	return errors.As(err, &ce)
}
