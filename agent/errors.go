package agent

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the runtime. Callers match them with errors.Is.
var (
	// ErrAgentNotFound is returned when a target agent is not registered.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentInErrorState is returned by AssignTask when the target agent
	// is in the error state and cannot accept work until it is recovered.
	ErrAgentInErrorState = errors.New("agent in error state")

	// ErrAgentCrashed is returned by a request/response exchange when the
	// target agent terminated while the caller was waiting.
	ErrAgentCrashed = errors.New("agent crashed")

	// ErrTimeout is returned when a blocking operation exceeds its timeout.
	ErrTimeout = errors.New("operation timed out")

	// ErrNoCapableAgent is returned by capability routing when no live
	// agent advertises the requested capability.
	ErrNoCapableAgent = errors.New("no capable agent")

	// ErrAgentStopped is returned when sending to an agent whose process
	// loop has exited.
	ErrAgentStopped = errors.New("agent stopped")

	// ErrMailboxFull is returned when an asynchronous delivery cannot be
	// enqueued without blocking the sender.
	ErrMailboxFull = errors.New("agent mailbox full")
)

// ErrorKind classifies runtime errors for retry and reporting decisions.
type ErrorKind int

const (
	// NetworkError covers failures reaching a downstream system.
	NetworkError ErrorKind = iota
	// ValidationError covers malformed input. Never recoverable: bad input
	// will not succeed on retry.
	ValidationError
	// ResourceError covers exhausted or unavailable resources.
	ResourceError
	// SystemError covers internal faults, including recovered panics.
	SystemError
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkError:
		return "network_error"
	case ValidationError:
		return "validation_error"
	case ResourceError:
		return "resource_error"
	case SystemError:
		return "system_error"
	default:
		return "unknown_error"
	}
}

// Error is the structured error type carried across agent boundaries.
// It records whether the failure is worth retrying and an optional
// server-suggested retry delay.
type Error struct {
	Kind        ErrorKind
	Message     string
	Details     map[string]any
	Retryable   bool
	RetryDelay  time.Duration // zero means no suggested delay
	hasDelay    bool
	cause       error
}

// NewNetworkError creates a recoverable network failure.
func NewNetworkError(message string, details map[string]any) *Error {
	return &Error{Kind: NetworkError, Message: message, Details: details, Retryable: true}
}

// NewValidationError creates a non-recoverable input failure.
func NewValidationError(message string, details map[string]any) *Error {
	return &Error{Kind: ValidationError, Message: message, Details: details}
}

// NewResourceError creates a recoverable resource failure.
func NewResourceError(message string, details map[string]any) *Error {
	return &Error{Kind: ResourceError, Message: message, Details: details, Retryable: true}
}

// NewSystemError creates an internal failure. System errors default to
// non-recoverable; use WithRecoverable to override for transient faults.
func NewSystemError(message string, details map[string]any) *Error {
	return &Error{Kind: SystemError, Message: message, Details: details}
}

// WithRecoverable overrides the default recoverability and returns the
// error for chaining.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Retryable = recoverable
	return e
}

// WithRetryAfter attaches a server-suggested retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryDelay = d
	e.hasDelay = true
	return e
}

// WithCause attaches an underlying error, visible via Unwrap.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches errors of the same kind, so callers can compare against a
// bare NewNetworkError("", nil) style target.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Recoverable reports whether retrying the failed operation may succeed.
func (e *Error) Recoverable() bool { return e.Retryable }

// RetryAfter returns the suggested retry delay and whether one was set.
func (e *Error) RetryAfter() (time.Duration, bool) { return e.RetryDelay, e.hasDelay }
