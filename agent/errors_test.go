package agent

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindDefaults(t *testing.T) {
	tests := []struct {
		name        string
		err         *Error
		kind        ErrorKind
		recoverable bool
	}{
		{"network is recoverable", NewNetworkError("conn refused", nil), NetworkError, true},
		{"resource is recoverable", NewResourceError("pool exhausted", nil), ResourceError, true},
		{"validation is not recoverable", NewValidationError("bad input", nil), ValidationError, false},
		{"system is not recoverable", NewSystemError("panic", nil), SystemError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.Equal(t, tt.recoverable, tt.err.Recoverable())
		})
	}
}

func TestErrorRecoverableOverride(t *testing.T) {
	err := NewNetworkError("conn refused", nil).WithRecoverable(false)
	assert.False(t, err.Recoverable())

	err = NewValidationError("bad input", nil).WithRecoverable(true)
	assert.True(t, err.Recoverable())
}

func TestErrorRetryAfter(t *testing.T) {
	err := NewNetworkError("throttled", nil)
	_, ok := err.RetryAfter()
	assert.False(t, ok, "no hint unless one was set")

	err = err.WithRetryAfter(2 * time.Second)
	delay, ok := err.RetryAfter()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, delay)
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := NewNetworkError("conn refused", map[string]any{"host": "db-1"})

	assert.True(t, errors.Is(err, &Error{Kind: NetworkError}))
	assert.False(t, errors.Is(err, &Error{Kind: ValidationError}))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewNetworkError("conn refused", nil).WithCause(cause)

	assert.True(t, errors.Is(err, cause))

	wrapped := fmt.Errorf("leasing: %w", err)
	var agentErr *Error
	require.True(t, errors.As(wrapped, &agentErr))
	assert.Equal(t, NetworkError, agentErr.Kind)
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "network_error", NetworkError.String())
	assert.Equal(t, "validation_error", ValidationError.String())
	assert.Equal(t, "resource_error", ResourceError.String())
	assert.Equal(t, "system_error", SystemError.String())
}
