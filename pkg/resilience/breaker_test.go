package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream failure")

func failingOp(ctx context.Context) (any, error) { return nil, errDownstream }

func succeedingOp(ctx context.Context) (any, error) { return "ok", nil }

// trip drives a closed breaker open through consecutive failures.
func trip(t *testing.T, cb *CircuitBreaker, failures int) {
	t.Helper()
	for i := 0; i < failures; i++ {
		_, err := cb.Execute(context.Background(), failingOp)
		require.ErrorIs(t, err, errDownstream)
	}
	require.Equal(t, StateOpen, cb.State())
}

func TestBreakerTripsAtFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker("db", BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(context.Background(), failingOp)
		assert.Equal(t, StateClosed, cb.State())
	}

	_, _ = cb.Execute(context.Background(), failingOp)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("db", BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})

	_, _ = cb.Execute(context.Background(), failingOp)
	_, err := cb.Execute(context.Background(), succeedingOp)
	require.NoError(t, err)

	// The earlier failure no longer counts; one more is not enough to trip.
	_, _ = cb.Execute(context.Background(), failingOp)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerOpenFailsFast(t *testing.T) {
	cb := NewCircuitBreaker("db", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})
	trip(t, cb, 1)

	called := false
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
		called = true
		return nil, nil
	})

	assert.False(t, called, "open breaker must not invoke the operation")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, "db", openErr.Name)
	assert.Greater(t, openErr.Remaining, time.Duration(0))
	assert.LessOrEqual(t, openErr.Remaining, time.Minute)
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker("db", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Minute})
	trip(t, cb, 1)

	// Advance past the cooldown.
	cb.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err := cb.Execute(context.Background(), succeedingOp)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State(), "one probe success of two required")

	_, err = cb.Execute(context.Background(), succeedingOp)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("db", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Minute})
	trip(t, cb, 1)

	base := time.Now()
	cb.now = func() time.Time { return base.Add(2 * time.Minute) }

	_, err := cb.Execute(context.Background(), failingOp)
	require.ErrorIs(t, err, errDownstream)
	assert.Equal(t, StateOpen, cb.State(), "one probe failure reopens")

	// The cooldown restarts from the probe failure.
	_, err = cb.Execute(context.Background(), succeedingOp)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerComposesWithRetry(t *testing.T) {
	cb := NewCircuitBreaker("db", BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 20 * time.Millisecond})
	trip(t, cb, 1)

	// The open error carries the remaining cooldown as a retry hint, so
	// the retry executor waits out the breaker and the probe succeeds.
	calls := 0
	value, err := Retry(context.Background(), RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, func(ctx context.Context) (any, error) {
		calls++
		return cb.Execute(ctx, succeedingOp)
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, StateClosed, cb.State())
	assert.GreaterOrEqual(t, calls, 2)
}

func TestBreakerDefaultsApplied(t *testing.T) {
	cb := NewCircuitBreaker("db", BreakerConfig{})
	assert.Equal(t, DefaultBreakerConfig(), cb.config)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
}
