package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is wrapped by the error returned while a breaker rejects
// calls; match it with errors.Is.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	// StateClosed lets calls through, counting consecutive failures.
	StateClosed BreakerState = iota
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets probe calls through; one failure reopens.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned while the breaker is open. It carries the remaining
// cooldown as a suggested retry delay, so the retry executor sleeps exactly
// until the breaker is willing to probe again.
type OpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open (retry in %s)", e.Name, e.Remaining)
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// Recoverable reports true: the call may succeed once the breaker closes.
func (e *OpenError) Recoverable() bool { return true }

// RetryAfter returns the remaining cooldown.
func (e *OpenError) RetryAfter() (time.Duration, bool) { return e.Remaining, true }

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips a
	// closed breaker open.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker.
	SuccessThreshold int

	// Timeout is the open-state cooldown before a probe is allowed.
	Timeout time.Duration
}

// DefaultBreakerConfig mirrors the defaults used for LLM provider calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker guards one downstream dependency. The zero value is not
// usable; construct with NewCircuitBreaker.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	now func() time.Time // overridable for tests
}

// NewCircuitBreaker creates a closed breaker with the given name.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultBreakerConfig().Timeout
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs op through the breaker. While open it fails fast with an
// *OpenError, unless the cooldown has elapsed, in which case the breaker
// moves to half_open and attempts the call as a probe.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) (any, error) {
	if err := cb.beforeCall(); err != nil {
		return nil, err
	}

	value, err := op(ctx)
	cb.afterCall(err)
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}

	elapsed := cb.now().Sub(cb.lastFailureTime)
	if elapsed >= cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.successCount = 0
		return nil
	}
	return &OpenError{Name: cb.name, Remaining: cb.config.Timeout - elapsed}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.lastFailureTime = cb.now()
		}
	case StateHalfOpen:
		// No tolerance in the probe state: one failure reopens.
		cb.state = StateOpen
		cb.successCount = 0
		cb.lastFailureTime = cb.now()
	}
}
