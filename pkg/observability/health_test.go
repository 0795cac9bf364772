package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]*HealthCheck)}
}

func TestCheckAllHealthy(t *testing.T) {
	hc := newChecker()
	hc.RegisterCheck(PingCheck())

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, resp.Status)
	require.Contains(t, resp.Checks, "ping")
	assert.Equal(t, "OK", resp.Checks["ping"].Message)
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	hc := newChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "optional-dep",
		CheckFunc: func(ctx context.Context) error { return errors.New("unreachable") },
		Timeout:   time.Second,
		Critical:  false,
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, resp.Status)
	assert.Equal(t, HealthStatusDegraded, resp.Checks["optional-dep"].Status)
}

func TestCriticalFailureIsUnhealthy(t *testing.T) {
	hc := newChecker()
	hc.RegisterCheck(PingCheck())
	hc.RegisterCheck(&HealthCheck{
		Name:      "core-dep",
		CheckFunc: func(ctx context.Context) error { return errors.New("down") },
		Timeout:   time.Second,
		Critical:  true,
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
}

func TestCheckTimeout(t *testing.T) {
	hc := newChecker()
	hc.RegisterCheck(&HealthCheck{
		Name: "slow",
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Timeout:  20 * time.Millisecond,
		Critical: true,
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["slow"].Message, "context deadline exceeded")
}

func TestSupervisorCheck(t *testing.T) {
	var escalation error
	check := SupervisorCheck(func() error { return escalation })
	assert.True(t, check.Critical)

	hc := newChecker()
	hc.RegisterCheck(check)

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, resp.Status)

	escalation = errors.New("restart limit exceeded")
	resp = hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
}

func TestRegisterCheckDefaultsTimeout(t *testing.T) {
	hc := newChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "no-timeout",
		CheckFunc: func(ctx context.Context) error { return nil },
	})

	hc.mu.RLock()
	defer hc.mu.RUnlock()
	assert.Equal(t, 5*time.Second, hc.checks["no-timeout"].Timeout)
}
