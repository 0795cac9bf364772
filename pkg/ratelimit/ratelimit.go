// Package ratelimit bounds how fast any one sender can fan messages out
// across the runtime, protecting agent mailboxes from a hot loop in a
// single misbehaving caller.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter combines a global rate limit with per-sender limits.
type Limiter struct {
	globalLimiter  *rate.Limiter
	senderLimiters map[string]*rate.Limiter
	mu             sync.RWMutex

	eventsPerSecond float64
	burst           int
}

// NewLimiter creates a limiter allowing eventsPerSecond sustained with the
// given burst, both globally and per sender.
func NewLimiter(eventsPerSecond float64, burst int) *Limiter {
	return &Limiter{
		globalLimiter:   rate.NewLimiter(rate.Limit(eventsPerSecond), burst),
		senderLimiters:  make(map[string]*rate.Limiter),
		eventsPerSecond: eventsPerSecond,
		burst:           burst,
	}
}

// Allow reports whether the sender may proceed right now.
func (l *Limiter) Allow(sender string) bool {
	if !l.globalLimiter.Allow() {
		return false
	}
	return l.senderLimiter(sender).Allow()
}

// Wait blocks until the sender may proceed or the context is canceled.
func (l *Limiter) Wait(ctx context.Context, sender string) error {
	if err := l.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if err := l.senderLimiter(sender).Wait(ctx); err != nil {
		return fmt.Errorf("sender rate limit: %w", err)
	}
	return nil
}

func (l *Limiter) senderLimiter(sender string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.senderLimiters[sender]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok = l.senderLimiters[sender]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(l.eventsPerSecond), l.burst)
	l.senderLimiters[sender] = limiter
	return limiter
}
