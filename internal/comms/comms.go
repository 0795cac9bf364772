// Package comms is the messaging layer between agents: direct delivery,
// type-scoped broadcast, correlated request/response, capability routing,
// and pub/sub events, all resolved through the registry.
package comms

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pcharbon70/rubberduck/agent"
	"github.com/pcharbon70/rubberduck/internal/registry"
	"github.com/pcharbon70/rubberduck/pkg/observability"
	"github.com/pcharbon70/rubberduck/pkg/ratelimit"
)

// DefaultRequestTimeout bounds Request calls that pass no timeout of their
// own.
const DefaultRequestTimeout = 5 * time.Second

// Metrics is a point-in-time snapshot of messaging activity.
type Metrics struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BroadcastsSent   uint64
	EventsPublished  uint64
	RequestsSent     uint64
	Responses        uint64
	Timeouts         uint64
	Errors           uint64
	AverageLatency   time.Duration
}

// Comms routes messages between registered agents. All lookups go through
// the registry at call time, so agents that restart or deregister are
// picked up immediately.
type Comms struct {
	reg     *registry.Registry
	limiter *ratelimit.Limiter

	mu         sync.Mutex
	pending    map[string]chan agent.Envelope
	rrCounters map[string]int

	messagesSent     uint64
	messagesReceived uint64
	broadcastsSent   uint64
	eventsPublished  uint64
	requestsSent     uint64
	responses        uint64
	timeouts         uint64
	errs             uint64
	totalLatency     time.Duration
	latencySamples   uint64
}

// Option configures a Comms layer.
type Option func(*Comms)

// WithRateLimiter throttles broadcast and event fan-out per sender.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(c *Comms) { c.limiter = l }
}

// New creates a comms layer over the given registry.
func New(reg *registry.Registry, opts ...Option) *Comms {
	c := &Comms{
		reg:        reg,
		pending:    make(map[string]chan agent.Envelope),
		rrCounters: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage delivers a payload to one agent by id. The payload is
// wrapped in an envelope and classified by shape unless it already is an
// envelope.
func (c *Comms) SendMessage(targetID string, payload any, sender string) error {
	entry, ok := c.reg.Lookup(targetID)
	if !ok {
		c.countError()
		return fmt.Errorf("send to %s: %w", targetID, agent.ErrAgentNotFound)
	}

	env := agent.Wrap(sender, payload)
	if err := entry.Handle.SendMessage(env, sender); err != nil {
		c.countError()
		return fmt.Errorf("send to %s: %w", targetID, err)
	}

	c.mu.Lock()
	c.messagesSent++
	c.messagesReceived++
	c.mu.Unlock()
	observability.RecordMessage(string(env.Kind))
	return nil
}

// BroadcastToType delivers a payload to every agent of the given type
// except the sender. Individual delivery failures are counted but do not
// stop the fan-out. Zero matching agents is not an error: the delivered
// count is 0.
func (c *Comms) BroadcastToType(agentType string, payload any, sender string) (int, error) {
	if c.limiter != nil && !c.limiter.Allow(sender) {
		c.countError()
		return 0, fmt.Errorf("broadcast by %s: rate limited", sender)
	}

	entries := c.reg.ListByType(agentType)
	delivered := 0
	for _, entry := range entries {
		if entry.ID == sender {
			continue
		}
		env := agent.NewEnvelope(agent.KindBroadcast, sender, payload)
		if err := entry.Handle.SendMessage(env, sender); err != nil {
			log.Printf("[comms] broadcast to %s failed: %v", entry.ID, err)
			c.countError()
			continue
		}
		delivered++
	}

	c.mu.Lock()
	c.broadcastsSent++
	c.messagesReceived += uint64(delivered)
	c.mu.Unlock()
	observability.RecordBroadcast(agentType)
	return delivered, nil
}

// Request sends a correlated request to one agent and waits for the
// matching response. The target's behavior answers by calling Respond with
// the request's correlation ref. Crashing targets fail the request
// immediately rather than letting it run out the timeout.
func (c *Comms) Request(ctx context.Context, targetID string, payload any, timeout time.Duration) (agent.Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	entry, ok := c.reg.Lookup(targetID)
	if !ok {
		c.countError()
		return agent.Envelope{}, fmt.Errorf("request to %s: %w", targetID, agent.ErrAgentNotFound)
	}

	ctx, span := observability.StartSpan(ctx, "comms.request", map[string]any{
		"target": targetID,
	})
	defer span.End()

	corrRef := uuid.New().String()
	replyCh := make(chan agent.Envelope, 1)

	c.mu.Lock()
	c.pending[corrRef] = replyCh
	c.requestsSent++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, corrRef)
		c.mu.Unlock()
	}()

	env := agent.NewEnvelope(agent.KindRequest, requestSender(ctx), payload)
	env.CorrelationRef = corrRef
	start := time.Now()

	if err := entry.Handle.SendMessage(env, env.Sender); err != nil {
		c.countError()
		observability.RecordRequest("error", time.Since(start))
		return agent.Envelope{}, fmt.Errorf("request to %s: %w", targetID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		elapsed := time.Since(start)
		c.mu.Lock()
		c.responses++
		c.messagesReceived++
		c.totalLatency += elapsed
		c.latencySamples++
		c.mu.Unlock()
		observability.RecordRequest("ok", elapsed)
		return reply, nil
	case <-entry.Handle.Done():
		c.countError()
		observability.RecordRequest("crashed", time.Since(start))
		return agent.Envelope{}, fmt.Errorf("request to %s: %w", targetID, agent.ErrAgentCrashed)
	case <-timer.C:
		c.mu.Lock()
		c.timeouts++
		c.mu.Unlock()
		observability.RecordRequest("timeout", time.Since(start))
		return agent.Envelope{}, fmt.Errorf("request to %s after %s: %w", targetID, timeout, agent.ErrTimeout)
	case <-ctx.Done():
		c.countError()
		observability.RecordRequest("canceled", time.Since(start))
		return agent.Envelope{}, ctx.Err()
	}
}

// Respond completes a pending request by correlation ref. Behaviors call
// this from HandleMessage when they have computed the answer. Responding
// to an unknown or already-completed correlation ref is an error.
func (c *Comms) Respond(correlationRef string, payload any, sender string) error {
	c.mu.Lock()
	replyCh, ok := c.pending[correlationRef]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("respond: no pending request for correlation %s", correlationRef)
	}

	env := agent.NewEnvelope(agent.KindResponse, sender, payload)
	env.CorrelationRef = correlationRef

	select {
	case replyCh <- env:
		return nil
	default:
		return fmt.Errorf("respond: request %s already completed", correlationRef)
	}
}

// RouteToCapableAgent delivers a payload to one agent advertising the
// capability, rotating round-robin through candidates in id order so load
// spreads across equally capable agents. Returns the chosen agent's id.
func (c *Comms) RouteToCapableAgent(capability string, payload any, sender string) (string, error) {
	entries := c.reg.ListByCapability(capability)
	if len(entries) == 0 {
		c.countError()
		return "", fmt.Errorf("route %q: %w", capability, agent.ErrNoCapableAgent)
	}

	c.mu.Lock()
	idx := c.rrCounters[capability] % len(entries)
	c.rrCounters[capability]++
	c.mu.Unlock()

	entry := entries[idx]
	env := agent.Wrap(sender, payload)
	if err := entry.Handle.SendMessage(env, sender); err != nil {
		c.countError()
		return "", fmt.Errorf("route %q to %s: %w", capability, entry.ID, err)
	}

	c.mu.Lock()
	c.messagesSent++
	c.messagesReceived++
	c.mu.Unlock()
	observability.RecordMessage(string(env.Kind))
	return entry.ID, nil
}

// Subscribe registers an agent for events of the given type.
func (c *Comms) Subscribe(eventType, subscriberID string) {
	c.reg.Subscribe(eventType, subscriberID)
}

// Unsubscribe removes an agent's subscription for an event type.
func (c *Comms) Unsubscribe(eventType, subscriberID string) {
	c.reg.Unsubscribe(eventType, subscriberID)
}

// PublishEvent fans an event out to every subscriber of its type except
// the publisher. Subscribers that have deregistered since subscribing are
// skipped. Returns the number of subscribers reached.
func (c *Comms) PublishEvent(eventType string, payload any, sender string) (int, error) {
	if c.limiter != nil && !c.limiter.Allow(sender) {
		c.countError()
		return 0, fmt.Errorf("publish %q by %s: rate limited", eventType, sender)
	}

	delivered := 0
	for _, subscriberID := range c.reg.Subscribers(eventType) {
		if subscriberID == sender {
			continue
		}
		entry, ok := c.reg.Lookup(subscriberID)
		if !ok {
			continue
		}
		env := agent.NewEnvelope(agent.KindEvent, sender, map[string]any{
			"event_type": eventType,
			"data":       payload,
		})
		if err := entry.Handle.SendMessage(env, sender); err != nil {
			log.Printf("[comms] event %q to %s failed: %v", eventType, subscriberID, err)
			c.countError()
			continue
		}
		delivered++
	}

	c.mu.Lock()
	c.eventsPublished++
	c.messagesReceived += uint64(delivered)
	c.mu.Unlock()
	observability.RecordEventPublished(eventType)
	return delivered, nil
}

// MetricsSnapshot returns accumulated messaging counters.
func (c *Comms) MetricsSnapshot() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := Metrics{
		MessagesSent:     c.messagesSent,
		MessagesReceived: c.messagesReceived,
		BroadcastsSent:   c.broadcastsSent,
		EventsPublished:  c.eventsPublished,
		RequestsSent:     c.requestsSent,
		Responses:        c.responses,
		Timeouts:         c.timeouts,
		Errors:           c.errs,
	}
	if c.latencySamples > 0 {
		m.AverageLatency = c.totalLatency / time.Duration(c.latencySamples)
	}
	return m
}

func (c *Comms) countError() {
	c.mu.Lock()
	c.errs++
	c.mu.Unlock()
}

// requestSender extracts the caller identity from context when one was
// attached, falling back to a generic client name.
func requestSender(ctx context.Context) string {
	if sender, ok := SenderFromContext(ctx); ok {
		return sender
	}
	return "client"
}

type senderKey struct{}

// WithSender attaches a caller identity to the context; Request stamps it
// on outgoing envelopes so responders know who asked.
func WithSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, senderKey{}, sender)
}

// SenderFromContext returns the caller identity attached by WithSender.
func SenderFromContext(ctx context.Context) (string, bool) {
	sender, ok := ctx.Value(senderKey{}).(string)
	return sender, ok
}
