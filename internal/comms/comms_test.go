package comms

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcharbon70/rubberduck/agent"
	"github.com/pcharbon70/rubberduck/internal/registry"
	"github.com/pcharbon70/rubberduck/pkg/ratelimit"
)

// startAgent registers a running process directly, bypassing the
// supervisor: comms only cares about registry entries.
func startAgent(t *testing.T, reg *registry.Registry, id, agentType string, behavior agent.Behavior, caps ...string) *agent.Process {
	t.Helper()
	proc, err := agent.NewProcess(id, agentType, behavior, nil)
	require.NoError(t, err)
	proc.Start(context.Background())
	t.Cleanup(func() {
		select {
		case <-proc.Done():
		default:
			proc.Stop(agent.ReasonShutdown)
		}
	})
	require.NoError(t, reg.Register(registry.Entry{
		ID:           id,
		Handle:       proc,
		Type:         agentType,
		Capabilities: caps,
		StartedAt:    time.Now(),
	}))
	return proc
}

// recorder collects every envelope an agent receives.
type recorder struct {
	mu   sync.Mutex
	envs []agent.Envelope
}

func (r *recorder) behavior() *agent.MockBehavior {
	return &agent.MockBehavior{
		MessageFn: func(env agent.Envelope, from string, state any) (any, error) {
			r.mu.Lock()
			r.envs = append(r.envs, env)
			r.mu.Unlock()
			return state, nil
		},
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *recorder) all() []agent.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Envelope(nil), r.envs...)
}

func TestSendMessageDirect(t *testing.T) {
	reg := registry.New()
	c := New(reg)
	rec := &recorder{}
	startAgent(t, reg, "a1", "worker", rec.behavior())

	require.NoError(t, c.SendMessage("a1", map[string]any{"text": "hi"}, "a0"))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	env := rec.all()[0]
	assert.Equal(t, agent.KindDirect, env.Kind)
	assert.Equal(t, "a0", env.Sender)
}

func TestSendMessageUnknownAgent(t *testing.T) {
	c := New(registry.New())
	err := c.SendMessage("ghost", "hi", "a0")
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
	assert.Equal(t, uint64(1), c.MetricsSnapshot().Errors)
}

func TestBroadcastToTypeExcludesSender(t *testing.T) {
	reg := registry.New()
	c := New(reg)
	recs := map[string]*recorder{}
	for _, id := range []string{"w1", "w2", "w3"} {
		rec := &recorder{}
		recs[id] = rec
		startAgent(t, reg, id, "worker", rec.behavior())
	}

	delivered, err := c.BroadcastToType("worker", map[string]any{"cmd": "flush"}, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	require.Eventually(t, func() bool {
		return recs["w2"].count() == 1 && recs["w3"].count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, recs["w1"].count(), "sender must not receive its own broadcast")
	assert.Equal(t, agent.KindBroadcast, recs["w2"].all()[0].Kind)
}

func TestBroadcastToTypeCountsFailedDeliveries(t *testing.T) {
	reg := registry.New()
	c := New(reg)
	rec := &recorder{}
	startAgent(t, reg, "alive", "worker", rec.behavior())
	stopped := startAgent(t, reg, "stopped", "worker", &agent.MockBehavior{})

	// Stop the process but leave its registry entry behind, as happens
	// between a crash and the supervisor's restart.
	stopped.Stop(agent.ReasonShutdown)

	delivered, err := c.BroadcastToType("worker", map[string]any{"cmd": "flush"}, "client")
	require.NoError(t, err, "a failed recipient must not abort the fan-out")
	assert.Equal(t, 1, delivered, "delivered count excludes the failed recipient")

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	m := c.MetricsSnapshot()
	assert.Equal(t, uint64(1), m.Errors)
	assert.Equal(t, uint64(1), m.BroadcastsSent)
	assert.Equal(t, uint64(1), m.MessagesReceived)
}

func TestBroadcastToTypeNoAgents(t *testing.T) {
	c := New(registry.New())
	delivered, err := c.BroadcastToType("worker", "hello", "w0")
	require.NoError(t, err, "empty fan-out is not an error")
	assert.Equal(t, 0, delivered)
}

// responderBehavior answers every request envelope through comms.
func responderBehavior(c *Comms, id string) *agent.MockBehavior {
	return &agent.MockBehavior{
		MessageFn: func(env agent.Envelope, from string, state any) (any, error) {
			if env.Kind == agent.KindRequest {
				return state, c.Respond(env.CorrelationRef, map[string]any{
					"response_to": env.CorrelationRef,
					"echo":        env.Payload,
				}, id)
			}
			return state, nil
		},
	}
}

func TestRequestResponse(t *testing.T) {
	reg := registry.New()
	c := New(reg)
	startAgent(t, reg, "r1", "responder", responderBehavior(c, "r1"))

	reply, err := c.Request(context.Background(), "r1", "what time is it", time.Second)
	require.NoError(t, err)
	assert.Equal(t, agent.KindResponse, reply.Kind)
	assert.Equal(t, "r1", reply.Sender)
	payload := reply.Payload.(map[string]any)
	assert.Equal(t, "what time is it", payload["echo"])

	m := c.MetricsSnapshot()
	assert.Equal(t, uint64(1), m.RequestsSent)
	assert.Equal(t, uint64(1), m.Responses)
	assert.Greater(t, m.AverageLatency, time.Duration(0))
}

func TestConcurrentRequestsCorrelateCorrectly(t *testing.T) {
	reg := registry.New()
	c := New(reg)
	startAgent(t, reg, "r1", "responder", responderBehavior(c, "r1"))

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			question := fmt.Sprintf("question-%d", i)
			reply, err := c.Request(context.Background(), "r1", question, 5*time.Second)
			if assert.NoError(t, err) {
				payload := reply.Payload.(map[string]any)
				assert.Equal(t, question, payload["echo"], "response paired with wrong request")
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(n), c.MetricsSnapshot().Responses)
}

func TestRequestTimeout(t *testing.T) {
	reg := registry.New()
	c := New(reg)
	startAgent(t, reg, "mute", "responder", &agent.MockBehavior{})

	_, err := c.Request(context.Background(), "mute", "anyone there", 50*time.Millisecond)
	assert.ErrorIs(t, err, agent.ErrTimeout)
	assert.Equal(t, uint64(1), c.MetricsSnapshot().Timeouts)
}

func TestRequestFailsFastWhenTargetCrashes(t *testing.T) {
	reg := registry.New()
	c := New(reg)
	proc := startAgent(t, reg, "doomed", "responder", &agent.MockBehavior{})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "doomed", "hello", 10*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	proc.Stop("crash")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, agent.ErrAgentCrashed)
	case <-time.After(time.Second):
		t.Fatal("request did not fail fast on target crash")
	}
}

func TestRespondWithoutPendingRequest(t *testing.T) {
	c := New(registry.New())
	err := c.Respond("no-such-correlation", "late answer", "r1")
	assert.ErrorContains(t, err, "no pending request")
}

func TestRouteToCapableAgentRoundRobin(t *testing.T) {
	reg := registry.New()
	c := New(reg)
	for _, id := range []string{"c2", "c1", "c3"} {
		startAgent(t, reg, id, "worker", &agent.MockBehavior{Caps: []string{"compute"}}, "compute")
	}

	var chosen []string
	for i := 0; i < 6; i++ {
		id, err := c.RouteToCapableAgent("compute", map[string]any{"op": "sum"}, "caller")
		require.NoError(t, err)
		chosen = append(chosen, id)
	}

	// Candidates rotate in id order.
	assert.Equal(t, []string{"c1", "c2", "c3", "c1", "c2", "c3"}, chosen)
}

func TestRouteNoCapableAgent(t *testing.T) {
	c := New(registry.New())
	_, err := c.RouteToCapableAgent("levitate", nil, "caller")
	assert.ErrorIs(t, err, agent.ErrNoCapableAgent)
}

func TestPubSub(t *testing.T) {
	reg := registry.New()
	c := New(reg)
	sub1, sub2 := &recorder{}, &recorder{}
	startAgent(t, reg, "s1", "listener", sub1.behavior())
	startAgent(t, reg, "s2", "listener", sub2.behavior())

	c.Subscribe("task.done", "s1")
	c.Subscribe("task.done", "s2")
	c.Subscribe("task.done", "publisher") // publisher never hears itself

	delivered, err := c.PublishEvent("task.done", map[string]any{"task_id": "t1"}, "publisher")
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	require.Eventually(t, func() bool {
		return sub1.count() == 1 && sub2.count() == 1
	}, time.Second, 5*time.Millisecond)

	env := sub1.all()[0]
	assert.Equal(t, agent.KindEvent, env.Kind)
	payload := env.Payload.(map[string]any)
	assert.Equal(t, "task.done", payload["event_type"])

	c.Unsubscribe("task.done", "s2")
	delivered, err = c.PublishEvent("task.done", map[string]any{"task_id": "t2"}, "publisher")
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestPublishSkipsDeregisteredSubscribers(t *testing.T) {
	reg := registry.New()
	c := New(reg)
	rec := &recorder{}
	startAgent(t, reg, "s1", "listener", rec.behavior())

	c.Subscribe("alerts", "s1")
	c.Subscribe("alerts", "gone")

	delivered, err := c.PublishEvent("alerts", "fire", "publisher")
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestRateLimitedFanOut(t *testing.T) {
	reg := registry.New()
	c := New(reg, WithRateLimiter(ratelimit.NewLimiter(1, 1)))
	startAgent(t, reg, "w1", "worker", &agent.MockBehavior{})

	_, err := c.BroadcastToType("worker", "first", "sender")
	require.NoError(t, err)

	_, err = c.BroadcastToType("worker", "second", "sender")
	assert.ErrorContains(t, err, "rate limited")
}
