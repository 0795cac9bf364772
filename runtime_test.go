package rubberduck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcharbon70/rubberduck/agent"
	"github.com/pcharbon70/rubberduck/internal/supervisor"
)

func echoRuntime(t *testing.T, config *Config) *Runtime {
	t.Helper()
	rt := NewRuntime(config)
	rt.RegisterBehavior("echo", func(cfg agent.Config) (agent.Behavior, error) {
		return &agent.EchoBehavior{}, nil
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func TestRuntimeBootsConfiguredAgents(t *testing.T) {
	rt := echoRuntime(t, &Config{
		Agents: []AgentDef{
			{Name: "worker", Type: "echo", Count: 2},
			{Name: "solo", Type: "echo"},
		},
	})
	require.NoError(t, rt.Start(context.Background()))

	entries := rt.ListAgents()
	require.Len(t, entries, 3)

	ids := map[string]bool{}
	for _, e := range entries {
		ids[e.ID] = true
	}
	assert.True(t, ids["worker-1"])
	assert.True(t, ids["worker-2"])
	assert.True(t, ids["solo"])

	health := rt.Health()
	assert.Equal(t, 3, health.TotalAgents)
	assert.Equal(t, map[string]int{"echo": 3}, health.AgentsByType)
}

func TestRuntimeUnknownTypeAbortsBoot(t *testing.T) {
	rt := echoRuntime(t, &Config{
		Agents: []AgentDef{{Type: "teleporter"}},
	})
	err := rt.Start(context.Background())
	assert.ErrorContains(t, err, "failed to start agent")
}

func TestRuntimeAbortedBootStopsStartedAgents(t *testing.T) {
	rt := echoRuntime(t, &Config{
		Agents: []AgentDef{
			{Name: "early", Type: "echo"},
			{Type: "teleporter"},
		},
	})
	err := rt.Start(context.Background())
	require.ErrorContains(t, err, "failed to start agent")

	assert.Equal(t, 0, rt.reg.Count(), "agents started before the failure must be torn down")
	assert.Equal(t, 0, rt.Health().TotalAgents)
}

func TestRuntimeTaskRoundTrip(t *testing.T) {
	rt := echoRuntime(t, &Config{
		Agents: []AgentDef{{Name: "solo", Type: "echo"}},
	})
	require.NoError(t, rt.Start(context.Background()))

	result, err := rt.AssignTask(context.Background(), "solo", agent.NewTask("echo", "hello"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", result)

	snap, err := rt.AgentStatus("solo")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Metrics.TasksCompleted)

	_, err = rt.AssignTask(context.Background(), "ghost", agent.NewTask("echo", "x"), time.Second)
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
}

func TestRuntimeCapabilityLookupAndRouting(t *testing.T) {
	rt := echoRuntime(t, &Config{
		Agents: []AgentDef{{Name: "worker", Type: "echo", Count: 2}},
	})
	require.NoError(t, rt.Start(context.Background()))

	capable := rt.FindByCapability("echo")
	assert.Len(t, capable, 2)

	id, err := rt.RouteToCapableAgent("echo", map[string]any{"text": "hi"}, "caller")
	require.NoError(t, err)
	assert.Contains(t, []string{"worker-1", "worker-2"}, id)

	_, err = rt.RouteToCapableAgent("levitate", nil, "caller")
	assert.ErrorIs(t, err, agent.ErrNoCapableAgent)
}

func TestRuntimeBootSubscriptions(t *testing.T) {
	rt := echoRuntime(t, &Config{
		Agents: []AgentDef{
			{Name: "listener", Type: "echo", Subscriptions: []string{"task.done"}},
		},
	})
	require.NoError(t, rt.Start(context.Background()))

	delivered, err := rt.PublishEvent("task.done", map[string]any{"id": 1}, "external")
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestRuntimeStartStopAgentLifecycle(t *testing.T) {
	rt := echoRuntime(t, &Config{})
	require.NoError(t, rt.Start(context.Background()))

	proc, err := rt.StartAgent("echo", nil, supervisor.WithName("late"))
	require.NoError(t, err)
	assert.Equal(t, "late", proc.ID())
	assert.Equal(t, 1, rt.Health().TotalAgents)

	require.NoError(t, rt.StopAgent("late"))
	<-proc.Done()
	require.Eventually(t, func() bool {
		return rt.Health().TotalAgents == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRuntimeUpdateAgentConfig(t *testing.T) {
	rt := echoRuntime(t, &Config{
		Agents: []AgentDef{{Name: "solo", Type: "echo", Config: map[string]any{"mode": "a"}}},
	})
	require.NoError(t, rt.Start(context.Background()))

	// EchoBehavior has no config updater, so the update just swaps the
	// stored config.
	require.NoError(t, rt.UpdateAgentConfig("solo", agent.Config{"mode": "b"}))

	entry, err := rt.AgentStatus("solo")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, entry.Status)

	assert.ErrorIs(t, rt.UpdateAgentConfig("ghost", nil), agent.ErrAgentNotFound)
}

func TestRuntimeShutdownStopsEverything(t *testing.T) {
	rt := echoRuntime(t, &Config{
		Agents:      []AgentDef{{Name: "worker", Type: "echo", Count: 3}},
		HealthSweep: "@every 1h",
	})
	require.NoError(t, rt.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))

	assert.Equal(t, 0, rt.Health().TotalAgents)
}
