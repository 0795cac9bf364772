package rubberduck

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pcharbon70/rubberduck/agent"
	"github.com/pcharbon70/rubberduck/internal/comms"
	"github.com/pcharbon70/rubberduck/internal/registry"
	"github.com/pcharbon70/rubberduck/internal/supervisor"
	"github.com/pcharbon70/rubberduck/pkg/ratelimit"
)

// Runtime wires the registry, supervisor, and messaging layer into one
// facade. Construct it, register behavior factories, then Start it with
// the boot config.
type Runtime struct {
	config *Config

	reg   *registry.Registry
	sup   *supervisor.Supervisor
	comms *comms.Comms
	cron  *cron.Cron
}

// NewRuntime builds a runtime from the given config. A nil config gets
// all defaults.
func NewRuntime(config *Config) *Runtime {
	if config == nil {
		config = &Config{}
	}

	reg := registry.New()

	var supOpts []supervisor.Option
	if config.Supervisor.MaxRestarts > 0 {
		window := config.Supervisor.restartWindow()
		if window <= 0 {
			window = 5 * time.Second
		}
		supOpts = append(supOpts, supervisor.WithRestartPolicy(config.Supervisor.MaxRestarts, window))
	}
	if config.Supervisor.MailboxSize > 0 {
		supOpts = append(supOpts, supervisor.WithMailboxSize(config.Supervisor.MailboxSize))
	}

	var commsOpts []comms.Option
	if config.Messaging.RateLimit > 0 {
		burst := config.Messaging.Burst
		if burst <= 0 {
			burst = int(config.Messaging.RateLimit * 2)
		}
		commsOpts = append(commsOpts, comms.WithRateLimiter(ratelimit.NewLimiter(config.Messaging.RateLimit, burst)))
	}

	return &Runtime{
		config: config,
		reg:    reg,
		sup:    supervisor.New(reg, supOpts...),
		comms:  comms.New(reg, commsOpts...),
		cron:   cron.New(),
	}
}

// RegisterBehavior registers the factory backing one agent type. Must be
// called before Start for any type the config declares.
func (rt *Runtime) RegisterBehavior(agentType string, factory agent.BehaviorFactory) {
	rt.sup.RegisterBehavior(agentType, factory)
}

// Start boots every agent the config declares and schedules the health
// sweep. An agent that fails to initialize aborts the boot; agents started
// before the failure are stopped before the error is returned.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.start(ctx); err != nil {
		if stopErr := rt.Shutdown(ctx); stopErr != nil {
			log.Printf("[runtime] teardown after aborted boot: %v", stopErr)
		}
		return err
	}
	return nil
}

func (rt *Runtime) start(ctx context.Context) error {
	for _, def := range rt.config.Agents {
		count := def.Count
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			var opts []supervisor.StartOption
			if def.Name != "" {
				name := def.Name
				if count > 1 {
					name = fmt.Sprintf("%s-%d", def.Name, i+1)
				}
				opts = append(opts, supervisor.WithName(name))
			}

			proc, err := rt.sup.StartAgent(def.Type, agent.Config(def.Config), opts...)
			if err != nil {
				return fmt.Errorf("failed to start agent (type: %s): %w", def.Type, err)
			}
			for _, eventType := range def.Subscriptions {
				rt.comms.Subscribe(eventType, proc.ID())
			}
		}
	}

	if rt.config.HealthSweep != "" {
		if _, err := rt.cron.AddFunc(rt.config.HealthSweep, rt.logHealth); err != nil {
			return fmt.Errorf("health_sweep schedule: %w", err)
		}
		rt.cron.Start()
	}

	log.Printf("[runtime] started %d agents", rt.reg.Count())
	return nil
}

func (rt *Runtime) logHealth() {
	health := rt.sup.HealthCheck()
	messaging := rt.comms.MetricsSnapshot()
	log.Printf("[runtime] health: agents=%d by_type=%v restart_intensity=%d messages=%d timeouts=%d",
		health.TotalAgents, health.AgentsByType, health.RestartIntensity,
		messaging.MessagesSent, messaging.Timeouts)
}

// Failed surfaces supervisor escalation: the channel receives an error
// when the restart budget is exhausted.
func (rt *Runtime) Failed() <-chan error { return rt.sup.Failed() }

// StartAgent starts one agent of a registered type outside the boot
// config.
func (rt *Runtime) StartAgent(agentType string, cfg agent.Config, opts ...supervisor.StartOption) (*agent.Process, error) {
	return rt.sup.StartAgent(agentType, cfg, opts...)
}

// StopAgent terminates one agent by id.
func (rt *Runtime) StopAgent(id string) error { return rt.sup.StopAgent(id) }

// AssignTask queues a task on an agent and waits for its result.
func (rt *Runtime) AssignTask(ctx context.Context, agentID string, task agent.Task, timeout time.Duration) (any, error) {
	entry, ok := rt.reg.Lookup(agentID)
	if !ok {
		return nil, fmt.Errorf("assign to %s: %w", agentID, agent.ErrAgentNotFound)
	}
	return entry.Handle.AssignTask(ctx, task, timeout)
}

// AgentStatus returns an agent's full status snapshot.
func (rt *Runtime) AgentStatus(agentID string) (agent.StatusSnapshot, error) {
	entry, ok := rt.reg.Lookup(agentID)
	if !ok {
		return agent.StatusSnapshot{}, fmt.Errorf("status of %s: %w", agentID, agent.ErrAgentNotFound)
	}
	return entry.Handle.GetStatus(), nil
}

// UpdateAgentConfig applies a new config to a running agent.
func (rt *Runtime) UpdateAgentConfig(agentID string, cfg agent.Config) error {
	entry, ok := rt.reg.Lookup(agentID)
	if !ok {
		return fmt.Errorf("update config of %s: %w", agentID, agent.ErrAgentNotFound)
	}
	return entry.Handle.UpdateConfig(cfg)
}

// ListAgents returns metadata for every live agent.
func (rt *Runtime) ListAgents() []registry.Entry { return rt.sup.ListAgents() }

// FindByCapability returns agents advertising a capability, in id order.
func (rt *Runtime) FindByCapability(capability string) []registry.Entry {
	return rt.reg.ListByCapability(capability)
}

// Health reports the supervisor's population snapshot.
func (rt *Runtime) Health() supervisor.Health { return rt.sup.HealthCheck() }

// Err returns the supervisor escalation error, or nil while healthy.
func (rt *Runtime) Err() error { return rt.sup.Err() }

// Messaging exposes the comms layer for direct use by callers and
// behaviors.
func (rt *Runtime) Messaging() *comms.Comms { return rt.comms }

// SendMessage delivers a payload to one agent.
func (rt *Runtime) SendMessage(targetID string, payload any, sender string) error {
	return rt.comms.SendMessage(targetID, payload, sender)
}

// BroadcastToType fans a payload out to every agent of a type.
func (rt *Runtime) BroadcastToType(agentType string, payload any, sender string) (int, error) {
	return rt.comms.BroadcastToType(agentType, payload, sender)
}

// Request sends a correlated request and waits for the response.
func (rt *Runtime) Request(ctx context.Context, targetID string, payload any, timeout time.Duration) (agent.Envelope, error) {
	return rt.comms.Request(ctx, targetID, payload, timeout)
}

// RouteToCapableAgent delivers a payload to one agent with the capability.
func (rt *Runtime) RouteToCapableAgent(capability string, payload any, sender string) (string, error) {
	return rt.comms.RouteToCapableAgent(capability, payload, sender)
}

// PublishEvent fans an event out to its subscribers.
func (rt *Runtime) PublishEvent(eventType string, payload any, sender string) (int, error) {
	return rt.comms.PublishEvent(eventType, payload, sender)
}

// Shutdown stops the health sweep and every agent, waiting up to the
// context deadline.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	cronCtx := rt.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	return rt.sup.Shutdown(ctx)
}
