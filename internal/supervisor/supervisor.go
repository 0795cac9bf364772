// Package supervisor owns the population of live agents. It creates and
// registers agent processes, restarts crashed ones under a bounded
// one-for-one policy, and escalates when the restart budget is exhausted.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pcharbon70/rubberduck/agent"
	"github.com/pcharbon70/rubberduck/internal/registry"
	"github.com/pcharbon70/rubberduck/pkg/observability"
)

// ErrRestartLimitExceeded is returned once the supervisor has escalated.
// The supervisor itself must be restarted by its parent at that point.
var ErrRestartLimitExceeded = errors.New("restart limit exceeded")

const (
	defaultMaxRestarts   = 3
	defaultRestartWindow = 5 * time.Second
)

// Health is the supervisor's population-level introspection snapshot.
type Health struct {
	TotalAgents      int
	AgentsByType     map[string]int
	RestartIntensity int
	Failed           bool
}

type child struct {
	id        string
	agentType string
	config    agent.Config
	proc      *agent.Process
}

// Supervisor manages agent processes one-for-one: a crash restarts only
// the crashed agent, never its siblings.
type Supervisor struct {
	reg *registry.Registry

	mu           sync.Mutex
	children     map[string]*child
	factories    map[string]agent.BehaviorFactory
	restartTimes []time.Time
	failedErr    error

	maxRestarts   int
	restartWindow time.Duration
	mailboxSize   int

	ctx      context.Context
	cancel   context.CancelFunc
	failedCh chan error
	wg       sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRestartPolicy bounds restarts to maxRestarts within window. The
// default is 3 restarts within 5 seconds.
func WithRestartPolicy(maxRestarts int, window time.Duration) Option {
	return func(s *Supervisor) {
		s.maxRestarts = maxRestarts
		s.restartWindow = window
	}
}

// WithMailboxSize sets the mailbox capacity of every agent this supervisor
// creates.
func WithMailboxSize(n int) Option {
	return func(s *Supervisor) { s.mailboxSize = n }
}

// New creates a supervisor publishing into the given registry.
func New(reg *registry.Registry, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		reg:           reg,
		children:      make(map[string]*child),
		factories:     make(map[string]agent.BehaviorFactory),
		maxRestarts:   defaultMaxRestarts,
		restartWindow: defaultRestartWindow,
		ctx:           ctx,
		cancel:        cancel,
		failedCh:      make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterBehavior registers the factory that builds behaviors for one
// agent type. Restarts call the factory again, so every incarnation starts
// from fresh state.
func (s *Supervisor) RegisterBehavior(agentType string, factory agent.BehaviorFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[agentType] = factory
}

// StartOption configures one StartAgent call.
type StartOption func(*startOptions)

type startOptions struct {
	name string
}

// WithName overrides the generated agent id.
func WithName(name string) StartOption {
	return func(o *startOptions) { o.name = name }
}

// StartAgent creates, starts, and registers a new agent of the given type.
// An Init failure aborts the whole operation: nothing is registered and
// the error is returned. Failed creations are not retried.
func (s *Supervisor) StartAgent(agentType string, cfg agent.Config, opts ...StartOption) (*agent.Process, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	if s.failedErr != nil {
		err := s.failedErr
		s.mu.Unlock()
		return nil, err
	}
	factory, ok := s.factories[agentType]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}

	id := o.name
	if id == "" {
		id = generateID(agentType)
	}

	proc, err := s.spawn(id, agentType, factory, cfg)
	if err != nil {
		log.Printf("[supervisor] failed to start agent %s: %v", id, err)
		return nil, err
	}

	c := &child{id: id, agentType: agentType, config: cfg, proc: proc}
	s.mu.Lock()
	s.children[id] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watch(c)

	observability.SetActiveAgents(s.reg.Count())
	log.Printf("[supervisor] started agent %s (type: %s)", id, agentType)
	return proc, nil
}

// spawn builds a process from a fresh behavior and registers it under both
// the identity entry and the capability indexes.
func (s *Supervisor) spawn(id, agentType string, factory agent.BehaviorFactory, cfg agent.Config) (*agent.Process, error) {
	behavior, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create behavior for %s: %w", id, err)
	}

	procOpts := []agent.Option{agent.WithStatusPublisher(s.reg)}
	if s.mailboxSize > 0 {
		procOpts = append(procOpts, agent.WithMailboxSize(s.mailboxSize))
	}

	proc, err := agent.NewProcess(id, agentType, behavior, cfg, procOpts...)
	if err != nil {
		return nil, err
	}
	proc.Start(s.ctx)

	entry := registry.Entry{
		ID:           id,
		Handle:       proc,
		Type:         agentType,
		Capabilities: proc.GetCapabilities(),
		Config:       cfg,
		Status:       proc.Status(),
		StartedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	if err := s.reg.Register(entry); err != nil {
		proc.Stop(agent.ReasonShutdown)
		return nil, err
	}
	return proc, nil
}

// watch monitors one child until its process exits, restarting it on
// abnormal exit while the restart budget allows.
func (s *Supervisor) watch(c *child) {
	defer s.wg.Done()

	for {
		<-c.proc.Done()
		reason := c.proc.ExitReason()

		if err := s.reg.Deregister(c.id); err != nil && !errors.Is(err, agent.ErrAgentNotFound) {
			log.Printf("[supervisor] deregister %s: %v", c.id, err)
		}

		if reason == agent.ReasonNormal || reason == agent.ReasonShutdown {
			s.removeChild(c.id)
			observability.SetActiveAgents(s.reg.Count())
			return
		}

		if !s.allowRestart() {
			s.escalate(c, reason)
			return
		}

		log.Printf("[supervisor] restarting agent %s after exit: %s", c.id, reason)
		observability.RecordRestart(c.agentType)

		s.mu.Lock()
		factory := s.factories[c.agentType]
		s.mu.Unlock()

		proc, err := s.spawn(c.id, c.agentType, factory, c.config)
		if err != nil {
			// A failing Init during restart counts against the same budget
			// as the crash that triggered it.
			log.Printf("[supervisor] restart of %s failed: %v", c.id, err)
			if !s.allowRestart() {
				s.escalate(c, fmt.Sprintf("restart failed: %v", err))
				return
			}
			continue
		}
		s.mu.Lock()
		c.proc = proc
		s.mu.Unlock()
	}
}

// allowRestart records a restart attempt against the sliding window and
// reports whether it fits the budget.
func (s *Supervisor) allowRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failedErr != nil {
		return false
	}

	now := time.Now()
	cutoff := now.Add(-s.restartWindow)
	kept := s.restartTimes[:0]
	for _, t := range s.restartTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restartTimes = kept

	if len(s.restartTimes) >= s.maxRestarts {
		return false
	}
	s.restartTimes = append(s.restartTimes, now)
	return true
}

// escalate marks the supervisor failed and tears down the remaining
// children. Restart-budget exhaustion is fatal to this supervisor; its own
// parent is expected to restart it.
func (s *Supervisor) escalate(c *child, reason string) {
	err := fmt.Errorf("agent %s (%s): %w", c.id, reason, ErrRestartLimitExceeded)

	s.mu.Lock()
	if s.failedErr != nil {
		s.mu.Unlock()
		return
	}
	s.failedErr = err
	delete(s.children, c.id)
	remaining := make([]*agent.Process, 0, len(s.children))
	for _, other := range s.children {
		remaining = append(remaining, other.proc)
	}
	s.mu.Unlock()

	log.Printf("[supervisor] escalating: %v", err)
	s.failedCh <- err

	for _, proc := range remaining {
		proc.Stop(agent.ReasonShutdown)
	}
}

// StopAgent terminates an agent by id and waits for it to exit.
func (s *Supervisor) StopAgent(id string) error {
	s.mu.Lock()
	c, ok := s.children[id]
	var proc *agent.Process
	if ok {
		proc = c.proc
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop agent %s: %w", id, agent.ErrAgentNotFound)
	}

	proc.Stop(agent.ReasonShutdown)
	return nil
}

// ListAgents returns display metadata for every child. Children missing
// from the registry are reported with placeholder metadata rather than
// omitted, so unexplained state stays visible.
func (s *Supervisor) ListAgents() []registry.Entry {
	type snapshot struct {
		id, agentType string
		proc          *agent.Process
	}

	s.mu.Lock()
	children := make([]snapshot, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, snapshot{id: c.id, agentType: c.agentType, proc: c.proc})
	}
	s.mu.Unlock()

	entries := make([]registry.Entry, 0, len(children))
	for _, c := range children {
		if entry, ok := s.reg.Lookup(c.id); ok {
			entries = append(entries, entry)
			continue
		}
		entries = append(entries, registry.Entry{
			ID:     c.id,
			Handle: c.proc,
			Type:   c.agentType,
			Status: c.proc.Status(),
		})
	}
	return entries
}

// AgentCounts returns the number of children per agent type.
func (s *Supervisor) AgentCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, c := range s.children {
		counts[c.agentType]++
	}
	return counts
}

// HealthCheck reports population totals and current restart intensity.
func (s *Supervisor) HealthCheck() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	byType := make(map[string]int)
	for _, c := range s.children {
		byType[c.agentType]++
	}

	cutoff := time.Now().Add(-s.restartWindow)
	intensity := 0
	for _, t := range s.restartTimes {
		if t.After(cutoff) {
			intensity++
		}
	}

	return Health{
		TotalAgents:      len(s.children),
		AgentsByType:     byType,
		RestartIntensity: intensity,
		Failed:           s.failedErr != nil,
	}
}

// Failed returns a channel that receives the escalation error when the
// restart budget is exhausted.
func (s *Supervisor) Failed() <-chan error { return s.failedCh }

// Err returns the escalation error, or nil while the supervisor is
// healthy.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedErr
}

// Shutdown stops all children in parallel and waits for their watchers to
// finish.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	procs := make([]*agent.Process, 0, len(s.children))
	for _, c := range s.children {
		procs = append(procs, c.proc)
	}
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, proc := range procs {
		g.Go(func() error {
			proc.Stop(agent.ReasonShutdown)
			return nil
		})
	}
	err := g.Wait()

	s.cancel()
	s.wg.Wait()
	return err
}

func (s *Supervisor) removeChild(id string) {
	s.mu.Lock()
	delete(s.children, id)
	s.mu.Unlock()
}

// generateID builds collision-resistant ids without central sequencing:
// type, millisecond timestamp, then a short random suffix.
func generateID(agentType string) string {
	return fmt.Sprintf("%s_%d_%s", agentType, time.Now().UnixMilli(), uuid.NewString()[:8])
}
