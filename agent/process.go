package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pcharbon70/rubberduck/pkg/observability"
)

const defaultMailboxSize = 100

// Reasons treated as a normal exit by supervision.
const (
	ReasonNormal   = "normal"
	ReasonShutdown = "shutdown"
)

// Process is the execution unit for one agent. A single goroutine (the
// process loop) owns the behavior state and serializes all task execution
// and message handling, so behaviors never need locks.
type Process struct {
	id        string
	agentType string
	behavior  Behavior
	startedAt time.Time

	mu           sync.RWMutex
	config       Config
	state        any
	status       Status
	currentTask  *Task
	metrics      Metrics
	lastActivity time.Time
	exitReason   string

	taskCh chan taskRequest
	msgCh  chan inbound
	ctrlCh chan ctrlRequest
	done   chan struct{}

	publisher StatusPublisher

	startOnce sync.Once
}

type taskRequest struct {
	task     Task
	resultCh chan taskResult
}

type taskResult struct {
	result any
	err    error
}

type inbound struct {
	env  Envelope
	from string
}

type ctrlKind int

const (
	ctrlStop ctrlKind = iota
	ctrlUpdateConfig
)

type ctrlRequest struct {
	kind   ctrlKind
	reason string
	config Config
	reply  chan error
}

// Option configures a Process at creation.
type Option func(*Process)

// WithMailboxSize sets the task and message queue capacity.
func WithMailboxSize(n int) Option {
	return func(p *Process) {
		if n > 0 {
			p.taskCh = make(chan taskRequest, n)
			p.msgCh = make(chan inbound, n)
		}
	}
}

// WithStatusPublisher wires a publisher that is notified on every status
// transition.
func WithStatusPublisher(pub StatusPublisher) Option {
	return func(p *Process) { p.publisher = pub }
}

// NewProcess creates a process and runs the behavior's Init hook. An Init
// failure aborts creation: no process is returned and nothing needs to be
// torn down.
func NewProcess(id, agentType string, behavior Behavior, cfg Config, opts ...Option) (*Process, error) {
	state, err := behavior.Init(cfg)
	if err != nil {
		return nil, fmt.Errorf("init agent %s: %w", id, err)
	}

	now := time.Now()
	p := &Process{
		id:           id,
		agentType:    agentType,
		behavior:     behavior,
		startedAt:    now,
		config:       cfg,
		state:        state,
		status:       StatusIdle,
		lastActivity: now,
		taskCh:       make(chan taskRequest, defaultMailboxSize),
		msgCh:        make(chan inbound, defaultMailboxSize),
		ctrlCh:       make(chan ctrlRequest),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ID returns the agent's unique identifier.
func (p *Process) ID() string { return p.id }

// Type returns the agent type tag.
func (p *Process) Type() string { return p.agentType }

// Done is closed when the process loop exits. Monitors select on it to
// observe termination.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitReason returns the reason recorded when the loop exited, or "" while
// the process is alive.
func (p *Process) ExitReason() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitReason
}

// Status returns the current runtime status.
func (p *Process) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Start launches the process loop. Subsequent calls are no-ops.
func (p *Process) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.run(ctx)
	})
}

// AssignTask submits a task and blocks until its result arrives or the
// timeout elapses. While the agent is busy the task queues in FIFO order; a
// caller timing out does not interrupt the task, which keeps running inside
// the agent.
func (p *Process) AssignTask(ctx context.Context, task Task, timeout time.Duration) (any, error) {
	if p.Status() == StatusError {
		return nil, fmt.Errorf("agent %s: %w", p.id, ErrAgentInErrorState)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	resultCh := make(chan taskResult, 1)
	select {
	case p.taskCh <- taskRequest{task: task, resultCh: resultCh}:
	case <-timer.C:
		return nil, fmt.Errorf("enqueue task %s on agent %s: %w", task.ID, p.id, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, fmt.Errorf("agent %s: %w", p.id, ErrAgentStopped)
	}

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-timer.C:
		return nil, fmt.Errorf("task %s on agent %s: %w", task.ID, p.id, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, fmt.Errorf("agent %s: %w", p.id, ErrAgentCrashed)
	}
}

// SendMessage delivers an envelope asynchronously. It never blocks the
// sender: a full mailbox returns ErrMailboxFull instead of waiting.
func (p *Process) SendMessage(env Envelope, from string) error {
	select {
	case <-p.done:
		return fmt.Errorf("agent %s: %w", p.id, ErrAgentStopped)
	default:
	}

	select {
	case p.msgCh <- inbound{env: env, from: from}:
		return nil
	case <-p.done:
		return fmt.Errorf("agent %s: %w", p.id, ErrAgentStopped)
	default:
		return fmt.Errorf("agent %s: %w", p.id, ErrMailboxFull)
	}
}

// UpdateConfig applies a new configuration through the process loop. A
// successful update recovers an agent from the error status. On failure the
// behavior's partially applied state is kept, but the status is untouched.
func (p *Process) UpdateConfig(cfg Config) error {
	reply := make(chan error, 1)
	select {
	case p.ctrlCh <- ctrlRequest{kind: ctrlUpdateConfig, config: cfg, reply: reply}:
	case <-p.done:
		return fmt.Errorf("agent %s: %w", p.id, ErrAgentStopped)
	}
	select {
	case err := <-reply:
		return err
	case <-p.done:
		return fmt.Errorf("agent %s: %w", p.id, ErrAgentStopped)
	}
}

// Stop terminates the process with the given reason, invoking the
// behavior's Terminate hook. Reasons other than "normal" and "shutdown" are
// treated as crashes by the supervisor. Stop waits for the loop to exit.
func (p *Process) Stop(reason string) {
	select {
	case p.ctrlCh <- ctrlRequest{kind: ctrlStop, reason: reason}:
	case <-p.done:
		return
	}
	<-p.done
}

// GetStatus returns a point-in-time snapshot merging runtime and
// behavior-reported status.
func (p *Process) GetStatus() StatusSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := StatusSnapshot{
		ID:           p.id,
		Type:         p.agentType,
		Status:       p.status,
		QueueLength:  len(p.taskCh),
		Metrics:      p.metrics,
		StartedAt:    p.startedAt,
		LastActivity: p.lastActivity,
		Behavior:     p.behavior.Status(p.state),
	}
	if p.currentTask != nil {
		task := *p.currentTask
		snap.CurrentTask = &task
	}
	return snap
}

// GetCapabilities returns the capability tags the behavior advertises.
func (p *Process) GetCapabilities() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.behavior.Capabilities(p.state)
}

// Config returns the current configuration.
func (p *Process) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

func (p *Process) run(ctx context.Context) {
	defer close(p.done)

	for {
		// An agent in the error state stops draining its task queue but
		// keeps serving messages and control requests, so queued tasks
		// survive until the agent is recovered or stopped.
		if p.Status() == StatusError {
			select {
			case <-ctx.Done():
				p.terminate(ReasonShutdown)
				return
			case c := <-p.ctrlCh:
				if p.handleControl(c) {
					return
				}
			case in := <-p.msgCh:
				p.handleMessage(in)
			}
			continue
		}

		select {
		case <-ctx.Done():
			p.terminate(ReasonShutdown)
			return
		case c := <-p.ctrlCh:
			if p.handleControl(c) {
				return
			}
		case in := <-p.msgCh:
			p.handleMessage(in)
		case req := <-p.taskCh:
			p.executeTask(ctx, req)
		}
	}
}

// handleControl processes a control request, returning true when the loop
// should exit.
func (p *Process) handleControl(c ctrlRequest) bool {
	switch c.kind {
	case ctrlStop:
		p.terminate(c.reason)
		return true
	case ctrlUpdateConfig:
		c.reply <- p.applyConfig(c.config)
	}
	return false
}

func (p *Process) applyConfig(cfg Config) error {
	p.mu.RLock()
	state := p.state
	p.mu.RUnlock()

	var newState any = state
	var err error
	if updater, ok := p.behavior.(ConfigUpdater); ok {
		newState, err = updater.UpdateConfig(cfg, state)
	}

	p.mu.Lock()
	p.state = newState
	p.lastActivity = time.Now()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("update config for agent %s: %w", p.id, err)
	}
	p.config = cfg
	recovered := p.status == StatusError
	p.status = StatusIdle
	last := p.lastActivity
	p.mu.Unlock()

	if recovered {
		log.Printf("[agent] %s recovered from error state via config update", p.id)
	}
	p.publish(StatusIdle, last)
	return nil
}

func (p *Process) executeTask(ctx context.Context, req taskRequest) {
	p.mu.Lock()
	task := req.task
	p.currentTask = &task
	p.status = StatusBusy
	p.lastActivity = time.Now()
	state := p.state
	p.mu.Unlock()
	p.publish(StatusBusy, time.Now())

	start := time.Now()
	result, newState, err := p.safeHandleTask(ctx, req.task, state)
	elapsed := time.Since(start)

	p.mu.Lock()
	p.currentTask = nil
	p.metrics.TotalExecutionTime += elapsed
	p.metrics.LastTaskDuration = elapsed
	p.lastActivity = time.Now()
	if err != nil {
		p.metrics.TasksFailed++
		p.status = StatusError
	} else {
		p.state = newState
		p.metrics.TasksCompleted++
		p.status = StatusIdle
	}
	status := p.status
	last := p.lastActivity
	p.mu.Unlock()

	p.publish(status, last)
	observability.RecordTask(p.id, status.String(), elapsed)
	if err != nil {
		log.Printf("[agent] %s task %s failed: %v", p.id, req.task.ID, err)
	}

	// Buffered result channel: the send never blocks even when the caller
	// already timed out and stopped waiting.
	req.resultCh <- taskResult{result: result, err: err}
}

// safeHandleTask calls the behavior's task handler, converting panics into
// a SystemError so a faulty behavior cannot take down the runtime.
func (p *Process) safeHandleTask(ctx context.Context, task Task, state any) (result any, newState any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			newState = state
			err = NewSystemError("behavior panicked during task execution",
				map[string]any{"panic": fmt.Sprint(r), "task_id": task.ID})
		}
	}()
	return p.behavior.HandleTask(ctx, task, state)
}

func (p *Process) handleMessage(in inbound) {
	p.mu.Lock()
	p.metrics.MessageCount++
	p.lastActivity = time.Now()
	state := p.state
	p.mu.Unlock()

	newState, err := p.safeHandleMessage(in, state)
	if err != nil {
		log.Printf("[agent] %s message from %s failed: %v", p.id, in.from, err)
		return
	}

	p.mu.Lock()
	p.state = newState
	p.mu.Unlock()
}

func (p *Process) safeHandleMessage(in inbound, state any) (newState any, err error) {
	defer func() {
		if r := recover(); r != nil {
			newState = state
			err = NewSystemError("behavior panicked during message handling",
				map[string]any{"panic": fmt.Sprint(r)})
		}
	}()
	return p.behavior.HandleMessage(in.env, in.from, state)
}

func (p *Process) terminate(reason string) {
	p.mu.Lock()
	p.exitReason = reason
	state := p.state
	p.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[agent] %s terminate hook panicked: %v", p.id, r)
			}
		}()
		if err := p.behavior.Terminate(reason, state); err != nil {
			log.Printf("[agent] %s terminate hook failed: %v", p.id, err)
		}
	}()
}

func (p *Process) publish(status Status, lastActivity time.Time) {
	if p.publisher != nil {
		p.publisher.PublishStatus(p.id, status, lastActivity)
	}
}
