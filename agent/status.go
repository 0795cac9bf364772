package agent

import "time"

// Status is the runtime status of an agent process.
type Status int32

const (
	// StatusIdle means the agent is waiting for work.
	StatusIdle Status = iota
	// StatusBusy means the agent is executing a task.
	StatusBusy
	// StatusError means the agent's behavior failed and the agent refuses
	// new tasks until a config update or restart recovers it.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Metrics are the per-agent execution counters. They are copied out in
// status snapshots, so readers never share memory with the process loop.
type Metrics struct {
	TasksCompleted     uint64
	TasksFailed        uint64
	TotalExecutionTime time.Duration
	LastTaskDuration   time.Duration
	MessageCount       uint64
}

// StatusSnapshot merges runtime status with behavior-reported status. It is
// a point-in-time copy and safe to retain.
type StatusSnapshot struct {
	ID           string
	Type         string
	Status       Status
	CurrentTask  *Task
	QueueLength  int
	Metrics      Metrics
	StartedAt    time.Time
	LastActivity time.Time
	Behavior     map[string]any
}

// StatusPublisher receives status transitions from a process. The registry
// implements it so agent metadata stays current without the process
// depending on the registry package.
type StatusPublisher interface {
	PublishStatus(agentID string, status Status, lastActivity time.Time)
}
