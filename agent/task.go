package agent

import (
	"time"

	"github.com/google/uuid"
)

// Task is a unit of work submitted to an agent. The payload and context are
// opaque to the runtime; only the owning behavior interprets them. Tasks are
// consumed exactly once and never mutated after creation.
type Task struct {
	// ID is a unique identifier for this task, generated at creation.
	ID string

	// Type identifies the kind of work (e.g., "analyze", "ping"). Behaviors
	// dispatch on it.
	Type string

	// Payload is the task input, opaque to the runtime.
	Payload any

	// Context is an opaque key/value bag travelling with the task.
	Context map[string]any

	// SubmittedAt records when the task was created.
	SubmittedAt time.Time
}

// NewTask creates a task with a generated ID and submission timestamp.
func NewTask(taskType string, payload any) Task {
	return Task{
		ID:          uuid.New().String(),
		Type:        taskType,
		Payload:     payload,
		Context:     make(map[string]any),
		SubmittedAt: time.Now(),
	}
}

// WithContext sets a context key and returns the task for chaining:
//
//	task := agent.NewTask("analyze", src).WithContext("file", path)
func (t Task) WithContext(key string, value any) Task {
	if t.Context == nil {
		t.Context = make(map[string]any)
	}
	t.Context[key] = value
	return t
}
