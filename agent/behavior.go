package agent

import "context"

// Config is the opaque configuration bag handed to a behavior at creation
// and on config updates.
type Config map[string]any

// GetString reads a string config key with a default, mirroring how agent
// definitions carry free-form settings.
func (c Config) GetString(key, def string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return def
}

// GetInt reads an integer config key with a default. YAML decodes numbers
// as int, so no float coercion is attempted.
func (c Config) GetInt(key string, def int) int {
	if v, ok := c[key].(int); ok {
		return v
	}
	return def
}

// Behavior is the capability implementation that defines how an agent
// initializes, executes tasks, and handles messages. Implementations must
// not retain or mutate previous state values: every handler returns the
// next state.
type Behavior interface {
	// Init is invoked once at agent creation. Returning an error aborts
	// startup; the agent is never registered.
	Init(cfg Config) (state any, err error)

	// HandleTask executes one task against the current state and returns
	// the result, the next state, and an error. A returned error moves the
	// agent to the error status and is propagated to the task's submitter.
	HandleTask(ctx context.Context, task Task, state any) (result any, newState any, err error)

	// HandleMessage processes one asynchronous message. Errors are logged
	// and counted but do not change the agent's status.
	HandleMessage(env Envelope, from string, state any) (newState any, err error)

	// Capabilities returns the tags this agent advertises for routing.
	Capabilities(state any) []string

	// Status returns behavior-level status merged into the agent's status
	// snapshot.
	Status(state any) map[string]any

	// Terminate is the teardown hook, called once when the agent stops.
	Terminate(reason string, state any) error
}

// ConfigUpdater is an optional interface for behaviors that react to config
// updates. Behaviors that do not implement it simply have their stored
// config replaced.
type ConfigUpdater interface {
	// UpdateConfig applies a new configuration. The returned state is
	// adopted even when an error is returned, so partially applied updates
	// are not lost.
	UpdateConfig(cfg Config, state any) (newState any, err error)
}

// BehaviorFactory constructs a fresh behavior instance for one agent. The
// supervisor calls the factory again when it restarts an agent, so restarts
// always begin from clean state.
type BehaviorFactory func(cfg Config) (Behavior, error)
