// Package agent defines the public contracts of the rubberduck runtime and
// the per-agent process that executes them.
//
// An agent is an independently scheduled worker unit with private state and
// a set of advertised capabilities. All of an agent's state is owned by a
// single goroutine (its process loop); other goroutines interact with it
// exclusively through messages and blocking task submission. This gives the
// runtime actor-style isolation without locks around behavior state.
//
// The pluggable logic of an agent is supplied as a Behavior implementation:
//
//	type Behavior interface {
//	    Init(cfg Config) (any, error)
//	    HandleTask(ctx context.Context, task Task, state any) (any, any, error)
//	    HandleMessage(env Envelope, from string, state any) (any, error)
//	    Capabilities(state any) []string
//	    Status(state any) map[string]any
//	    Terminate(reason string, state any) error
//	}
//
// Behaviors must treat their state as immutable: every handler returns the
// next state rather than mutating the previous one in place. The process
// loop is the only writer of the current state reference, which is what
// makes concurrent status reads safe.
//
// Processes are normally created through a supervisor rather than directly;
// see the rubberduck root package for the assembled runtime.
package agent
