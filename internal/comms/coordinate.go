package comms

import (
	"context"
	"fmt"
	"time"

	"github.com/pcharbon70/rubberduck/agent"
	"github.com/pcharbon70/rubberduck/internal/registry"
	"github.com/pcharbon70/rubberduck/pkg/observability"
)

// DefaultStepTimeout bounds each coordination step when the spec does not
// set one.
const DefaultStepTimeout = 30 * time.Second

// CoordinationStep names one unit of work in a multi-agent sequence and
// the agent type that should execute it.
type CoordinationStep struct {
	AgentType string
	Task      agent.Task
}

// CoordinationSpec describes a sequential multi-agent workflow.
type CoordinationSpec struct {
	Steps       []CoordinationStep
	StepTimeout time.Duration
}

// StepResult pairs a completed step with the agent that ran it.
type StepResult struct {
	AgentID string
	Result  any
}

// CoordinateTask runs the spec's steps in order, assigning each to an
// agent of the requested type chosen round-robin. Each step sees the
// results of the steps before it under the "previous_results" task context
// key. The first failure halts the sequence; the coordinator agent (when
// named) is notified of the outcome either way.
func (c *Comms) CoordinateTask(ctx context.Context, spec CoordinationSpec, coordinatorID string) ([]StepResult, error) {
	timeout := spec.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	ctx, span := observability.StartSpan(ctx, "comms.coordinate", map[string]any{
		"steps":       len(spec.Steps),
		"coordinator": coordinatorID,
	})
	defer span.End()

	results := make([]StepResult, 0, len(spec.Steps))
	for i, step := range spec.Steps {
		entry, err := c.pickByType(step.AgentType)
		if err != nil {
			c.countError()
			c.notifyCoordinator(coordinatorID, results, i, err)
			return results, fmt.Errorf("coordination step %d: %w", i, err)
		}

		task := step.Task
		if len(results) > 0 {
			prior := make([]any, len(results))
			for j, r := range results {
				prior[j] = r.Result
			}
			task = task.WithContext("previous_results", prior)
		}

		result, err := entry.Handle.AssignTask(ctx, task, timeout)
		if err != nil {
			c.countError()
			c.notifyCoordinator(coordinatorID, results, i, err)
			return results, fmt.Errorf("coordination step %d on %s: %w", i, entry.ID, err)
		}
		results = append(results, StepResult{AgentID: entry.ID, Result: result})
	}

	c.notifyCoordinator(coordinatorID, results, -1, nil)
	return results, nil
}

// pickByType chooses the next agent of a type round-robin, in id order.
func (c *Comms) pickByType(agentType string) (registry.Entry, error) {
	entries := c.reg.ListByType(agentType)
	if len(entries) == 0 {
		return registry.Entry{}, fmt.Errorf("no agents of type %q: %w", agentType, agent.ErrAgentNotFound)
	}

	key := "type:" + agentType
	c.mu.Lock()
	idx := c.rrCounters[key] % len(entries)
	c.rrCounters[key]++
	c.mu.Unlock()

	return entries[idx], nil
}

// notifyCoordinator tells the coordinating agent how the sequence ended.
// failedStep is -1 on success. Notification is best effort: a missing or
// full coordinator mailbox does not change the coordination result.
func (c *Comms) notifyCoordinator(coordinatorID string, results []StepResult, failedStep int, cause error) {
	if coordinatorID == "" {
		return
	}

	payload := map[string]any{
		"steps":           len(results),
		"completed_steps": len(results),
	}
	if cause != nil {
		payload["failed_step"] = failedStep
		payload["error"] = cause.Error()
	}

	env := agent.NewEnvelope(agent.KindCoordination, "comms", payload)
	if err := c.SendMessage(coordinatorID, env, "comms"); err != nil {
		c.countError()
	}
}
