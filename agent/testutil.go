package agent

import (
	"context"
	"time"
)

// EchoBehavior answers every task with its own payload. It is the smallest
// useful behavior: handy in examples, smoke tests, and as a template for
// real capability implementations.
type EchoBehavior struct {
	// Delay simulates slow task execution when non-zero.
	Delay time.Duration
}

type echoState struct {
	handled int
}

func (b *EchoBehavior) Init(cfg Config) (any, error) {
	return echoState{}, nil
}

func (b *EchoBehavior) HandleTask(ctx context.Context, task Task, state any) (any, any, error) {
	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-ctx.Done():
			return nil, state, ctx.Err()
		}
	}
	s := state.(echoState)
	s.handled++
	return task.Payload, s, nil
}

func (b *EchoBehavior) HandleMessage(env Envelope, from string, state any) (any, error) {
	return state, nil
}

func (b *EchoBehavior) Capabilities(state any) []string {
	return []string{"echo"}
}

func (b *EchoBehavior) Status(state any) map[string]any {
	s, _ := state.(echoState)
	return map[string]any{"handled": s.handled}
}

func (b *EchoBehavior) Terminate(reason string, state any) error {
	return nil
}

// MockBehavior is a fully scriptable behavior for tests. Unset hooks fall
// back to echo semantics.
type MockBehavior struct {
	InitFn      func(cfg Config) (any, error)
	TaskFn      func(ctx context.Context, task Task, state any) (any, any, error)
	MessageFn   func(env Envelope, from string, state any) (any, error)
	UpdateFn    func(cfg Config, state any) (any, error)
	TerminateFn func(reason string, state any) error
	Caps        []string
}

func (b *MockBehavior) Init(cfg Config) (any, error) {
	if b.InitFn != nil {
		return b.InitFn(cfg)
	}
	return nil, nil
}

func (b *MockBehavior) HandleTask(ctx context.Context, task Task, state any) (any, any, error) {
	if b.TaskFn != nil {
		return b.TaskFn(ctx, task, state)
	}
	return task.Payload, state, nil
}

func (b *MockBehavior) HandleMessage(env Envelope, from string, state any) (any, error) {
	if b.MessageFn != nil {
		return b.MessageFn(env, from, state)
	}
	return state, nil
}

func (b *MockBehavior) UpdateConfig(cfg Config, state any) (any, error) {
	if b.UpdateFn != nil {
		return b.UpdateFn(cfg, state)
	}
	return state, nil
}

func (b *MockBehavior) Capabilities(state any) []string {
	return b.Caps
}

func (b *MockBehavior) Status(state any) map[string]any {
	return map[string]any{}
}

func (b *MockBehavior) Terminate(reason string, state any) error {
	if b.TerminateFn != nil {
		return b.TerminateFn(reason, state)
	}
	return nil
}
