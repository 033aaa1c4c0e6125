package executor

import (
	"context"
	"sync"

	"github.com/cuemby/rpasession/pkg/session"
)

// Fake is an in-memory Executor for tests and local runs without a real
// action runner. It records every call it receives so tests can assert
// on execution and recovery order.
type Fake struct {
	mu        sync.Mutex
	executed  []session.Step
	recovered []session.Step

	// FailAction, if set, causes Execute to fail for every step whose
	// Action matches, until removed. Useful for exercising the
	// poison-pill retry path deterministically.
	FailAction string
}

// NewFake creates an empty Fake executor.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Execute(ctx context.Context, sessionID string, step session.Step) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAction != "" && step.Action == f.FailAction {
		return Result{}, &ExecutionError{Action: step.Action}
	}
	f.executed = append(f.executed, step)
	return Result{Output: step.Action + ":ok"}, nil
}

func (f *Fake) Recover(ctx context.Context, sessionID string, step session.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, step)
	return nil
}

// Executed returns the steps successfully executed so far, in order.
func (f *Fake) Executed() []session.Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Step, len(f.executed))
	copy(out, f.executed)
	return out
}

// Recovered returns the steps replayed via Recover so far, in order.
func (f *Fake) Recovered() []session.Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Step, len(f.recovered))
	copy(out, f.recovered)
	return out
}

// ExecutionError is returned by Fake.Execute for a step whose action was
// configured to fail.
type ExecutionError struct {
	Action string
}

func (e *ExecutionError) Error() string {
	return "executor: simulated failure for action " + e.Action
}

var _ Executor = (*Fake)(nil)
