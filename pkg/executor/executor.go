/*
Package executor defines the boundary between the session-worker core and
the opaque action runner (spec.md §1: "the actual action executor
(browser automation): treated as an opaque ExecuteStep(step) → result
function the core calls"). Nothing in this repository knows how a step
is actually carried out; pkg/worker only ever talks to the Executor
interface.

Recover is the same boundary used for crash-recovery replay (spec.md
§4.D "recovery-replay"): it is expected to rebuild in-process state (for
a browser executor, e.g. re-opening a page at a previously navigated URL)
without producing a client-visible result.
*/
package executor

import (
	"context"

	"github.com/cuemby/rpasession/pkg/session"
)

// Result is what a successfully executed step returns to the worker.
// Output is an opaque payload, mirroring the opaqueness of Step.Data.
type Result struct {
	Output string
}

// Executor runs a single step to completion, or replays one during
// recovery. Both methods must be safe to call for a step that may have
// already been (partially) applied — spec.md §9 "Duplicate replay
// tolerance" places that burden on the executor, not the core.
type Executor interface {
	// Execute performs step for sessionID and returns its result, or an
	// error if the action failed. The core retries a failed Execute per
	// the job's backoff policy; Execute itself must not retry.
	Execute(ctx context.Context, sessionID string, step session.Step) (Result, error)

	// Recover re-applies an already-completed step to rebuild
	// in-process state on a newly claimed session. It must not emit any
	// client-visible completion; the core never notifies the gateway
	// for a recovered step.
	Recover(ctx context.Context, sessionID string, step session.Step) error
}
