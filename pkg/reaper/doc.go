/*
Package reaper implements the Idle Session Reaper (spec.md §4.E): a
ticker-driven sweep, modeled on the teacher's pkg/reconciler, that scans
every session:state key and terminates whichever sessions have gone
idle past their timeout.

Unlike the Worker Manager, the Reaper does not own a lease or a local
worker handle for the sessions it terminates — it only needs to publish
STOP and record the termination, the same self-contained status write
the queue's poison-pill path performs (pkg/queue.StatusSetter). Whichever
host's Worker Manager is still holding the session's lease receives the
STOP over the control channel and does the actual worker/queue teardown.

A session already status=terminated is skipped on a later sweep, so a
Reaper restarting mid-sweep after a crash never double-publishes beyond
what an idempotent STOP already tolerates.
*/
package reaper
