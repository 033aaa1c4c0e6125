/*
Package queue implements the Queue Service (spec.md §4.C): a per-session
FIFO job queue backed by the shared store, so a step enqueued by whichever
host's gateway accepted a client connection can be drained by whichever
host's Worker Manager holds that session's lease.

Ordering, retry and the poison-pill path all live here. A job that
exhausts its attempts records status=failed through the registry (via
the narrow StatusSetter interface, to avoid importing pkg/registry
directly) and publishes STOP on the session's control channel — the
queue never tears down the worker or queue state itself, it only
signals; the Worker Manager's control handler does that cleanup.
*/
package queue
