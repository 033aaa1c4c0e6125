/*
Package registry implements the Session Registry (spec.md §4.B): the
system of record for per-session state, step history, and the data that
lets a worker rebuild what a session was doing after a crash.

Every operation writes through to pkg/kv under the key schema in
pkg/session, refreshing TTLs on every write so an active session's state
never expires out from under it. Registry itself holds no in-process
session state — it is a thin, stateless façade over the shared store, the
same role pkg/storage played for the teacher's cluster state, except the
backing store here is shared across the whole host fleet rather than
local to one node.
*/
package registry
