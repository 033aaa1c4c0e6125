/*
Package worker implements the Worker Manager (spec.md §4.D): the
per-host component that claims sessions, drives crash recovery, and runs
exactly one single-concurrency worker task per claimed session.

# Architecture

One Manager runs per host process, identified by a process-lifetime
managerId. It subscribes to two channels on the shared store and keeps
an in-memory map of the sessions it currently owns:

	┌─────────────────────── HOST PROCESS ────────────────────────┐
	│                                                               │
	│  ┌─────────────────────────────────────────────┐            │
	│  │                  Manager                      │           │
	│  │  - new-sessions-channel  (announcements)      │            │
	│  │  - session-control:*     (STOP)               │            │
	│  │  - workers: map[sessionId]*workerHandle       │            │
	│  └──────┬─────────────────────────┬─────────────┘            │
	│         │                          │                          │
	│  ┌──────▼───────┐          ┌──────▼───────────┐              │
	│  │ claim/lease  │          │  workerHandle     │              │
	│  │ (pkg/kv      │          │  - stop (mailbox) │              │
	│  │  SetIfAbsent │          │  - done           │              │
	│  │  / CompareAnd│          │  - one goroutine  │              │
	│  │  Delete)     │          │    draining the   │              │
	│  └──────────────┘          │    session queue  │              │
	│                             └──────┬────────────┘              │
	│                                    │                           │
	│                      ┌─────────────▼─────────────┐            │
	│                      │  pkg/executor.Executor     │            │
	│                      │  (opaque action runner)    │            │
	│                      └────────────────────────────┘            │
	└───────────────────────────────────────────────────────────────┘

# Claim sequence

OnNewSessionAnnouncement implements the spec's four checks in order:
already local → ignore; at capacity → ignore; lease race lost → ignore;
otherwise spawn. Concurrent claim attempts across hosts are linearized by
the store's SetIfAbsent, never by anything in this process.

# Recovery

spawnWorker reads History and State before starting the dispatch loop.
Non-empty history is replayed, oldest first, against
pkg/executor.Executor.Recover — which must rebuild in-process state
without producing a client-visible result — before status flips to
active and new jobs are allowed to drain. Replay happens unconditionally
on non-empty history, including a first, non-crash claim, because nothing
in this design distinguishes the two cases (spec.md §9).

# Dispatch

Each claimed session gets one goroutine: a poll loop that dequeues a job,
processes it to completion synchronously, and repeats. There is no
separate concurrency primitive for "session worker" beyond this single
goroutine — FIFO-per-session falls directly out of sequential execution,
not out of a lock.

# Fatal worker errors

A worker that cannot dequeue — the store is unreachable, or this host has
silently lost effective ownership — does not spin forever: after
maxConsecutiveDequeueErrors failures in a row, failWorker logs the cause,
records it (events.EventLeaseLost, metrics.LeaseLostTotal), and hands off
to StopWorker so the session is relinquished back to the fleet for another
host to claim (spec.md §4.D "error(err) — treat as fatal for this worker").

# Stop and cleanup

STOP is cooperative: the dispatch loop finishes whatever it is currently
processing, then exits. StopWorker then cleans up in a fixed order —
queue first, registry second, lease release last — so a re-announcement
arriving right after release can never observe stale queue state under a
new owner (spec.md §4.D "Order matters").

# Known races

If a STOP for a session arrives while this manager is still replaying
that session's history (e.g. a delayed STOP from whoever owned the
session before this manager's claim), StopWorker may clean up registry
state out from under the in-flight replay. spec.md §9 calls this
undefined and asks that it be documented, not necessarily resolved; this
implementation does not attempt to version-tag history reads against the
lease.
*/
package worker
