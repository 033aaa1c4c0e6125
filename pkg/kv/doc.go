/*
Package kv provides a typed wrapper over the shared key-value + pub/sub
store every host process treats as its only piece of shared mutable state
(spec.md §4.A). It is the thinnest layer in the system on purpose: every
other package depends on the kv.Store interface, never on go-redis
directly, so the session-worker core stays swappable against any store
that can offer the same primitives (strings with TTL, hashes, lists,
sorted sets, scan, pub/sub, and an atomic compare-and-delete).

# Two connections

A command connection issues GET/SET/HSET/... and publishes; a separate
subscription connection receives pub/sub messages. go-redis multiplexes
both over its own connection pool, but the Client keeps the subscription
side (Subscribe/PSubscribe) on dedicated *redis.PubSub objects so a slow
or blocked subscriber can never stall command traffic — mirroring the
teacher's dual-connection rationale in its own coordination layer.

# Compare-and-delete

Releasing a session lease is the one operation that must not race a
plain get-then-delete: the lease may expire and be re-acquired by another
host between the read and the delete. CompareAndDelete is therefore a
single Lua script evaluated atomically by the store (EVALSHA), never two
round trips.

# Failure semantics

Connection loss surfaces as ErrTransient from any command; the Client
retries internally with bounded exponential backoff before giving up.
Subscriptions are re-established automatically on reconnect — callers
never see a "your subscription died" error, only a resumed stream.
*/
package kv
