/*
Package events is the in-process event bus components use to react to
session lifecycle changes without calling each other directly: the
Worker Manager publishes lease, recovery and job outcomes, the Queue
Service publishes job completions and failures, and LogObserver
subscribes to log every event. Metrics are recorded at their call sites,
not through this broker.

It is a plain fan-out broker, not a replacement for the KV pub/sub in
pkg/kv — that one crosses host boundaries over Redis; this one never
leaves the process.
*/
package events
