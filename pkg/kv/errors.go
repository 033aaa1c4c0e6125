package kv

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// ErrNotSet is returned by SetIfAbsent when the key already holds a value.
var ErrNotSet = errors.New("kv: key already set")

// ErrTransient wraps a connection-level failure (dial, timeout, pool
// exhaustion). Callers may retry; it is never returned for a well-formed
// command that the store rejected.
var ErrTransient = errors.New("kv: transient store error")
