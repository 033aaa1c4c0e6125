package kv

import (
	"context"
	"time"
)

// ScoredMember is a single entry of a sorted-set range read.
type ScoredMember struct {
	Member string
	Score  float64
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Handler processes one pub/sub message. Handlers run on the
// subscription connection's delivery goroutine and must not block for
// long; do expensive work in a separate goroutine.
type Handler func(msg Message)

// Store is the full set of primitives the session-worker core needs from
// the shared store (spec.md §4.A). Every operation that can observe
// partial/stale results is documented as such at the call site, not here.
type Store interface {
	// Get returns ErrNotFound if key does not exist.
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, val string, ttl time.Duration) error
	// SetIfAbsent returns ErrNotSet if key is already present.
	SetIfAbsent(ctx context.Context, key, val string, ttl time.Duration) error
	// CompareAndDelete deletes key only if its current value equals
	// expected, atomically. Returns (true, nil) if deleted, (false, nil)
	// if the key was absent or held a different value.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	HashWrite(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	HashReadAll(ctx context.Context, key string) (map[string]string, error)

	// ListPushHead prepends val and returns the new list length.
	ListPushHead(ctx context.Context, key, val string, ttl time.Duration) (int64, error)
	// ListTrim keeps only the first `cap` elements (head-to-tail).
	ListTrim(ctx context.Context, key string, cap int64) error

	SortedSetAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error
	// SortedSetRangeByScore returns members scored in [min, max], ascending
	// by score. limit caps how many of the lowest-scoring matches are
	// returned (and, for the real store, how many are even fetched from
	// the wire); limit <= 0 means unbounded.
	SortedSetRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error)
	SortedSetCardinality(ctx context.Context, key string) (int64, error)
	// SortedSetRemove removes member from the sorted set, if present.
	SortedSetRemove(ctx context.Context, key, member string) error

	// ScanKeys iterates all keys matching pattern, calling fn for each
	// batch (bounded by the implementation's cursor batch size). fn
	// returning an error stops the scan and propagates the error.
	ScanKeys(ctx context.Context, pattern string, batchSize int64, fn func(keys []string) error) error

	DeleteMany(ctx context.Context, keys ...string) error

	Publish(ctx context.Context, channel, message string) error
	// Subscribe listens on an exact channel name; Subscribe is
	// idempotent across reconnects — the Client re-installs it.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
	// PSubscribe listens on a glob pattern (e.g. "session-control:*").
	PSubscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)

	Close() error
}

// Subscription is a live pub/sub registration. Calling Close stops
// delivery and, for the real Client, deregisters the handler so it is
// not replayed on the next reconnect.
type Subscription interface {
	Close() error
}
