/*
Package kvtest provides an in-memory kv.Store for unit tests across
registry, queue, worker and reaper packages. It implements the same
primitives and TTL semantics go-redis gives the real Client, minus
reconnect behavior (there is nothing to reconnect to), so callers exercise
real code paths without a live store.
*/
package kvtest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/rpasession/pkg/kv"
)

type entry struct {
	val     string
	hash    map[string]string
	list    []string
	zset    map[string]float64
	expires time.Time // zero means no TTL
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Store is an in-memory, single-process kv.Store.
type Store struct {
	mu     sync.Mutex
	data   map[string]*entry
	subs   map[string][]registration // exact channel -> handlers
	psubs  map[string][]registration // pattern -> handlers
	nextID uint64
	closed bool
}

// New creates an empty fake store.
func New() *Store {
	return &Store{
		data:  make(map[string]*entry),
		subs:  make(map[string][]registration),
		psubs: make(map[string][]registration),
	}
}

func (s *Store) getLocked(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(s.data, key)
		return nil, false
	}
	return e, true
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		return "", kv.ErrNotFound
	}
	return e.val, nil
}

func (s *Store) Put(ctx context.Context, key, val string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = &entry{val: val, expires: expiry(ttl)}
	return nil
}

func (s *Store) SetIfAbsent(ctx context.Context, key, val string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.getLocked(key); ok {
		return kv.ErrNotSet
	}
	s.data[key] = &entry{val: val, expires: expiry(ttl)}
	return nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok || e.val != expected {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

func (s *Store) HashWrite(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		e = &entry{hash: make(map[string]string)}
		s.data[key] = e
	}
	if e.hash == nil {
		e.hash = make(map[string]string)
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	if ttl > 0 {
		e.expires = expiry(ttl)
	}
	return nil
}

func (s *Store) HashReadAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok || e.hash == nil {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (s *Store) ListPushHead(ctx context.Context, key, val string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		e = &entry{}
		s.data[key] = e
	}
	e.list = append([]string{val}, e.list...)
	if ttl > 0 {
		e.expires = expiry(ttl)
	}
	return int64(len(e.list)), nil
}

func (s *Store) ListTrim(ctx context.Context, key string, cap int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		return nil
	}
	if int64(len(e.list)) > cap {
		e.list = e.list[:cap]
	}
	return nil
}

func (s *Store) SortedSetAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		e = &entry{zset: make(map[string]float64)}
		s.data[key] = e
	}
	if e.zset == nil {
		e.zset = make(map[string]float64)
	}
	e.zset[member] = score
	if ttl > 0 {
		e.expires = expiry(ttl)
	}
	return nil
}

func (s *Store) SortedSetRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]kv.ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		return nil, nil
	}
	out := make([]kv.ScoredMember, 0, len(e.zset))
	for member, score := range e.zset {
		if score >= min && score <= max {
			out = append(out, kv.ScoredMember{Member: member, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SortedSetRemove(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok || e.zset == nil {
		return nil
	}
	delete(e.zset, member)
	return nil
}

func (s *Store) SortedSetCardinality(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLocked(key)
	if !ok {
		return 0, nil
	}
	return int64(len(e.zset)), nil
}

func (s *Store) ScanKeys(ctx context.Context, pattern string, batchSize int64, fn func(keys []string) error) error {
	s.mu.Lock()
	var matched []string
	now := time.Now()
	for k, e := range s.data {
		if e.expired(now) {
			continue
		}
		if matchGlob(pattern, k) {
			matched = append(matched, k)
		}
	}
	s.mu.Unlock()

	sort.Strings(matched)
	if batchSize <= 0 {
		batchSize = int64(len(matched))
		if batchSize == 0 {
			batchSize = 1
		}
	}
	for i := 0; i < len(matched); i += int(batchSize) {
		end := i + int(batchSize)
		if end > len(matched) {
			end = len(matched)
		}
		if err := fn(matched[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteMany(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *Store) Publish(ctx context.Context, channel, message string) error {
	s.mu.Lock()
	handlers := make([]kv.Handler, 0, len(s.subs[channel]))
	for _, reg := range s.subs[channel] {
		handlers = append(handlers, reg.handler)
	}
	var patternHandlers []kv.Handler
	for pattern, regs := range s.psubs {
		if matchGlob(pattern, channel) {
			for _, reg := range regs {
				patternHandlers = append(patternHandlers, reg.handler)
			}
		}
	}
	s.mu.Unlock()

	msg := kv.Message{Channel: channel, Payload: message}
	for _, h := range handlers {
		h(msg)
	}
	for _, h := range patternHandlers {
		h(msg)
	}
	return nil
}

// registration pairs a handler with a unique id so Close can remove
// exactly the one subscription it owns, without relying on comparing
// func values (which Go forbids).
type registration struct {
	id      uint64
	handler kv.Handler
}

type subscription struct {
	store *Store
	exact bool
	topic string
	id    uint64
}

func (sub *subscription) Close() error {
	sub.store.mu.Lock()
	defer sub.store.mu.Unlock()
	var m map[string][]registration
	if sub.exact {
		m = sub.store.subs
	} else {
		m = sub.store.psubs
	}
	list := m[sub.topic]
	for i, reg := range list {
		if reg.id == sub.id {
			m[sub.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string, handler kv.Handler) (kv.Subscription, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[channel] = append(s.subs[channel], registration{id: id, handler: handler})
	s.mu.Unlock()
	return &subscription{store: s, exact: true, topic: channel, id: id}, nil
}

func (s *Store) PSubscribe(ctx context.Context, pattern string, handler kv.Handler) (kv.Subscription, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.psubs[pattern] = append(s.psubs[pattern], registration{id: id, handler: handler})
	s.mu.Unlock()
	return &subscription{store: s, exact: false, topic: pattern, id: id}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// matchGlob supports the single "*" wildcard forms used by this codebase
// (exact strings, "prefix*", and "*" alone) — enough for the key and
// channel patterns in pkg/session, without pulling in a glob library.
func matchGlob(pattern, s string) bool {
	if pattern == s {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	parts := strings.SplitN(pattern, "*", 2)
	prefix, suffix := parts[0], ""
	if len(parts) == 2 {
		suffix = parts[1]
	}
	return strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix) && len(s) >= len(prefix)+len(suffix)
}

var _ kv.Store = (*Store)(nil)
