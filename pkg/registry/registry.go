package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/rpasession/pkg/kv"
	"github.com/cuemby/rpasession/pkg/log"
	"github.com/cuemby/rpasession/pkg/session"
)

// ErrSessionNotFound names the "never created" case for callers that
// need to tell it apart from "exists but empty". No Registry method
// returns it: History and State both degrade to zero values for a
// missing session.
var ErrSessionNotFound = errors.New("registry: session not found")

// Registry is the Session Registry (spec.md §4.B).
type Registry struct {
	store     kv.Store
	recordTTL time.Duration
}

// New creates a Registry backed by store. recordTTL is refreshed on every
// write to session:* keys (spec.md §3 "All per-session records carry a
// TTL"); zero selects session.DefaultRecordTTL.
func New(store kv.Store, recordTTL time.Duration) *Registry {
	if recordTTL <= 0 {
		recordTTL = session.DefaultRecordTTL
	}
	return &Registry{store: store, recordTTL: recordTTL}
}

// CreateOrTouch sets connectionId and status=connected for a new session,
// or — if the session already has state — only refreshes its TTL and
// connection id, leaving status untouched so a duplicate gateway call
// (e.g. a reconnect racing a step completion) can never regress a
// session that has already progressed past "connected".
func (r *Registry) CreateOrTouch(ctx context.Context, sessionID, connectionID string) error {
	keys := session.NewKeys(sessionID)
	logger := log.WithSessionID(sessionID)

	existing, err := r.store.HashReadAll(ctx, keys.State())
	if err != nil {
		return fmt.Errorf("registry: read state for create-or-touch: %w", err)
	}

	if err := r.store.Put(ctx, keys.Connection(), connectionID, r.recordTTL); err != nil {
		return fmt.Errorf("registry: write connection id: %w", err)
	}

	if len(existing) == 0 {
		fields := map[string]string{
			"status":           string(session.StatusConnected),
			"last_active_time": nowMillisString(),
			"total_steps":      "0",
			"connection_id":    connectionID,
		}
		if err := r.store.HashWrite(ctx, keys.State(), fields, r.recordTTL); err != nil {
			return fmt.Errorf("registry: create session state: %w", err)
		}
		logger.Info().Msg("session created")
		return nil
	}

	if err := r.store.HashWrite(ctx, keys.State(), map[string]string{
		"connection_id": connectionID,
	}, r.recordTTL); err != nil {
		return fmt.Errorf("registry: touch session state: %w", err)
	}
	return nil
}

// UpdateStatus overwrites status, bumps last_active_time, and optionally
// records an error message.
func (r *Registry) UpdateStatus(ctx context.Context, sessionID string, status session.Status, errMsg string) error {
	keys := session.NewKeys(sessionID)
	fields := map[string]string{
		"status":           string(status),
		"last_active_time": nowMillisString(),
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	if err := r.store.HashWrite(ctx, keys.State(), fields, r.recordTTL); err != nil {
		return fmt.Errorf("registry: update status: %w", err)
	}
	statusLogger := log.WithSessionID(sessionID)
	statusLogger.Info().Str("status", string(status)).Msg("session status updated")
	return nil
}

// MarkTerminated is the idle reaper's entry point: it sets
// status=terminated and records why, in one write. The poison-pill path
// records status=failed through UpdateStatus instead.
func (r *Registry) MarkTerminated(ctx context.Context, sessionID string, reason session.TerminationReason) error {
	keys := session.NewKeys(sessionID)
	fields := map[string]string{
		"status":             string(session.StatusTerminated),
		"last_active_time":   nowMillisString(),
		"termination_reason": string(reason),
	}
	if err := r.store.HashWrite(ctx, keys.State(), fields, r.recordTTL); err != nil {
		return fmt.Errorf("registry: mark terminated: %w", err)
	}
	return nil
}

// LogStepCompletion atomically (from the caller's point of view — each
// underlying write is independent; all but the recent-list push are
// idempotent, so partial application under a crash leaves the ordered
// history and total_steps correct on replay, while the bounded recent
// list may hold a duplicate entry) records a completed
// step: push to the bounded recent list, add to the ordered history,
// and refresh total_steps to the true cardinality of that history.
//
// total_steps is derived from SortedSetCardinality rather than
// incremented, because the ordered set can legitimately receive the same
// member twice during recovery replay (spec.md §9 "Duplicate replay
// tolerance") — an increment would violate invariant 3 (total_steps ==
// |history|) the first time that happens.
func (r *Registry) LogStepCompletion(ctx context.Context, sessionID string, step session.Step) error {
	keys := session.NewKeys(sessionID)
	payload, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("registry: marshal step: %w", err)
	}
	member := string(payload)

	if _, err := r.store.ListPushHead(ctx, keys.Steps(), member, r.recordTTL); err != nil {
		return fmt.Errorf("registry: push recent step: %w", err)
	}
	if err := r.store.ListTrim(ctx, keys.Steps(), session.HistoryListCap); err != nil {
		return fmt.Errorf("registry: trim recent steps: %w", err)
	}
	if err := r.store.SortedSetAdd(ctx, keys.History(), float64(step.Timestamp), member, r.recordTTL); err != nil {
		return fmt.Errorf("registry: add history entry: %w", err)
	}
	total, err := r.store.SortedSetCardinality(ctx, keys.History())
	if err != nil {
		return fmt.Errorf("registry: count history: %w", err)
	}
	if err := r.store.HashWrite(ctx, keys.State(), map[string]string{
		"last_active_time": nowMillisString(),
		"total_steps":      strconv.FormatInt(total, 10),
	}, r.recordTTL); err != nil {
		return fmt.Errorf("registry: update total_steps: %w", err)
	}
	return nil
}

// History returns every completed step, ascending by timestamp. It is
// fully materialized: recovery needs the whole sequence up front, so
// there is no lazy/streaming variant.
func (r *Registry) History(ctx context.Context, sessionID string) ([]session.Step, error) {
	keys := session.NewKeys(sessionID)
	members, err := r.store.SortedSetRangeByScore(ctx, keys.History(), math.Inf(-1), math.Inf(1), 0)
	if err != nil {
		return nil, fmt.Errorf("registry: read history: %w", err)
	}
	steps := make([]session.Step, 0, len(members))
	for _, m := range members {
		var step session.Step
		if err := json.Unmarshal([]byte(m.Member), &step); err != nil {
			return nil, fmt.Errorf("registry: decode history entry: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// State returns the session's current attribute set. A session with no
// state (never created, or already cleaned up) yields a zero State, not
// an error — callers that care use IsActive or check State().Status.
func (r *Registry) State(ctx context.Context, sessionID string) (session.State, error) {
	keys := session.NewKeys(sessionID)
	fields, err := r.store.HashReadAll(ctx, keys.State())
	if err != nil {
		return session.State{}, fmt.Errorf("registry: read state: %w", err)
	}
	return decodeState(fields), nil
}

// IsActive reports whether the session's status is exactly "active".
func (r *Registry) IsActive(ctx context.Context, sessionID string) (bool, error) {
	st, err := r.State(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return st.IsActive(), nil
}

// ListActive scans for every session-state key and returns the session
// ids. Results are eventually consistent: a key may expire between the
// scan batch that saw it and the caller acting on it.
func (r *Registry) ListActive(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.store.ScanKeys(ctx, session.StatePattern, 100, func(keys []string) error {
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, "session:state:"))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry: list active sessions: %w", err)
	}
	return ids, nil
}

// Cleanup deletes the four registry-owned keys for sessionID. The lock
// key is not touched here — see session.Keys.RegistryKeys.
func (r *Registry) Cleanup(ctx context.Context, sessionID string) error {
	keys := session.NewKeys(sessionID)
	if err := r.store.DeleteMany(ctx, keys.RegistryKeys()...); err != nil {
		return fmt.Errorf("registry: cleanup: %w", err)
	}
	return nil
}

func decodeState(fields map[string]string) session.State {
	var st session.State
	st.Status = session.Status(fields["status"])
	if v, err := strconv.ParseInt(fields["last_active_time"], 10, 64); err == nil {
		st.LastActiveTime = v
	}
	if v, err := strconv.ParseInt(fields["total_steps"], 10, 64); err == nil {
		st.TotalSteps = v
	}
	st.Error = fields["error"]
	st.TerminationReason = session.TerminationReason(fields["termination_reason"])
	st.FailedJobID = fields["failed_job_id"]
	st.ConnectionID = fields["connection_id"]
	return st
}

func nowMillisString() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
