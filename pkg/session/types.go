/*
Package session defines the shared data model for the session-worker core:
sessions, steps, jobs, and leases, plus the bit-exact KV key schema every
other package builds on.

None of the types here talk to the KV store directly — they are the wire
and storage shapes that pkg/kv, pkg/registry, pkg/queue, pkg/worker and
pkg/reaper marshal to and from.
*/
package session

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusConnected  Status = "connected"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusRecovering Status = "recovering"
	StatusError      Status = "error"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// TerminationReason explains why a session was terminated.
type TerminationReason string

const (
	TerminationIdleTimeout  TerminationReason = "idle_timeout"
	TerminationPoisonPill   TerminationReason = "poison_pill"
	TerminationClientClosed TerminationReason = "client_closed"
)

// Default TTLs and timeouts, overridable via pkg/config.
const (
	DefaultLeaseTTL    = 30 * time.Second
	DefaultRecordTTL   = 1 * time.Hour
	DefaultIdleTimeout = 30 * time.Minute
	DefaultReapInterval = 5 * time.Minute

	// HistoryListCap is the capacity of the bounded recent-steps list.
	HistoryListCap = 100

	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = 2 * time.Second
)

// State is the session-state hash stored at NewKeys(sessionID).State().
// It carries spec.md §6's session:state fields plus connection_id, the
// gateway connection id the registry also writes into the hash.
type State struct {
	Status            Status            `redis:"status"`
	LastActiveTime    int64             `redis:"last_active_time"` // epoch millis
	TotalSteps        int64             `redis:"total_steps"`
	Error             string            `redis:"error,omitempty"`
	TerminationReason TerminationReason `redis:"termination_reason,omitempty"`
	FailedJobID       string            `redis:"failed_job_id,omitempty"`
	ConnectionID      string            `redis:"connection_id,omitempty"`
}

// IsActive reports whether the session is in the active state.
func (s State) IsActive() bool {
	return s.Status == StatusActive
}

// Step is a single completed action, as recorded in session history.
type Step struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"` // epoch millis, sort key in history
}

// Job is a step awaiting execution, carrying retry bookkeeping.
type Job struct {
	ID            string        `json:"jobId"`
	SessionID     string        `json:"sessionId"`
	Step          Step          `json:"step"`
	AttemptsMade  int           `json:"attemptsMade"`
	MaxAttempts   int           `json:"maxAttempts"`
	Backoff       time.Duration `json:"backoff"`
	Priority      int           `json:"priority"`
	EnqueuedAt    time.Time     `json:"enqueuedAt"`
	AvailableAt   time.Time     `json:"availableAt"` // when the job becomes eligible to dequeue (delay/backoff)
}

// EnqueueOptions mirrors spec.md §4.C Enqueue opts.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
	Attempts int // 0 => DefaultMaxAttempts
	Backoff  BackoffOptions
}

// BackoffOptions configures retry backoff for a job.
type BackoffOptions struct {
	Type  string // "exponential" is the only supported type
	Delay time.Duration
}

// Counts is the per-session queue snapshot returned by Counts/Stats.
type Counts struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
}

// Stats adds queue identity and activity to Counts.
type Stats struct {
	IsActive  bool
	JobCounts Counts
	QueueName string
}

// Lease is the exclusive, TTL-bounded ownership record for a session.
type Lease struct {
	SessionID string
	OwnerID   string // managerId
}

// Keys is the bit-exact KV key schema from spec.md §6.
type Keys struct {
	SessionID string
}

func NewKeys(sessionID string) Keys { return Keys{SessionID: sessionID} }

func (k Keys) Lock() string       { return "session:lock:" + k.SessionID }
func (k Keys) Connection() string { return "session:connection:" + k.SessionID }
func (k Keys) Steps() string      { return "session:steps:" + k.SessionID }
func (k Keys) History() string    { return "session:history:" + k.SessionID }
func (k Keys) State() string      { return "session:state:" + k.SessionID }

// StatePattern is the scan pattern used by ListActive and the idle reaper.
const StatePattern = "session:state:*"

// NewSessionsChannel is the exact-match announcement channel.
const NewSessionsChannel = "new-sessions-channel"

// SessionControlChannel returns the per-session control channel name.
func SessionControlChannel(sessionID string) string {
	return "session-control:" + sessionID
}

// SessionControlPattern is the pub/sub pattern the Worker Manager
// subscribes to for all sessions at once.
const SessionControlPattern = "session-control:*"

// StopCommand is the only currently-defined control payload.
const StopCommand = "STOP"

// QueueName returns the per-session queue identifier (spec.md §6).
func QueueName(sessionID string) string {
	return "rpa-session-" + sessionID
}

// RegistryKeys returns the four registry-owned keys Registry.Cleanup
// deletes. The lock key is deliberately excluded: it is torn down
// separately by the lease's compare-and-delete release (see pkg/worker),
// never by a plain delete, so a successor's freshly acquired lease can
// never be clobbered. Together the four registry keys plus the lock key
// are the "five namespaced keys" spec.md §8 invariant 6 refers to.
func (k Keys) RegistryKeys() []string {
	return []string{k.Connection(), k.Steps(), k.History(), k.State()}
}
