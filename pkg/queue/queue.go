package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cuemby/rpasession/pkg/events"
	"github.com/cuemby/rpasession/pkg/kv"
	"github.com/cuemby/rpasession/pkg/log"
	"github.com/cuemby/rpasession/pkg/metrics"
	"github.com/cuemby/rpasession/pkg/session"
)

const (
	removeOnComplete = 100
	removeOnFail     = 50

	// dequeueScanLimit bounds how many of the earliest-ready waiting jobs
	// Dequeue inspects when picking the highest-priority one, so a long
	// queue full of low-priority delayed jobs can't make every dequeue
	// scan the whole set.
	dequeueScanLimit = 50
)

var negInf, posInf = math.Inf(-1), math.Inf(1)

// priorityWeight separates priority bands in the waiting sorted set's
// score space. It must dominate any realistic availableAt spread so a
// higher-priority job always sorts ahead of a lower-priority one that
// became ready earlier.
const priorityWeight = 1e13

// enqueueSeq is a process-local monotonic counter folded into every
// score as a tiebreaker (fifoStep below), so two jobs enqueued in the
// same millisecond at the same priority still dequeue in submission
// order instead of falling back to Redis's lexical ordering of jobId
// (whose last 9 characters are random) — spec.md §5's per-session FIFO
// guarantee otherwise only holds at millisecond granularity.
var enqueueSeq uint64

// fifoStepUnit must be smaller than one millisecond of score (so a
// tiebroken job never sorts past the next distinct timestamp) and
// larger than float64's representable precision at the score
// magnitudes priorityWeight produces (so the tiebreak survives the
// subtraction). fifoStepMod bounds how many ties per millisecond can be
// distinguished before the counter wraps and starts reusing steps.
const (
	fifoStepUnit = 0.01
	fifoStepMod  = 64

	// maxFIFOStep is the largest value nextFIFOStep can return. Dequeue's
	// readiness check adds it as slack to "now" so a job whose
	// availableAt is exactly now, but whose score landed a few hundredths
	// of a millisecond above it because of the tiebreak, is still found
	// ready.
	maxFIFOStep = float64(fifoStepMod-1) * fifoStepUnit
)

func nextFIFOStep() float64 {
	seq := atomic.AddUint64(&enqueueSeq, 1)
	return float64(seq%fifoStepMod) * fifoStepUnit
}

// StatusSetter is the narrow slice of the Session Registry the Queue
// Service needs to graduate a poison-pilled job into a failed session
// (spec.md §4.C: "session status set to failed by the handler that
// consumes the signal"). The queue is the component that decides a job
// is permanently exhausted, so it sets status itself in the same breath
// as publishing STOP, the same self-contained pattern the idle reaper
// uses for its own terminations (spec.md §4.E). StopWorker's later
// Registry.Cleanup is a separate step that deletes the state; it does not
// set status=failed.
type StatusSetter interface {
	UpdateStatus(ctx context.Context, sessionID string, status session.Status, errMsg string) error
}

// Service is the Queue Service. One Service instance is shared by every
// session on a host; queue state itself lives in the store, keyed by
// session, so any host can enqueue into a queue a different host drains.
type Service struct {
	store  kv.Store
	broker *events.Broker
	status StatusSetter
	ttl    time.Duration
}

// New creates a Service. ttl governs how long idle queue bookkeeping
// persists in the store; it is refreshed on every write. status may be
// nil, in which case a poison-pilled job only publishes STOP without
// recording status=failed (useful for tests that only care about queue
// mechanics).
func New(store kv.Store, broker *events.Broker, status StatusSetter, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = session.DefaultRecordTTL
	}
	return &Service{store: store, broker: broker, status: status, ttl: ttl}
}

type keys struct{ sessionID string }

func keysFor(sessionID string) keys { return keys{sessionID: sessionID} }

func (k keys) base() string                { return session.QueueName(k.sessionID) }
func (k keys) Waiting() string             { return k.base() + ":waiting" }
func (k keys) Active() string              { return k.base() + ":active" }
func (k keys) Stats() string               { return k.base() + ":stats" }
func (k keys) Paused() string              { return k.base() + ":paused" }
func (k keys) JobData(jobID string) string { return k.base() + ":job:" + jobID }

// Enqueue appends a step to sessionID's queue and returns the new job's id.
func (s *Service) Enqueue(ctx context.Context, sessionID string, step session.Step, opts session.EnqueueOptions) (string, error) {
	k := keysFor(sessionID)
	now := time.Now()
	availableAt := now.Add(opts.Delay)

	maxAttempts := opts.Attempts
	if maxAttempts <= 0 {
		maxAttempts = session.DefaultMaxAttempts
	}
	backoff := opts.Backoff.Delay
	if backoff <= 0 {
		backoff = session.DefaultBackoffBase
	}

	jobID := newJobID(sessionID)
	job := session.Job{
		ID:          jobID,
		SessionID:   sessionID,
		Step:        step,
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		Priority:    opts.Priority,
		EnqueuedAt:  now,
		AvailableAt: availableAt,
	}

	if err := s.writeJob(ctx, k, job); err != nil {
		return "", err
	}
	score := scoreFor(availableAt, opts.Priority)
	if err := s.store.SortedSetAdd(ctx, k.Waiting(), score, jobID, s.ttl); err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}
	metrics.QueueDepth.WithLabelValues("waiting").Inc()
	return jobID, nil
}

// Dequeue pops the next ready job, if any and if the queue is not paused.
// A nil job with a nil error means "nothing to do right now".
func (s *Service) Dequeue(ctx context.Context, sessionID string) (*session.Job, error) {
	k := keysFor(sessionID)

	paused, err := s.isPaused(ctx, k)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	ready, err := s.store.SortedSetRangeByScore(ctx, k.Waiting(), negInf, float64(time.Now().UnixMilli())+maxFIFOStep, dequeueScanLimit)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: %w", sessionID, err)
	}
	if len(ready) == 0 {
		return nil, nil
	}
	jobID := ready[0].Member

	job, err := s.readJob(ctx, k, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Job data missing (expired or already cleaned up); drop the
		// dangling waiting entry and let the caller try again.
		_ = s.store.SortedSetRemove(ctx, k.Waiting(), jobID)
		metrics.QueueDepth.WithLabelValues("waiting").Dec()
		return nil, nil
	}

	if err := s.store.SortedSetRemove(ctx, k.Waiting(), jobID); err != nil {
		return nil, fmt.Errorf("queue: remove from waiting: %w", err)
	}
	if err := s.store.SortedSetAdd(ctx, k.Active(), float64(time.Now().UnixMilli()), jobID, s.ttl); err != nil {
		return nil, fmt.Errorf("queue: mark active: %w", err)
	}
	metrics.QueueDepth.WithLabelValues("waiting").Dec()
	metrics.QueueDepth.WithLabelValues("active").Inc()
	return job, nil
}

// Complete records a job's successful execution.
func (s *Service) Complete(ctx context.Context, sessionID, jobID string) error {
	k := keysFor(sessionID)
	if err := s.store.SortedSetRemove(ctx, k.Active(), jobID); err != nil {
		return fmt.Errorf("queue: complete %s: %w", jobID, err)
	}
	if err := s.store.DeleteMany(ctx, k.JobData(jobID)); err != nil {
		return fmt.Errorf("queue: drop job data %s: %w", jobID, err)
	}
	if err := s.bumpStat(ctx, k, "completed"); err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues("active").Dec()
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventJobCompleted, SessionID: sessionID, Message: jobID})
	}
	return nil
}

// Fail records a failed attempt. If the job has exhausted its retries,
// Fail publishes STOP on the session's control channel (spec.md §4.C's
// poison-pill rule) instead of rescheduling it.
func (s *Service) Fail(ctx context.Context, sessionID, jobID string, reason error) error {
	k := keysFor(sessionID)
	if err := s.store.SortedSetRemove(ctx, k.Active(), jobID); err != nil {
		return fmt.Errorf("queue: fail %s: %w", jobID, err)
	}

	job, err := s.readJob(ctx, k, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	job.AttemptsMade++

	logger := log.WithSessionID(sessionID)
	if job.AttemptsMade < job.MaxAttempts {
		delay := job.Backoff * time.Duration(1<<uint(job.AttemptsMade-1))
		job.AvailableAt = time.Now().Add(delay)
		if err := s.writeJob(ctx, k, *job); err != nil {
			return err
		}
		if err := s.store.SortedSetAdd(ctx, k.Waiting(), scoreFor(job.AvailableAt, job.Priority), jobID, s.ttl); err != nil {
			return fmt.Errorf("queue: reschedule %s: %w", jobID, err)
		}
		metrics.QueueDepth.WithLabelValues("active").Dec()
		metrics.QueueDepth.WithLabelValues("waiting").Inc()
		logger.Warn().Str("job_id", jobID).Int("attempt", job.AttemptsMade).Dur("backoff", delay).Msg("job failed, retrying")
		if s.broker != nil {
			s.broker.Publish(&events.Event{Type: events.EventJobFailed, SessionID: sessionID, Message: jobID})
		}
		return nil
	}

	if err := s.store.DeleteMany(ctx, k.JobData(jobID)); err != nil {
		return fmt.Errorf("queue: drop exhausted job data %s: %w", jobID, err)
	}
	if err := s.bumpStat(ctx, k, "failed"); err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues("active").Dec()
	metrics.JobsProcessedTotal.WithLabelValues("poisoned").Inc()
	logger.Error().Str("job_id", jobID).Err(reason).Msg("job exhausted retries, terminating session")
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventJobFailed, SessionID: sessionID, Message: jobID})
	}
	if s.status != nil {
		errMsg := ""
		if reason != nil {
			errMsg = reason.Error()
		}
		if err := s.status.UpdateStatus(ctx, sessionID, session.StatusFailed, errMsg); err != nil {
			logger.Error().Err(err).Msg("failed to record poison-pill status")
		}
	}
	return s.store.Publish(ctx, session.SessionControlChannel(sessionID), session.StopCommand)
}

// Stalled is informational only; spec.md §4.C assigns it no policy action.
func (s *Service) Stalled(ctx context.Context, sessionID, jobID string) {
	stallLogger := log.WithSessionID(sessionID)
	stallLogger.Warn().Str("job_id", jobID).Msg("job stalled")
}

// Pause halts dispatch for sessionID; in-flight jobs still complete normally.
func (s *Service) Pause(ctx context.Context, sessionID string) error {
	return s.store.Put(ctx, keysFor(sessionID).Paused(), "1", s.ttl)
}

// Resume restarts dispatch for sessionID.
func (s *Service) Resume(ctx context.Context, sessionID string) error {
	return s.store.DeleteMany(ctx, keysFor(sessionID).Paused())
}

// Counts returns the current waiting/active/completed/failed snapshot.
func (s *Service) Counts(ctx context.Context, sessionID string) (session.Counts, error) {
	k := keysFor(sessionID)
	waiting, err := s.store.SortedSetCardinality(ctx, k.Waiting())
	if err != nil {
		return session.Counts{}, err
	}
	active, err := s.store.SortedSetCardinality(ctx, k.Active())
	if err != nil {
		return session.Counts{}, err
	}
	stats, err := s.store.HashReadAll(ctx, k.Stats())
	if err != nil {
		return session.Counts{}, err
	}
	return session.Counts{
		Waiting:   int(waiting),
		Active:    int(active),
		Completed: atoiOr(stats["completed"], 0),
		Failed:    atoiOr(stats["failed"], 0),
	}, nil
}

// Stats returns Counts plus activity/identity metadata.
func (s *Service) Stats(ctx context.Context, sessionID string) (session.Stats, error) {
	counts, err := s.Counts(ctx, sessionID)
	if err != nil {
		return session.Stats{}, err
	}
	return session.Stats{
		IsActive:  counts.Waiting > 0 || counts.Active > 0,
		JobCounts: counts,
		QueueName: session.QueueName(sessionID),
	}, nil
}

// Cleanup forcibly obliterates sessionID's queue and all its bookkeeping.
// Irreversible; used on session termination.
func (s *Service) Cleanup(ctx context.Context, sessionID string) error {
	k := keysFor(sessionID)

	var jobKeys []string
	for state, zkey := range map[string]string{"waiting": k.Waiting(), "active": k.Active()} {
		members, err := s.store.SortedSetRangeByScore(ctx, zkey, negInf, posInf, 0)
		if err != nil {
			return fmt.Errorf("queue: cleanup scan %s: %w", zkey, err)
		}
		for _, m := range members {
			jobKeys = append(jobKeys, k.JobData(m.Member))
		}
		metrics.QueueDepth.WithLabelValues(state).Sub(float64(len(members)))
	}

	allKeys := append([]string{k.Waiting(), k.Active(), k.Stats(), k.Paused()}, jobKeys...)
	if err := s.store.DeleteMany(ctx, allKeys...); err != nil {
		return fmt.Errorf("queue: cleanup %s: %w", sessionID, err)
	}
	return nil
}

func (s *Service) isPaused(ctx context.Context, k keys) (bool, error) {
	_, err := s.store.Get(ctx, k.Paused())
	if err == nil {
		return true, nil
	}
	if err == kv.ErrNotFound {
		return false, nil
	}
	return false, err
}

func (s *Service) writeJob(ctx context.Context, k keys, job session.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.ID, err)
	}
	return s.store.HashWrite(ctx, k.JobData(job.ID), map[string]string{"json": string(payload)}, s.ttl)
}

func (s *Service) readJob(ctx context.Context, k keys, jobID string) (*session.Job, error) {
	fields, err := s.store.HashReadAll(ctx, k.JobData(jobID))
	if err != nil {
		return nil, fmt.Errorf("queue: read job %s: %w", jobID, err)
	}
	raw, ok := fields["json"]
	if !ok {
		return nil, nil
	}
	var job session.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("queue: decode job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *Service) bumpStat(ctx context.Context, k keys, field string) error {
	existing, err := s.store.HashReadAll(ctx, k.Stats())
	if err != nil {
		return fmt.Errorf("queue: read stats: %w", err)
	}
	n := atoiOr(existing[field], 0) + 1
	if err := s.store.HashWrite(ctx, k.Stats(), map[string]string{field: strconv.Itoa(n)}, s.ttl); err != nil {
		return fmt.Errorf("queue: write stats: %w", err)
	}
	return nil
}

func scoreFor(availableAt time.Time, priority int) float64 {
	return float64(availableAt.UnixMilli()) - float64(priority)*priorityWeight + nextFIFOStep()
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

const jobIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func newJobID(sessionID string) string {
	buf := make([]byte, 9)
	for i := range buf {
		buf[i] = jobIDAlphabet[rand.Intn(len(jobIDAlphabet))]
	}
	return fmt.Sprintf("%s-%d-%s", sessionID, time.Now().UnixMilli(), buf)
}
