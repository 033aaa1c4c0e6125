package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/rpasession/pkg/events"
	"github.com/cuemby/rpasession/pkg/executor"
	"github.com/cuemby/rpasession/pkg/gateway"
	"github.com/cuemby/rpasession/pkg/kv"
	"github.com/cuemby/rpasession/pkg/log"
	"github.com/cuemby/rpasession/pkg/metrics"
	"github.com/cuemby/rpasession/pkg/queue"
	"github.com/cuemby/rpasession/pkg/registry"
	"github.com/cuemby/rpasession/pkg/session"
)

// ErrLeaseHeld means a session's lease is already owned by another
// manager (possibly this one, under a different announcement). It never
// escapes OnNewSessionAnnouncement — the spec's rule for a lost race is
// to ignore, not to surface an error.
var ErrLeaseHeld = errors.New("worker: session lease already held")

// Config configures a Manager.
type Config struct {
	// ManagerID identifies this host's Worker Manager as the owner value
	// written into every session lease it acquires.
	ManagerID string
	// MaxWorkers bounds how many sessions this manager may claim at once
	// (spec.md §4.D "maxWorkers", default 5).
	MaxWorkers int
	// LeaseTTL is the session lease's TTL (spec.md §3, 30s default).
	LeaseTTL time.Duration
	// PollInterval governs how often an idle worker checks its queue for
	// a new job. The queue is a shared store with no per-worker wakeup
	// channel, so dispatch is poll-based; keep this short relative to
	// step latency so FIFO ordering feels immediate.
	PollInterval time.Duration
	// StopDrainTimeout bounds how long StopWorker waits for an in-flight
	// step to finish before cleaning up anyway.
	StopDrainTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 5
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = session.DefaultLeaseTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.StopDrainTimeout <= 0 {
		c.StopDrainTimeout = 30 * time.Second
	}
}

// workerHandle is the supervised task for one claimed session: an
// explicit mailbox (stop) plus a completion signal (done), rather than
// any ambient event-loop vocabulary. The task ends when stop closes and
// the current dequeue/process cycle observes it.
type workerHandle struct {
	sessionID  string
	stop       chan struct{}
	done       chan struct{}
	createdAt  time.Time
	processing atomic.Bool
}

// Manager is the Worker Manager (spec.md §4.D): one instance per host
// process. It listens for new-session announcements and per-session
// control messages, claims sessions under capacity, drives crash
// recovery, and runs exactly one single-concurrency worker per claimed
// session.
type Manager struct {
	cfg      Config
	store    kv.Store
	registry *registry.Registry
	queue    *queue.Service
	exec     executor.Executor
	notifier gateway.Notifier
	broker   *events.Broker

	mu      sync.Mutex
	workers map[string]*workerHandle

	newSessionsSub kv.Subscription
	controlSub     kv.Subscription
}

// New creates a Manager. notifier may be gateway.NewLoggingNotifier()
// for standalone runs; broker may be nil if lifecycle events are not
// being observed.
func New(cfg Config, store kv.Store, reg *registry.Registry, q *queue.Service, exec executor.Executor, notifier gateway.Notifier, broker *events.Broker) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:      cfg,
		store:    store,
		registry: reg,
		queue:    q,
		exec:     exec,
		notifier: notifier,
		broker:   broker,
		workers:  make(map[string]*workerHandle),
	}
}

// Start installs the announcement and control subscriptions. It returns
// once both are registered; delivery continues in background goroutines
// for the lifetime of the Manager (or until ctx is canceled).
func (m *Manager) Start(ctx context.Context) error {
	sub, err := m.store.Subscribe(ctx, session.NewSessionsChannel, func(msg kv.Message) {
		go m.OnNewSessionAnnouncement(context.Background(), msg.Payload)
	})
	if err != nil {
		return fmt.Errorf("worker: subscribe to %s: %w", session.NewSessionsChannel, err)
	}
	m.newSessionsSub = sub

	psub, err := m.store.PSubscribe(ctx, session.SessionControlPattern, func(msg kv.Message) {
		sessionID := strings.TrimPrefix(msg.Channel, "session-control:")
		go m.OnSessionControl(context.Background(), sessionID, msg.Payload)
	})
	if err != nil {
		return fmt.Errorf("worker: subscribe to %s: %w", session.SessionControlPattern, err)
	}
	m.controlSub = psub

	managerLogger := log.WithManagerID(m.cfg.ManagerID)
	managerLogger.Info().Int("max_workers", m.cfg.MaxWorkers).Msg("worker manager started")
	return nil
}

// OnNewSessionAnnouncement implements spec.md §4.D's four-step claim
// check: over capacity or already-local, ignore; lease race lost,
// ignore; otherwise spawn.
func (m *Manager) OnNewSessionAnnouncement(ctx context.Context, sessionID string) {
	logger := log.WithManagerID(m.cfg.ManagerID)

	m.mu.Lock()
	if _, exists := m.workers[sessionID]; exists {
		m.mu.Unlock()
		return
	}
	if len(m.workers) >= m.cfg.MaxWorkers {
		m.mu.Unlock()
		metrics.LeaseAcquireTotal.WithLabelValues("at_capacity").Inc()
		return
	}
	// Reserve the slot before the network round-trip so two
	// announcements landing on this host back-to-back can't both pass
	// the capacity check above.
	m.workers[sessionID] = &workerHandle{sessionID: sessionID}
	m.mu.Unlock()

	acquired, err := m.acquireLease(ctx, sessionID)
	if err != nil || !acquired {
		m.forgetLocally(sessionID)
		if err != nil && !errors.Is(err, ErrLeaseHeld) {
			logger.Warn().Err(err).Str("session_id", sessionID).Msg("lease acquisition error")
		}
		return
	}

	if err := m.spawnWorker(ctx, sessionID); err != nil {
		logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to spawn worker, releasing lease")
		m.releaseLease(context.Background(), sessionID)
		m.forgetLocally(sessionID)
	}
}

func (m *Manager) forgetLocally(sessionID string) {
	m.mu.Lock()
	delete(m.workers, sessionID)
	m.mu.Unlock()
}

func (m *Manager) acquireLease(ctx context.Context, sessionID string) (bool, error) {
	lockKey := session.NewKeys(sessionID).Lock()
	err := m.store.SetIfAbsent(ctx, lockKey, m.cfg.ManagerID, m.cfg.LeaseTTL)
	if err == nil {
		metrics.LeaseAcquireTotal.WithLabelValues("acquired").Inc()
		return true, nil
	}
	if errors.Is(err, kv.ErrNotSet) {
		metrics.LeaseAcquireTotal.WithLabelValues("lost_race").Inc()
		return false, ErrLeaseHeld
	}
	return false, err
}

// releaseLease is a compare-and-delete against this manager's own id.
// Releasing a lease this manager does not (or no longer) own — because
// the TTL already expired and a successor claimed it — is a no-op by
// construction of CompareAndDelete, never a plain delete.
func (m *Manager) releaseLease(ctx context.Context, sessionID string) {
	lockKey := session.NewKeys(sessionID).Lock()
	if _, err := m.store.CompareAndDelete(ctx, lockKey, m.cfg.ManagerID); err != nil {
		releaseLogger := log.WithManagerID(m.cfg.ManagerID)
		releaseLogger.Warn().Err(err).Str("session_id", sessionID).Msg("lease release failed")
	}
}

// spawnWorker performs the recovery check, then starts the supervised
// task that drains sessionID's queue.
func (m *Manager) spawnWorker(ctx context.Context, sessionID string) error {
	if err := m.recover(ctx, sessionID); err != nil {
		return fmt.Errorf("recovery replay: %w", err)
	}

	handle := &workerHandle{
		sessionID: sessionID,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	m.mu.Lock()
	m.workers[sessionID] = handle
	count := len(m.workers)
	m.mu.Unlock()

	metrics.ActiveWorkers.Set(float64(count))
	metrics.LeasesHeld.Set(float64(count))
	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventLeaseAcquired, SessionID: sessionID, Message: m.cfg.ManagerID})
	}

	go m.runWorker(handle)
	spawnLogger := log.WithSessionID(sessionID)
	spawnLogger.Info().Str("manager_id", m.cfg.ManagerID).Msg("worker spawned")
	return nil
}

// recover replays history (if any) against the executor before a
// session is allowed to resume draining new jobs (spec.md §4.D step 1).
// Replay is invoked unconditionally on non-empty history, even on a
// clean first claim, because the source never distinguishes a fresh
// claim from a post-crash one (spec.md §9 "Duplicate replay tolerance").
func (m *Manager) recover(ctx context.Context, sessionID string) error {
	history, err := m.registry.History(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(history) == 0 {
		return m.registry.UpdateStatus(ctx, sessionID, session.StatusActive, "")
	}

	logger := log.WithSessionID(sessionID)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RecoveryDuration)

	// Defensive: the store should already return history ascending by
	// score, but recovery correctness depends on order, so sort again.
	sort.Slice(history, func(i, j int) bool { return history[i].Timestamp < history[j].Timestamp })

	if err := m.registry.UpdateStatus(ctx, sessionID, session.StatusRecovering, ""); err != nil {
		return fmt.Errorf("mark recovering: %w", err)
	}
	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventSessionRecovering, SessionID: sessionID, Message: fmt.Sprintf("%d steps", len(history))})
	}

	for i, step := range history {
		logger.Info().Int("step", i+1).Int("total", len(history)).Str("action", step.Action).Msg("replaying recovered step")
		if err := m.exec.Recover(ctx, sessionID, step); err != nil {
			return fmt.Errorf("replay step %s: %w", step.ID, err)
		}
		metrics.RecoveryReplayedStepsTotal.Inc()
	}

	if err := m.registry.UpdateStatus(ctx, sessionID, session.StatusActive, ""); err != nil {
		return fmt.Errorf("mark active: %w", err)
	}
	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventSessionActive, SessionID: sessionID})
	}
	return nil
}

// maxConsecutiveDequeueErrors bounds how many dequeue failures in a row
// a worker tolerates before treating itself as fatally broken (spec.md
// §4.D's "error(err) — treat as fatal for this worker: invoke
// StopWorker(sessionId)") and relinquishing the session instead of
// spinning against a store it can no longer usefully reach.
const maxConsecutiveDequeueErrors = 5

// runWorker is the supervised task loop: poll the queue, process
// whatever comes back, repeat, until stop closes. The stop check is
// re-examined immediately before each dequeue so a STOP arriving while
// idle cannot pick up one more job than the spec allows.
func (m *Manager) runWorker(h *workerHandle) {
	defer close(h.done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var consecutiveErrors int

	for {
		select {
		case <-h.stop:
			return
		default:
		}

		select {
		case <-h.stop:
			return
		case <-ticker.C:
			select {
			case <-h.stop:
				return
			default:
			}

			job, err := m.queue.Dequeue(context.Background(), h.sessionID)
			if err != nil {
				consecutiveErrors++
				dequeueLogger := log.WithSessionID(h.sessionID)
				dequeueLogger.Warn().Err(err).Int("consecutive_errors", consecutiveErrors).Msg("dequeue failed")
				if consecutiveErrors >= maxConsecutiveDequeueErrors {
					m.failWorker(h, err)
					return
				}
				continue
			}
			consecutiveErrors = 0
			if job == nil {
				continue
			}

			h.processing.Store(true)
			m.processStep(h.sessionID, job)
			h.processing.Store(false)
		}
	}
}

// failWorker implements spec.md §4.D's fatal-error escalation: a worker
// that cannot reach the store to dequeue is no better than one that lost
// its lease outright, so it relinquishes the session rather than retry
// forever. StopWorker runs in its own goroutine because it waits on
// h.done, which this call's caller (runWorker) only closes on return.
func (m *Manager) failWorker(h *workerHandle, cause error) {
	logger := log.WithSessionID(h.sessionID)
	logger.Error().Err(cause).Msg("worker failed irrecoverably, relinquishing session")
	metrics.LeaseLostTotal.Inc()
	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventLeaseLost, SessionID: h.sessionID, Message: cause.Error()})
	}
	go m.StopWorker(context.Background(), h.sessionID)
}

// processStep is the worker callback (spec.md §4.D "ProcessStep"). A
// successful execution is logged to history and, if a connection is
// still bound, relayed to the gateway. A failed execution records the
// session's error state and hands the job back to the queue for
// retry/backoff or poison-pill escalation — it never retries itself.
func (m *Manager) processStep(sessionID string, job *session.Job) {
	ctx := context.Background()
	logger := log.WithJobID(job.ID)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.JobProcessingDuration)

	_, err := m.exec.Execute(ctx, sessionID, job.Step)
	if err != nil {
		metrics.JobsProcessedTotal.WithLabelValues("failed").Inc()
		if uerr := m.registry.UpdateStatus(ctx, sessionID, session.StatusError, err.Error()); uerr != nil {
			logger.Warn().Err(uerr).Msg("failed to record execution error status")
		}
		if ferr := m.queue.Fail(ctx, sessionID, job.ID, err); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to record job failure")
		}
		if m.broker != nil {
			m.broker.Publish(&events.Event{Type: events.EventJobFailed, SessionID: sessionID, Message: job.ID})
		}
		return
	}

	completed := session.Step{
		ID:        job.ID,
		Action:    job.Step.Action,
		Data:      job.Step.Data,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := m.registry.LogStepCompletion(ctx, sessionID, completed); err != nil {
		logger.Error().Err(err).Msg("failed to log step completion")
		return
	}
	if err := m.queue.Complete(ctx, sessionID, job.ID); err != nil {
		logger.Error().Err(err).Msg("failed to mark job complete")
	}
	metrics.JobsProcessedTotal.WithLabelValues("completed").Inc()
	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventJobCompleted, SessionID: sessionID, Message: job.ID})
	}

	st, err := m.registry.State(ctx, sessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read session state for gateway notification")
		return
	}
	if err := m.notifier.NotifyStepCompleted(ctx, st.ConnectionID, sessionID, completed); err != nil {
		logger.Warn().Err(err).Msg("gateway notification failed")
	}
}

// OnSessionControl dispatches a control-channel payload. Only STOP is
// currently defined; anything else is reserved and ignored.
func (m *Manager) OnSessionControl(ctx context.Context, sessionID, msg string) {
	if msg != session.StopCommand {
		return
	}
	m.StopWorker(ctx, sessionID)
}

// StopWorker implements spec.md §4.D's cleanup sequence. Order matters:
// queue cleanup must precede lease release so a re-announcement arriving
// immediately after release can never find stale queue state under a
// new owner.
func (m *Manager) StopWorker(ctx context.Context, sessionID string) {
	m.mu.Lock()
	h, ok := m.workers[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	logger := log.WithSessionID(sessionID)

	if h.stop != nil {
		closeOnce(h.stop)
		select {
		case <-h.done:
		case <-time.After(m.cfg.StopDrainTimeout):
			logger.Warn().Msg("timed out waiting for in-flight step to finish")
		}
	}

	if err := m.queue.Cleanup(ctx, sessionID); err != nil {
		logger.Error().Err(err).Msg("queue cleanup failed")
	}
	if err := m.registry.Cleanup(ctx, sessionID); err != nil {
		logger.Error().Err(err).Msg("registry cleanup failed")
	}
	m.releaseLease(ctx, sessionID)

	m.mu.Lock()
	delete(m.workers, sessionID)
	count := len(m.workers)
	m.mu.Unlock()
	metrics.ActiveWorkers.Set(float64(count))
	metrics.LeasesHeld.Set(float64(count))

	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventSessionTerminated, SessionID: sessionID})
	}
	logger.Info().Msg("worker stopped")
}

// closeOnce guards against StopWorker being invoked twice concurrently
// for the same handle (e.g. a duplicate STOP delivery racing an idle
// reap) by recovering from the "close of closed channel" panic; the
// second caller just proceeds to the (idempotent) cleanup steps.
func closeOnce(ch chan struct{}) {
	defer func() { _ = recover() }()
	close(ch)
}

// Shutdown stops every locally-held worker and tears down the pub/sub
// subscriptions. ctx is checked between workers: once it is done,
// Shutdown returns ctx.Err() without stopping the remaining workers or
// closing the subscriptions; a single StopWorker call is bounded by
// StopDrainTimeout, not by ctx. This is what a host process
// calls on SIGINT/SIGTERM so leases are released promptly and
// announcements resume being served by the rest of the fleet.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		m.StopWorker(ctx, id)
	}

	if m.newSessionsSub != nil {
		_ = m.newSessionsSub.Close()
	}
	if m.controlSub != nil {
		_ = m.controlSub.Close()
	}
	return nil
}

// ActiveSessions returns the sessionIds this manager currently holds a
// worker for, primarily for tests and introspection.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	return ids
}

// IsProcessing reports whether sessionID's worker is mid-step, mostly
// useful to tests asserting STOP waits for in-flight work.
func (m *Manager) IsProcessing(sessionID string) bool {
	m.mu.Lock()
	h, ok := m.workers[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return h.processing.Load()
}
