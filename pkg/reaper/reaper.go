package reaper

import (
	"context"
	"time"

	"github.com/cuemby/rpasession/pkg/kv"
	"github.com/cuemby/rpasession/pkg/log"
	"github.com/cuemby/rpasession/pkg/metrics"
	"github.com/cuemby/rpasession/pkg/session"
)

// scanBatchSize bounds how many state keys a single ScanKeys callback
// invocation handles, so one sweep never holds the store's cursor open
// over an unbounded result set.
const scanBatchSize = 100

// Terminator is the narrow slice of the Session Registry the Reaper
// needs: reading every session's state and recording its own
// terminations, without taking a dependency on pkg/worker's cleanup path
// (spec.md §4.E: the reaper publishes STOP and marks terminated itself,
// the same owning-the-transition pattern the queue's poison-pill path
// uses — see pkg/queue.StatusSetter).
type Terminator interface {
	State(ctx context.Context, sessionID string) (session.State, error)
	MarkTerminated(ctx context.Context, sessionID string, reason session.TerminationReason) error
}

// Reaper is the Idle Session Reaper (spec.md §4.E): a periodic sweep that
// finds sessions whose last_active_time has exceeded idleTimeout and
// terminates them.
type Reaper struct {
	store       kv.Store
	registry    Terminator
	interval    time.Duration
	idleTimeout time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New creates a Reaper. interval and idleTimeout default to
// session.DefaultReapInterval and session.DefaultIdleTimeout when zero.
func New(store kv.Store, registry Terminator, interval, idleTimeout time.Duration) *Reaper {
	if interval <= 0 {
		interval = session.DefaultReapInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = session.DefaultIdleTimeout
	}
	return &Reaper{
		store:       store,
		registry:    registry,
		interval:    interval,
		idleTimeout: idleTimeout,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (r *Reaper) Start() {
	go r.run()
}

// Stop signals the sweep loop to exit and waits for the current sweep,
// if any, to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger := log.WithComponent("reaper")
	for {
		select {
		case <-ticker.C:
			if err := r.sweep(context.Background()); err != nil {
				logger.Error().Err(err).Msg("sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Sweep runs a single pass synchronously, for the "external scheduled
// job" deployment spec.md §4.E describes as an alternative to the
// in-process ticker loop (e.g. a cron-triggered invocation of
// cmd/rpasession-reaper --once).
func (r *Reaper) Sweep(ctx context.Context) error {
	return r.sweep(ctx)
}

// sweep performs one full pass over every session-state key, terminating
// every session idle past idleTimeout. Sessions already terminated are
// skipped, not re-terminated.
func (r *Reaper) sweep(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReaperSweepDuration)

	logger := log.WithComponent("reaper")
	now := time.Now()

	return r.store.ScanKeys(ctx, session.StatePattern, scanBatchSize, func(keys []string) error {
		for _, key := range keys {
			sessionID := sessionIDFromStateKey(key)
			if sessionID == "" {
				continue
			}
			metrics.ReaperSessionsScanned.Inc()

			st, err := r.registry.State(ctx, sessionID)
			if err != nil {
				logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to read state during sweep")
				continue
			}
			if st.Status == "" || st.Status == session.StatusTerminated {
				continue
			}
			idleFor := now.Sub(time.UnixMilli(st.LastActiveTime))
			if idleFor <= r.idleTimeout {
				continue
			}

			logger.Info().Str("session_id", sessionID).Dur("idle_for", idleFor).Msg("reaping idle session")
			if err := r.store.Publish(ctx, session.SessionControlChannel(sessionID), session.StopCommand); err != nil {
				logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to publish stop for idle session")
				continue
			}
			if err := r.registry.MarkTerminated(ctx, sessionID, session.TerminationIdleTimeout); err != nil {
				logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to mark idle session terminated")
				continue
			}
			metrics.ReaperTerminationsTotal.Inc()
		}
		return nil
	})
}

const stateKeyPrefix = "session:state:"

func sessionIDFromStateKey(key string) string {
	if len(key) <= len(stateKeyPrefix) {
		return ""
	}
	return key[len(stateKeyPrefix):]
}
