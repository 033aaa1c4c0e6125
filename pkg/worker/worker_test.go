package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rpasession/pkg/events"
	"github.com/cuemby/rpasession/pkg/executor"
	"github.com/cuemby/rpasession/pkg/gateway"
	"github.com/cuemby/rpasession/pkg/kv"
	"github.com/cuemby/rpasession/pkg/kv/kvtest"
	"github.com/cuemby/rpasession/pkg/queue"
	"github.com/cuemby/rpasession/pkg/registry"
	"github.com/cuemby/rpasession/pkg/session"
)

// recordingNotifier captures every completion notification for
// assertions, standing in for the out-of-scope socket gateway.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []session.Step
}

func newRecordingNotifier() *recordingNotifier { return &recordingNotifier{} }

func (n *recordingNotifier) NotifyStepCompleted(ctx context.Context, connectionID, sessionID string, step session.Step) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, step)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func actionsOf(steps []session.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Action
	}
	return out
}

func testManager(t *testing.T, managerID string, maxWorkers int, notifier gateway.Notifier) (*Manager, *registry.Registry, *queue.Service, *executor.Fake, kv.Store) {
	t.Helper()
	store := kvtest.New()
	reg := registry.New(store, time.Minute)
	q := queue.New(store, nil, reg, time.Minute)
	exec := executor.NewFake()
	if notifier == nil {
		notifier = gateway.NewLoggingNotifier()
	}
	mgr := New(Config{
		ManagerID:        managerID,
		MaxWorkers:       maxWorkers,
		PollInterval:     5 * time.Millisecond,
		StopDrainTimeout: time.Second,
	}, store, reg, q, exec, notifier, nil)
	return mgr, reg, q, exec, store
}

func TestHappyPathExecutesStepsInOrderAndNotifies(t *testing.T) {
	notifier := newRecordingNotifier()
	mgr, reg, q, _, _ := testManager(t, "m1", 5, notifier)
	ctx := context.Background()

	require.NoError(t, reg.CreateOrTouch(ctx, "s1", "conn-1"))
	mgr.OnNewSessionAnnouncement(ctx, "s1")
	require.Eventually(t, func() bool { return len(mgr.ActiveSessions()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := q.Enqueue(ctx, "s1", session.Step{Action: "navigate", Data: "https://example.com"}, session.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "s1", session.Step{Action: "click", Data: "#b"}, session.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "s1", session.Step{Action: "type", Data: "hi"}, session.EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h, _ := reg.History(ctx, "s1")
		return len(h) == 3
	}, 2*time.Second, 10*time.Millisecond)

	history, err := reg.History(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"navigate", "click", "type"}, actionsOf(history))
	assert.Equal(t, 3, notifier.count())
}

func TestCrashRecoveryReplaysHistoryThenDrainsRemainder(t *testing.T) {
	mgr, reg, q, exec, _ := testManager(t, "m2", 5, nil)
	ctx := context.Background()

	// Simulate a prior owner that completed 2 of 3 steps before crashing:
	// history already has 2 entries, the 3rd step is still queued.
	require.NoError(t, reg.CreateOrTouch(ctx, "s1", "conn-1"))
	require.NoError(t, reg.LogStepCompletion(ctx, "s1", session.Step{ID: "j1", Action: "navigate", Data: "https://example.com", Timestamp: 100}))
	require.NoError(t, reg.LogStepCompletion(ctx, "s1", session.Step{ID: "j2", Action: "click", Data: "#b", Timestamp: 200}))
	_, err := q.Enqueue(ctx, "s1", session.Step{Action: "type", Data: "hi"}, session.EnqueueOptions{})
	require.NoError(t, err)

	mgr.OnNewSessionAnnouncement(ctx, "s1")

	require.Eventually(t, func() bool {
		h, _ := reg.History(ctx, "s1")
		return len(h) == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"navigate", "click"}, actionsOf(exec.Recovered()))
	assert.Equal(t, []string{"type"}, actionsOf(exec.Executed()))
}

func TestCapacityIgnoresAnnouncementOverMax(t *testing.T) {
	mgr, _, _, _, store := testManager(t, "m1", 1, nil)
	ctx := context.Background()

	mgr.OnNewSessionAnnouncement(ctx, "s1")
	require.Eventually(t, func() bool { return len(mgr.ActiveSessions()) == 1 }, time.Second, 5*time.Millisecond)

	mgr.OnNewSessionAnnouncement(ctx, "s2")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"s1"}, mgr.ActiveSessions())
	_, err := store.Get(ctx, session.NewKeys("s2").Lock())
	assert.ErrorIs(t, err, kv.ErrNotFound, "a host at capacity must never acquire a lease for an ignored announcement")
}

func TestConcurrentClaimOnlyOneManagerWins(t *testing.T) {
	store := kvtest.New()
	reg := registry.New(store, time.Minute)
	q := queue.New(store, nil, reg, time.Minute)
	mgr1 := New(Config{ManagerID: "m1", PollInterval: 5 * time.Millisecond}, store, reg, q, executor.NewFake(), gateway.NewLoggingNotifier(), nil)
	mgr2 := New(Config{ManagerID: "m2", PollInterval: 5 * time.Millisecond}, store, reg, q, executor.NewFake(), gateway.NewLoggingNotifier(), nil)

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); mgr1.OnNewSessionAnnouncement(ctx, "s3") }()
	go func() { defer wg.Done(); mgr2.OnNewSessionAnnouncement(ctx, "s3") }()
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(mgr1.ActiveSessions())+len(mgr2.ActiveSessions()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPoisonPillPublishesStopAndMarksFailed(t *testing.T) {
	store := kvtest.New()
	reg := registry.New(store, time.Minute)
	q := queue.New(store, nil, reg, time.Minute)
	exec := executor.NewFake()
	exec.FailAction = "boom"

	var stopped atomic.Bool
	_, err := store.Subscribe(context.Background(), session.SessionControlChannel("s1"), func(msg kv.Message) {
		if msg.Payload == session.StopCommand {
			stopped.Store(true)
		}
	})
	require.NoError(t, err)

	mgr := New(Config{ManagerID: "m1", PollInterval: 5 * time.Millisecond, StopDrainTimeout: time.Second}, store, reg, q, exec, gateway.NewLoggingNotifier(), nil)
	ctx := context.Background()
	require.NoError(t, reg.CreateOrTouch(ctx, "s1", "conn-1"))
	mgr.OnNewSessionAnnouncement(ctx, "s1")
	require.Eventually(t, func() bool { return len(mgr.ActiveSessions()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = q.Enqueue(ctx, "s1", session.Step{Action: "boom"}, session.EnqueueOptions{
		Attempts: 3,
		Backoff:  session.BackoffOptions{Delay: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return stopped.Load() }, 2*time.Second, 10*time.Millisecond)

	st, err := reg.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, st.Status)

	mgr.StopWorker(ctx, "s1")
}

func TestStopWorkerReleasesLeaseAndClearsRegistryState(t *testing.T) {
	mgr, reg, _, _, store := testManager(t, "m1", 5, nil)
	ctx := context.Background()

	require.NoError(t, reg.CreateOrTouch(ctx, "s1", "conn-1"))
	mgr.OnNewSessionAnnouncement(ctx, "s1")
	require.Eventually(t, func() bool { return len(mgr.ActiveSessions()) == 1 }, time.Second, 5*time.Millisecond)

	mgr.OnSessionControl(ctx, "s1", session.StopCommand)

	assert.Empty(t, mgr.ActiveSessions())
	_, err := store.Get(ctx, session.NewKeys("s1").Lock())
	assert.ErrorIs(t, err, kv.ErrNotFound, "lease must be released")
	st, err := reg.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.State{}, st, "registry state must be cleaned up")
}

func TestOnSessionControlIgnoresUnknownPayload(t *testing.T) {
	mgr, _, _, _, _ := testManager(t, "m1", 5, nil)
	ctx := context.Background()
	mgr.OnNewSessionAnnouncement(ctx, "s1")
	require.Eventually(t, func() bool { return len(mgr.ActiveSessions()) == 1 }, time.Second, 5*time.Millisecond)

	mgr.OnSessionControl(ctx, "s1", "PAUSE")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"s1"}, mgr.ActiveSessions(), "a reserved/unknown control payload must not stop the worker")

	mgr.StopWorker(ctx, "s1")
}

func TestEventsBrokerIsNotifiedOfLifecycle(t *testing.T) {
	store := kvtest.New()
	reg := registry.New(store, time.Minute)
	q := queue.New(store, nil, reg, time.Minute)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	mgr := New(Config{ManagerID: "m1", PollInterval: 5 * time.Millisecond, StopDrainTimeout: time.Second}, store, reg, q, executor.NewFake(), gateway.NewLoggingNotifier(), broker)
	ctx := context.Background()
	mgr.OnNewSessionAnnouncement(ctx, "s1")

	require.Eventually(t, func() bool { return len(mgr.ActiveSessions()) == 1 }, time.Second, 5*time.Millisecond)

	var sawLeaseAcquired bool
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case evt := <-sub:
			if evt.Type == events.EventLeaseAcquired && evt.SessionID == "s1" {
				sawLeaseAcquired = true
				break drain
			}
		case <-deadline:
			break drain
		}
	}
	assert.True(t, sawLeaseAcquired)

	mgr.StopWorker(ctx, "s1")
}

// alwaysFailsRangeStore wraps a working store but makes
// SortedSetRangeByScore always fail, standing in for a host that has
// lost effective reach to the backing store: queue.Dequeue calls this on
// every poll, so every dequeue attempt fails the same way a lease-loss
// scenario would.
type alwaysFailsRangeStore struct {
	kv.Store
}

func (s *alwaysFailsRangeStore) SortedSetRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]kv.ScoredMember, error) {
	return nil, errors.New("store unreachable")
}

func TestWorkerRelinquishesSessionAfterPersistentDequeueErrors(t *testing.T) {
	store := kvtest.New()
	reg := registry.New(store, time.Minute)
	q := queue.New(&alwaysFailsRangeStore{Store: store}, nil, reg, time.Minute)
	mgr := New(Config{ManagerID: "m1", PollInterval: 5 * time.Millisecond, StopDrainTimeout: time.Second}, store, reg, q, executor.NewFake(), gateway.NewLoggingNotifier(), nil)
	ctx := context.Background()

	require.NoError(t, reg.CreateOrTouch(ctx, "s1", "conn-1"))
	mgr.OnNewSessionAnnouncement(ctx, "s1")
	require.Eventually(t, func() bool { return len(mgr.ActiveSessions()) == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(mgr.ActiveSessions()) == 0 }, 2*time.Second, 10*time.Millisecond,
		"a worker that can never dequeue must relinquish its session rather than spin forever")

	_, err := store.Get(ctx, session.NewKeys("s1").Lock())
	assert.ErrorIs(t, err, kv.ErrNotFound, "lease must be released once the worker gives up")
}
