package reaper

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rpasession/pkg/kv"
	"github.com/cuemby/rpasession/pkg/kv/kvtest"
	"github.com/cuemby/rpasession/pkg/registry"
	"github.com/cuemby/rpasession/pkg/session"
)

func TestSweepTerminatesOnlyIdleSessions(t *testing.T) {
	store := kvtest.New()
	reg := registry.New(store, time.Hour)
	ctx := context.Background()

	require.NoError(t, reg.CreateOrTouch(ctx, "idle-1", "conn-1"))
	require.NoError(t, reg.UpdateStatus(ctx, "idle-1", session.StatusActive, ""))
	backdateLastActive(t, store, "idle-1", time.Now().Add(-time.Hour))

	require.NoError(t, reg.CreateOrTouch(ctx, "fresh-1", "conn-2"))
	require.NoError(t, reg.UpdateStatus(ctx, "fresh-1", session.StatusActive, ""))

	var stopped []string
	_, err := store.PSubscribe(ctx, session.SessionControlPattern, func(msg kv.Message) {
		if msg.Payload == session.StopCommand {
			stopped = append(stopped, msg.Channel)
		}
	})
	require.NoError(t, err)

	r := New(store, reg, time.Minute, 10*time.Minute)
	require.NoError(t, r.sweep(ctx))

	assert.Equal(t, []string{session.SessionControlChannel("idle-1")}, stopped)

	idleState, err := reg.State(ctx, "idle-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusTerminated, idleState.Status)
	assert.Equal(t, session.TerminationIdleTimeout, idleState.TerminationReason)

	freshState, err := reg.State(ctx, "fresh-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, freshState.Status)
}

func TestSweepSkipsAlreadyTerminatedSessions(t *testing.T) {
	store := kvtest.New()
	reg := registry.New(store, time.Hour)
	ctx := context.Background()

	require.NoError(t, reg.CreateOrTouch(ctx, "s1", "conn-1"))
	require.NoError(t, reg.MarkTerminated(ctx, "s1", session.TerminationClientClosed))
	backdateLastActive(t, store, "s1", time.Now().Add(-time.Hour))

	var stopCount int
	_, err := store.PSubscribe(ctx, session.SessionControlPattern, func(msg kv.Message) {
		stopCount++
	})
	require.NoError(t, err)

	r := New(store, reg, time.Minute, time.Minute)
	require.NoError(t, r.sweep(ctx))

	assert.Zero(t, stopCount, "an already-terminated session must not be re-stopped")

	st, err := reg.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.TerminationClientClosed, st.TerminationReason, "must not overwrite the original termination reason")
}

func TestStartAndStop(t *testing.T) {
	store := kvtest.New()
	reg := registry.New(store, time.Hour)
	r := New(store, reg, 5*time.Millisecond, time.Minute)
	r.Start()
	time.Sleep(20 * time.Millisecond)
	r.Stop()
}

func backdateLastActive(t *testing.T, store *kvtest.Store, sessionID string, when time.Time) {
	t.Helper()
	keys := session.NewKeys(sessionID)
	err := store.HashWrite(context.Background(), keys.State(), map[string]string{
		"last_active_time": strconv.FormatInt(when.UnixMilli(), 10),
	}, time.Hour)
	require.NoError(t, err)
}
