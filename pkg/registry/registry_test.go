package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rpasession/pkg/kv/kvtest"
	"github.com/cuemby/rpasession/pkg/session"
)

func TestCreateOrTouchThenUpdateStatus(t *testing.T) {
	ctx := context.Background()
	r := New(kvtest.New(), time.Minute)

	require.NoError(t, r.CreateOrTouch(ctx, "s1", "conn-1"))
	st, err := r.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusConnected, st.Status)
	assert.Equal(t, "conn-1", st.ConnectionID)

	require.NoError(t, r.UpdateStatus(ctx, "s1", session.StatusActive, ""))
	st, err = r.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, st.Status)

	active, err := r.IsActive(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestCreateOrTouchDoesNotRegressStatus(t *testing.T) {
	ctx := context.Background()
	r := New(kvtest.New(), time.Minute)

	require.NoError(t, r.CreateOrTouch(ctx, "s1", "conn-1"))
	require.NoError(t, r.UpdateStatus(ctx, "s1", session.StatusActive, ""))

	require.NoError(t, r.CreateOrTouch(ctx, "s1", "conn-2"))
	st, err := r.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, st.Status, "a reconnect must not regress status back to connected")
	assert.Equal(t, "conn-2", st.ConnectionID)
}

func TestLogStepCompletionTracksTotalStepsAndHistory(t *testing.T) {
	ctx := context.Background()
	r := New(kvtest.New(), time.Minute)
	require.NoError(t, r.CreateOrTouch(ctx, "s1", "conn-1"))

	step1 := session.Step{ID: "j1", Action: "click", Data: "{}", Timestamp: 100}
	step2 := session.Step{ID: "j2", Action: "type", Data: "{}", Timestamp: 200}

	require.NoError(t, r.LogStepCompletion(ctx, "s1", step1))
	require.NoError(t, r.LogStepCompletion(ctx, "s1", step2))

	st, err := r.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalSteps)

	history, err := r.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "j1", history[0].ID)
	assert.Equal(t, "j2", history[1].ID)
}

func TestLogStepCompletionReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := New(kvtest.New(), time.Minute)
	require.NoError(t, r.CreateOrTouch(ctx, "s1", "conn-1"))

	step := session.Step{ID: "j1", Action: "click", Data: "{}", Timestamp: 100}
	require.NoError(t, r.LogStepCompletion(ctx, "s1", step))
	require.NoError(t, r.LogStepCompletion(ctx, "s1", step))

	st, err := r.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalSteps, "replaying the same step must not double-count")
}

func TestMarkTerminatedAndCleanup(t *testing.T) {
	ctx := context.Background()
	r := New(kvtest.New(), time.Minute)
	require.NoError(t, r.CreateOrTouch(ctx, "s1", "conn-1"))
	require.NoError(t, r.LogStepCompletion(ctx, "s1", session.Step{ID: "j1", Timestamp: 1}))

	require.NoError(t, r.MarkTerminated(ctx, "s1", session.TerminationIdleTimeout))
	st, err := r.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusTerminated, st.Status)
	assert.Equal(t, session.TerminationIdleTimeout, st.TerminationReason)

	require.NoError(t, r.Cleanup(ctx, "s1"))
	st, err = r.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.State{}, st, "cleanup must remove all registry-owned keys")
}

func TestListActive(t *testing.T) {
	ctx := context.Background()
	r := New(kvtest.New(), time.Minute)
	require.NoError(t, r.CreateOrTouch(ctx, "s1", "conn-1"))
	require.NoError(t, r.CreateOrTouch(ctx, "s2", "conn-2"))

	ids, err := r.ListActive(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
}
