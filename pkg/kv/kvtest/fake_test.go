package kvtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rpasession/pkg/kv"
)

func TestSetIfAbsentAndCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.SetIfAbsent(ctx, "session:lock:s1", "owner-a", time.Minute))
	assert.ErrorIs(t, s.SetIfAbsent(ctx, "session:lock:s1", "owner-b", time.Minute), kv.ErrNotSet)

	ok, err := s.CompareAndDelete(ctx, "session:lock:s1", "owner-b")
	require.NoError(t, err)
	assert.False(t, ok, "deleting with the wrong owner must be a no-op")

	ok, err = s.CompareAndDelete(ctx, "session:lock:s1", "owner-a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(ctx, "session:lock:s1")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestSortedSetOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.SortedSetAdd(ctx, "zs", 30, "c", 0))
	require.NoError(t, s.SortedSetAdd(ctx, "zs", 10, "a", 0))
	require.NoError(t, s.SortedSetAdd(ctx, "zs", 20, "b", 0))

	members, err := s.SortedSetRangeByScore(ctx, "zs", 0, 100, 0)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{members[0].Member, members[1].Member, members[2].Member})

	limited, err := s.SortedSetRangeByScore(ctx, "zs", 0, 100, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, []string{"a", "b"}, []string{limited[0].Member, limited[1].Member}, "limit must keep the lowest-scoring members")
}

func TestBoundedList(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 5; i++ {
		_, err := s.ListPushHead(ctx, "l", string(rune('a'+i)), 0)
		require.NoError(t, err)
	}
	require.NoError(t, s.ListTrim(ctx, "l", 3))
}

func TestPatternSubscribe(t *testing.T) {
	ctx := context.Background()
	s := New()

	received := make(chan kv.Message, 1)
	sub, err := s.PSubscribe(ctx, "session-control:*", func(msg kv.Message) {
		received <- msg
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Publish(ctx, "session-control:s1", "STOP"))

	select {
	case msg := <-received:
		assert.Equal(t, "STOP", msg.Payload)
		assert.Equal(t, "session-control:s1", msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pattern-subscribed message")
	}
}

func TestScanKeysBatching(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 7; i++ {
		require.NoError(t, s.Put(ctx, "session:state:"+string(rune('a'+i)), "x", 0))
	}
	require.NoError(t, s.Put(ctx, "other:key", "x", 0))

	var total int
	require.NoError(t, s.ScanKeys(ctx, "session:state:*", 3, func(keys []string) error {
		total += len(keys)
		return nil
	}))
	assert.Equal(t, 7, total)
}
