package memory

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPop(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "q", "a", 0))
	require.NoError(t, q.Push(ctx, "q", "b", 0))

	ids, err := q.Pop(ctx, "q", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestPop_CountBound(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(ctx, "q", id, 0))
	}

	ids, err := q.Pop(ctx, "q", 2, 0)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	ids, err = q.Pop(ctx, "q", 2, 0)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestPop_EmptyTimesOut(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()

	start := time.Now()
	ids, err := q.Pop(context.Background(), "q", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPop_QueuesAreIndependent(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "one", "a", 0))

	ids, err := q.Pop(ctx, "two", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDelayedVisibility(t *testing.T) {
	mock := clock.NewMock()
	q := NewMemoryQueue(time.Minute, WithClock(mock))
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "q", "a", 30*time.Second))

	ids, err := q.Pop(ctx, "q", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)

	mock.Add(31 * time.Second)

	ids, err = q.Pop(ctx, "q", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestLeaseExpiryRedelivers(t *testing.T) {
	mock := clock.NewMock()
	q := NewMemoryQueue(time.Minute, WithClock(mock))
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "q", "a", 0))

	ids, err := q.Pop(ctx, "q", 1, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)

	// Leased, so invisible until the lease expires.
	ids, err = q.Pop(ctx, "q", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)

	mock.Add(61 * time.Second)

	ids, err = q.Pop(ctx, "q", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestAck(t *testing.T) {
	mock := clock.NewMock()
	q := NewMemoryQueue(time.Minute, WithClock(mock))
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "q", "a", 0))

	_, err := q.Pop(ctx, "q", 1, 0)
	require.NoError(t, err)

	acked, err := q.Ack(ctx, "q", "a")
	require.NoError(t, err)
	assert.True(t, acked)

	// Acking twice reports the lost lease.
	acked, err = q.Ack(ctx, "q", "a")
	require.NoError(t, err)
	assert.False(t, acked)

	// The entry is gone for good.
	mock.Add(2 * time.Minute)
	ids, err := q.Pop(ctx, "q", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAck_AfterLeaseExpiry(t *testing.T) {
	mock := clock.NewMock()
	q := NewMemoryQueue(time.Minute, WithClock(mock))
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "q", "a", 0))

	_, err := q.Pop(ctx, "q", 1, 0)
	require.NoError(t, err)

	// The lease expired and the entry was redelivered to a second consumer;
	// that consumer's ack settles it.
	mock.Add(2 * time.Minute)
	ids, err := q.Pop(ctx, "q", 1, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)

	acked, err := q.Ack(ctx, "q", "a")
	require.NoError(t, err)
	assert.True(t, acked)

	ids, err = q.Pop(ctx, "q", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRemove(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "q", "a", 0))
	require.NoError(t, q.Push(ctx, "q", "b", 0))

	require.NoError(t, q.Remove(ctx, "q", "a"))

	ids, err := q.Pop(ctx, "q", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestRemove_LeasedEntry(t *testing.T) {
	mock := clock.NewMock()
	q := NewMemoryQueue(time.Minute, WithClock(mock))
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "q", "a", 0))

	_, err := q.Pop(ctx, "q", 1, 0)
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, "q", "a"))

	// Not redelivered after the would-be lease expiry.
	mock.Add(2 * time.Minute)
	ids, err := q.Pop(ctx, "q", 1, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPop_WokenByPush(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()
	ctx := context.Background()

	done := make(chan []string, 1)

	go func() {
		ids, _ := q.Pop(ctx, "q", 1, 5*time.Second)
		done <- ids
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(ctx, "q", "a", 0))

	select {
	case ids := <-done:
		assert.Equal(t, []string{"a"}, ids)
	case <-time.After(time.Second):
		t.Fatal("pop was not woken by push")
	}
}
