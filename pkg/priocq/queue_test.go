package priocq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrictPriority(t *testing.T) {
	q := New(0)
	q.Enqueue(Item{Dest: "a", Class: Bulk, Value: "bulk"})
	q.Enqueue(Item{Dest: "a", Class: Realtime, Value: "rt"})
	q.Enqueue(Item{Dest: "b", Class: Control, Value: "ctl"})

	var got []any
	for q.Len() > 0 {
		it, ok := q.TryDequeue()
		require.True(t, ok)
		got = append(got, it.Value)
	}
	assert.Equal(t, []any{"ctl", "rt", "bulk"}, got)
}

func TestRoundRobinAcrossFlows(t *testing.T) {
	q := New(0)
	for i := 0; i < 3; i++ {
		q.Enqueue(Item{Dest: "a", Class: Realtime, Size: 8192, Value: "a"})
	}
	q.Enqueue(Item{Dest: "b", Class: Realtime, Size: 8192, Value: "b"})

	first, _ := q.TryDequeue()
	second, _ := q.TryDequeue()
	assert.NotEqual(t, first.Value, second.Value)
}

func TestOversizedItemIsServed(t *testing.T) {
	q := New(0)
	q.Enqueue(Item{Dest: "a", Class: Control, Size: 10000, Value: 1})
	it, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, 1, it.Value)
	assert.Equal(t, 0, q.Len())
}

func TestLimitAdmitsControl(t *testing.T) {
	q := New(1)
	require.True(t, q.Enqueue(Item{Dest: "a", Class: Bulk}))
	assert.False(t, q.Enqueue(Item{Dest: "a", Class: Bulk}))
	assert.True(t, q.Enqueue(Item{Dest: "a", Class: Control}))
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(Item{Dest: "x", Value: "late"})
	}()
	it, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", it.Value)
}

func TestDequeueHonoursContext(t *testing.T) {
	q := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucket(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewTokenBucket(100, 100)
	b.now = func() time.Time { return now }
	b.last = now

	ok, _ := b.Allow(100)
	require.True(t, ok)
	ok, wait := b.Allow(50)
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	now = now.Add(time.Second)
	ok, _ = b.Allow(50)
	assert.True(t, ok)
}
