package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queued(id string) *Firing {
	return newFiring(id, "r1", "t1", 0, nil, time.Time{})
}

func TestFiringQueue_EnqueueDequeue(t *testing.T) {
	q := newFiringQueue()

	ok := q.Enqueue(queued("f-1"))
	require.True(t, ok, "enqueue should succeed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "dequeue should succeed")
	assert.Equal(t, "f-1", got.ID)
}

func TestFiringQueue_FIFO(t *testing.T) {
	q := newFiringQueue()

	for _, id := range []string{"A", "B", "C"} {
		q.Enqueue(queued(id))
	}

	for _, want := range []string{"A", "B", "C"} {
		f, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, f.ID)
	}
}

func TestFiringQueue_TryDequeue_Empty(t *testing.T) {
	q := newFiringQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestFiringQueue_WaitSignals(t *testing.T) {
	q := newFiringQueue()

	done := make(chan *Firing)
	go func() {
		<-q.Wait()
		f, _ := q.TryDequeue()
		done <- f
	}()

	q.Enqueue(queued("f-wait"))

	select {
	case f := <-done:
		require.NotNil(t, f)
		assert.Equal(t, "f-wait", f.ID)
	case <-time.After(time.Second):
		t.Fatal("waiter was not signalled")
	}
}

func TestFiringQueue_Close(t *testing.T) {
	q := newFiringQueue()
	q.Enqueue(queued("f-1"))

	q.Close()
	q.Close() // idempotent

	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(queued("f-2")), "enqueue after close should fail")

	// Already queued firings survive Close so they can be dropped explicitly.
	f, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "f-1", f.ID)

	select {
	case _, open := <-q.Wait():
		assert.False(t, open, "signal channel should be closed")
	default:
		t.Fatal("Wait should not block after Close")
	}
}

func TestFiringQueue_EnqueueLimit(t *testing.T) {
	q := newFiringQueue()

	n, ok := q.EnqueueLimit(queued("a"), 2)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
	n, ok = q.EnqueueLimit(queued("b"), 2)
	assert.True(t, ok)
	assert.Equal(t, 2, n)

	n, ok = q.EnqueueLimit(queued("c"), 2)
	assert.False(t, ok)
	assert.Equal(t, 2, n, "refusal reports the pending count")

	q.Close()
	n, ok = q.EnqueueLimit(queued("d"), 2)
	assert.False(t, ok)
	assert.Equal(t, -1, n)
}

func TestFiringQueue_Drain(t *testing.T) {
	q := newFiringQueue()
	for i := range 3 {
		q.Enqueue(queued(fmt.Sprintf("f-%d", i)))
	}

	out := q.Drain()
	require.Len(t, out, 3)
	assert.Equal(t, "f-0", out[0].ID)
	assert.Equal(t, 0, q.Len())
}

func TestFiringQueue_ConcurrentEnqueue(t *testing.T) {
	q := newFiringQueue()
	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				q.Enqueue(queued(fmt.Sprintf("p%d-%d", p, i)))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, q.Len())

	// Each producer's firings keep their relative order.
	last := make(map[string]int)
	for {
		f, ok := q.TryDequeue()
		if !ok {
			break
		}
		var p, i int
		_, err := fmt.Sscanf(f.ID, "p%d-%d", &p, &i)
		require.NoError(t, err)
		key := fmt.Sprint(p)
		if prev, seen := last[key]; seen {
			assert.Greater(t, i, prev)
		}
		last[key] = i
	}
}
