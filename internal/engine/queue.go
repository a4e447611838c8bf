package engine

import "sync"

// firingQueue is a thread-safe FIFO queue of pending firings for one rule.
//
// Fire enqueues from any goroutine; the rule's executor goroutine is the
// only consumer. The queue uses a channel for signaling so the executor
// can wait on it together with the engine's context.
type firingQueue struct {
	mu      sync.Mutex
	firings []*Firing
	closed  bool
	signal  chan struct{} // Signals firing availability (buffered, size 1)
}

// newFiringQueue creates an empty firing queue.
func newFiringQueue() *firingQueue {
	return &firingQueue{
		firings: make([]*Firing, 0, 16),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds a firing to the back of the queue.
// Returns false if the queue is closed.
func (q *firingQueue) Enqueue(f *Firing) bool {
	_, ok := q.EnqueueLimit(f, 0)
	return ok
}

// EnqueueLimit is Enqueue with a bound on pending firings; limit <= 0
// means unbounded. On refusal it returns the pending count that hit the
// bound, or -1 when the queue is closed.
func (q *firingQueue) EnqueueLimit(f *Firing, limit int) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return -1, false
	}
	if limit > 0 && len(q.firings) >= limit {
		return len(q.firings), false
	}

	q.firings = append(q.firings, f)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return len(q.firings), true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (nil, false) if the queue is empty.
func (q *firingQueue) TryDequeue() (*Firing, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.firings) == 0 {
		return nil, false
	}

	f := q.firings[0]

	// Nil out the slot so the backing array does not retain completed firings.
	q.firings[0] = nil

	if len(q.firings) == 1 {
		q.firings = q.firings[:0]
	} else {
		q.firings = q.firings[1:]
	}

	return f, true
}

// Drain removes and returns every pending firing.
func (q *firingQueue) Drain() []*Firing {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Firing, len(q.firings))
	copy(out, q.firings)
	for i := range q.firings {
		q.firings[i] = nil
	}
	q.firings = q.firings[:0]
	return out
}

// Wait returns a channel that signals when firings may be available.
// The channel is closed when the queue is closed.
func (q *firingQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *firingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.firings)
}

// Closed reports whether Close has been called.
func (q *firingQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more firings will be enqueued.
// Wakes the executor by closing the signal channel.
func (q *firingQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
