package writer

import (
	"sync"
)

// Queue is a thread-safe FIFO that doubles its capacity when full, up to a
// hard maximum. Pushes beyond the maximum are dropped and counted.
type Queue[T any] struct {
	mu          sync.Mutex
	buf         []T
	head        int // read position
	tail        int // write position
	count       int
	maxCapacity int
	closed      bool

	// Signalled (without blocking) after each successful push
	ready chan struct{}

	// Stats
	pushed      int64
	drained     int64
	dropped     int64
	resizeCount int
}

// NewQueue creates a queue that starts at initialCapacity and grows up to
// maxCapacity.
func NewQueue[T any](initialCapacity, maxCapacity int) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if maxCapacity < initialCapacity {
		maxCapacity = initialCapacity
	}
	return &Queue[T]{
		buf:         make([]T, initialCapacity),
		maxCapacity: maxCapacity,
		ready:       make(chan struct{}, 1),
	}
}

// Push appends an item. Returns false if the queue is closed or full.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.count == len(q.buf) {
		if len(q.buf) >= q.maxCapacity {
			q.dropped++
			q.mu.Unlock()
			return false
		}
		q.grow()
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	q.pushed++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready receives a value after pushes. A single value may cover many pushes.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// DrainTo removes up to max items in FIFO order. max <= 0 drains all.
func (q *Queue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	out := make([]T, n)
	var zero T
	for i := range out {
		out[i] = q.buf[q.head]
		q.buf[q.head] = zero // Clear reference for GC
		q.head = (q.head + 1) % len(q.buf)
	}
	q.count -= n
	q.drained += int64(n)

	return out
}

// Close rejects further pushes. Queued items can still be drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Count:       q.count,
		Capacity:    len(q.buf),
		Pushed:      q.pushed,
		Drained:     q.drained,
		Dropped:     q.dropped,
		ResizeCount: q.resizeCount,
	}
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Count       int
	Capacity    int
	Pushed      int64
	Drained     int64
	Dropped     int64
	ResizeCount int
}

// grow doubles the capacity, capped at maxCapacity. Must be called with lock held.
func (q *Queue[T]) grow() {
	newCapacity := len(q.buf) * 2
	if newCapacity > q.maxCapacity {
		newCapacity = q.maxCapacity
	}
	newBuf := make([]T, newCapacity)

	// Full queue: [head...end) + [0...head)
	n := copy(newBuf, q.buf[q.head:])
	copy(newBuf[n:], q.buf[:q.head])

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.resizeCount++
}
