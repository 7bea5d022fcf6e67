// Package queue provides the time-ordered event queue feeding correlation.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"endpoint-xdr/internal/schema"
)

var (
	// ErrQueueFull is returned when the queue stayed at capacity until the
	// caller gave up.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// EventQueue is a bounded, thread-safe priority queue of security events
// ordered by timestamp, then insertion sequence.
type EventQueue struct {
	items   eventHeap
	size    int
	seq     uint64
	closed  bool
	mu      sync.Mutex
	changed chan struct{}

	// lastPopped is the timestamp of the most recently popped event.
	lastPopped time.Time

	// Metrics (accessed atomically)
	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
	totalLate    uint64
}

// NewEventQueue creates a queue holding at most size events.
func NewEventQueue(size int) *EventQueue {
	if size <= 0 {
		size = 10000 // Default size
	}
	return &EventQueue{
		items:   make(eventHeap, 0, size),
		size:    size,
		changed: make(chan struct{}),
	}
}

// broadcast wakes everything waiting on Changed. Must hold mu.
func (q *EventQueue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Changed returns a channel closed on the next push, pop or close.
func (q *EventQueue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// TryPush adds an event without waiting. The queue assigns the event's
// sequence number.
func (q *EventQueue) TryPush(event schema.SecurityEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(q.items) >= q.size {
		atomic.AddUint64(&q.totalDropped, 1)
		return ErrQueueFull
	}
	q.pushLocked(event)
	return nil
}

// Push adds an event, waiting for space until ctx is done. A full queue
// whose producer gives up reports ErrQueueFull.
func (q *EventQueue) Push(ctx context.Context, event schema.SecurityEvent) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.items) < q.size {
			q.pushLocked(event)
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			atomic.AddUint64(&q.totalDropped, 1)
			return ErrQueueFull
		case <-wait:
		}
	}
}

func (q *EventQueue) pushLocked(event schema.SecurityEvent) {
	q.seq++
	event.Seq = q.seq
	if !q.lastPopped.IsZero() && event.Timestamp.Before(q.lastPopped) {
		atomic.AddUint64(&q.totalLate, 1)
	}
	heap.Push(&q.items, event)
	atomic.AddUint64(&q.totalPushed, 1)
	q.broadcast()
}

func (q *EventQueue) popLocked() schema.SecurityEvent {
	event := heap.Pop(&q.items).(schema.SecurityEvent)
	if event.Timestamp.After(q.lastPopped) {
		q.lastPopped = event.Timestamp
	}
	atomic.AddUint64(&q.totalPopped, 1)
	q.broadcast()
	return event
}

// Pop removes and returns the earliest event.
// Returns ErrQueueEmpty if the queue is empty.
func (q *EventQueue) Pop() (schema.SecurityEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return schema.SecurityEvent{}, ErrQueueEmpty
	}
	return q.popLocked(), nil
}

// PopReady removes and returns the earliest event if its timestamp is not
// after cutoff. Events newer than cutoff stay queued so that stragglers can
// still be ordered ahead of them.
func (q *EventQueue) PopReady(cutoff time.Time) (schema.SecurityEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || q.items[0].Timestamp.After(cutoff) {
		return schema.SecurityEvent{}, false
	}
	return q.popLocked(), true
}

// Drain removes and returns every queued event in order.
func (q *EventQueue) Drain() []schema.SecurityEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]schema.SecurityEvent, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, q.popLocked())
	}
	return out
}

// Peek returns the earliest event without removing it.
func (q *EventQueue) Peek() (schema.SecurityEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return schema.SecurityEvent{}, false
	}
	return q.items[0], true
}

// Len returns the current number of events in the queue.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the capacity of the queue.
func (q *EventQueue) Cap() int {
	return q.size
}

// Close rejects further pushes and wakes any waiters. Queued events can
// still be popped.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// Closed reports whether Close has been called.
func (q *EventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Metrics returns queue statistics.
func (q *EventQueue) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   atomic.LoadUint64(&q.totalPushed),
		Popped:   atomic.LoadUint64(&q.totalPopped),
		Dropped:  atomic.LoadUint64(&q.totalDropped),
		Late:     atomic.LoadUint64(&q.totalLate),
		Depth:    q.Len(),
		Capacity: q.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Late     uint64 `json:"late"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// eventHeap implements heap.Interface over SecurityEvent.Less.
type eventHeap []schema.SecurityEvent

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(schema.SecurityEvent))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = schema.SecurityEvent{}
	*h = old[:n-1]
	return item
}
