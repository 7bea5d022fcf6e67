package detection

import (
	"sync"
	"sync/atomic"

	"endpoint-xdr/internal/metrics"
	"endpoint-xdr/internal/schema"
)

// Emitter hands detected events to downstream consumers without ever
// blocking detection. Events that do not fit in the buffer are dropped and
// counted.
type Emitter struct {
	ch      chan schema.SecurityEvent
	mu      sync.RWMutex
	closed  bool
	emitted uint64
	dropped uint64
	metrics *metrics.Metrics
}

// NewEmitter creates an emitter with the given buffer size.
func NewEmitter(buffer int, m *metrics.Metrics) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Emitter{
		ch:      make(chan schema.SecurityEvent, buffer),
		metrics: m,
	}
}

// Emit offers an event. It returns false if the event was dropped.
func (e *Emitter) Emit(event schema.SecurityEvent) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		atomic.AddUint64(&e.dropped, 1)
		return false
	}

	select {
	case e.ch <- event:
		atomic.AddUint64(&e.emitted, 1)
		return true
	default:
		atomic.AddUint64(&e.dropped, 1)
		e.metrics.IncEmitterDropped()
		return false
	}
}

// Events returns the channel consumers read from. It is closed by Close.
func (e *Emitter) Events() <-chan schema.SecurityEvent {
	return e.ch
}

// Close stops accepting events and closes the channel once buffered events
// are read.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// Emitted returns the number of events accepted.
func (e *Emitter) Emitted() uint64 { return atomic.LoadUint64(&e.emitted) }

// Dropped returns the number of events dropped.
func (e *Emitter) Dropped() uint64 { return atomic.LoadUint64(&e.dropped) }
