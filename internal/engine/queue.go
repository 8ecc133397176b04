package engine

import (
	"sync"

	"github.com/roach88/tokenflow/internal/ir"
	"github.com/roach88/tokenflow/internal/metrics"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeStart starts a new instance.
	EventTypeStart EventType = iota + 1
	// EventTypeSignal delivers an external signal to an instance.
	EventTypeSignal
	// EventTypeCancel cancels an instance.
	EventTypeCancel
)

func (t EventType) String() string {
	switch t {
	case EventTypeStart:
		return "start"
	case EventTypeSignal:
		return "signal"
	case EventTypeCancel:
		return "cancel"
	}
	return "unknown"
}

// Event is a unit of work for the Run loop. Events with the same
// InstanceID are processed by the same worker in FIFO order.
type Event struct {
	Type       EventType
	InstanceID string

	// SpecHash and Variables are read by EventTypeStart.
	SpecHash  string
	Variables ir.Object

	// Signal is read by EventTypeSignal.
	Signal *Signal

	// Done, when set, receives the processing result. It must be buffered
	// or have a ready receiver; the worker blocks until the send completes.
	Done chan<- error

	// Seq is stamped by Enqueue.
	Seq int64
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so that Enqueue never blocks the caller.
// A channel signals availability so the worker can wait on it alongside
// its context.
type eventQueue struct {
	mu      sync.Mutex
	events  []Event
	closed  bool
	signal  chan struct{} // buffered, size 1
	metrics *metrics.Metrics
}

// newEventQueue creates an empty event queue.
func newEventQueue(m *metrics.Metrics) *eventQueue {
	return &eventQueue{
		events:  make([]Event, 0, 64),
		signal:  make(chan struct{}, 1),
		metrics: m,
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)
	q.metrics.QueueDepth(1)

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// Release the slot's pointers (Variables, Signal) for GC.
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	q.metrics.QueueDepth(-1)

	return e, true
}

// Wait returns a channel that signals when events may be available.
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
