package engine

import (
	"sync"

	"github.com/roach88/oire/internal/interaction"
)

// eventType distinguishes loop events.
type eventType int

const (
	eventShow eventType = iota + 1
	eventHide
	eventToggle
	eventPush
	eventWriteResult
	eventTimeout
	eventQuery
)

func (t eventType) String() string {
	switch t {
	case eventShow:
		return "show"
	case eventHide:
		return "hide"
	case eventToggle:
		return "toggle"
	case eventPush:
		return "push"
	case eventWriteResult:
		return "write_result"
	case eventTimeout:
		return "timeout"
	case eventQuery:
		return "query"
	default:
		return "unknown"
	}
}

// event is one unit of work for the Run loop. Only the fields relevant to
// typ are set.
type event struct {
	typ     eventType
	item    interaction.Item
	itemID  string
	kind    interaction.Kind
	push    interaction.Push
	attempt int64
	active  bool
	err     error

	// reply, when set, receives exactly one response.
	reply chan reply
}

type reply struct {
	ticket  *Ticket
	records []interaction.Record
	kinds   []interaction.Kind
	err     error
}

// eventQueue is a thread-safe, unbounded FIFO.
//
// Unbounded so that write goroutines and subscription forwarders never
// block on a busy loop. A 1-slot signal channel lets Run wait with select.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}

	e := q.events[0]
	// Clear the slot so the backing array does not pin reply channels.
	q.events[0] = event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that signals when events may be available.
// It is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops further enqueues and wakes waiters.
// Events still queued can be drained with TryDequeue.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
