package engine

import (
	"context"
	"sync"
)

// Outcome is the immediate result of a toggle.
type Outcome int

const (
	// Applied: the optimistic flip happened and a remote write started.
	Applied Outcome = iota + 1
	// Debounced: swallowed by the kind's debounce window. Not an error.
	Debounced
	// AlreadyInFlight: swallowed by the single-flight guard. Not an error.
	AlreadyInFlight
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Debounced:
		return "debounced"
	case AlreadyInFlight:
		return "already_in_flight"
	default:
		return "unknown"
	}
}

// Ticket tracks one toggle.
//
// For Debounced and AlreadyInFlight the ticket is already done with a nil
// error. For Applied it completes when the remote write resolves; a failed
// write completes it with a REMOTE_WRITE_FAILURE after the rollback.
type Ticket struct {
	Outcome Outcome

	// Attempt is the logical sequence number of the optimistic apply.
	// Zero unless Outcome is Applied.
	Attempt int64

	// WriteID is the idempotency key sent to the backend.
	WriteID string

	once sync.Once
	done chan struct{}
	err  error
}

func newTicket(outcome Outcome) *Ticket {
	return &Ticket{Outcome: outcome, done: make(chan struct{})}
}

func resolvedTicket(outcome Outcome) *Ticket {
	t := newTicket(outcome)
	t.resolve(nil)
	return t
}

// resolve completes the ticket. Later calls are ignored.
func (t *Ticket) resolve(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done is closed once the ticket completes.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err returns the completion error. Valid only after Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the ticket completes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
