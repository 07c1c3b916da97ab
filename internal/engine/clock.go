package engine

import "sync/atomic"

// Clock is a monotonic logical clock.
//
// It numbers optimistic attempts and settlement journal entries. Seeding it
// from the journal's highest seq keeps numbers unique across restarts.
//
// Safe for concurrent use, though only the Run loop calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock whose next value is start+1.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next increments the clock and returns the new value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last value handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
