// Package testutil holds deterministic stand-ins for wall time and write
// tokens, shared by engine, harness and CLI tests.
package testutil

import (
	"sync"
	"time"
)

// Epoch is the default FakeClock start: a fixed instant so traces and
// journal rows are stable across runs.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced wall clock.
//
// Engines take it through engine.WithNow(clock.Now) so debounce windows are
// crossed by Advance rather than by sleeping.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock at start. A zero start uses Epoch.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = Epoch
	}
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative durations are ignored,
// the clock never runs backwards.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}
