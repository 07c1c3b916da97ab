// Package harness runs YAML interaction scenarios against a real engine.
//
// Each scenario gets a fresh in-memory SQLite cache, an in-memory backend,
// a connectivity gate, an event bus and a fake wall clock. Steps drive the
// engine the way a screen would (show, toggle, hide) and script the world
// around it: remote changes from other users or devices, held or failing
// writes, connectivity flips and the passage of time.
//
// Expect steps poll the engine until the record matches, so scenarios do not
// depend on goroutine scheduling. The trace records only what the scenario
// observed, which keeps golden files stable across runs.
//
// Toggle attempts and journal sequence numbers are deliberately left out of
// the trace: pushes interleave with toggles, so those numbers are not
// reproducible.
package harness
