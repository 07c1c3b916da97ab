// Package engine implements optimistic interaction toggling and its
// reconciliation against a remote, multi-device source of truth.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Engine.Run is the logical UI thread. Every mutation of an interaction
// record happens on that goroutine. Callers (Show, Hide, Toggle, Snapshot),
// remote write goroutines, subscription forwarders and timers all post
// events to one unbounded FIFO queue and, where they need an answer, wait
// on a reply channel.
//
// Event Processing Flow:
//  1. Show seeds records from the local cache, then attaches the observer.
//  2. Toggle applies the optimistic flip and starts the remote write on its
//     own goroutine.
//  3. The write result re-enters the loop; success confirms, failure rolls
//     back to the last authoritative value.
//  4. Pushes from the observer run through the matcher (reconcile), which
//     decides to ignore, accept, hold or overwrite.
//
// INVARIANTS:
//   - Count is written only from pushes.
//   - At most one write is tracked as the record's current attempt. For
//     single-flight kinds a second toggle is refused; otherwise the newer
//     attempt supersedes the older one.
//   - Once InFlight clears, Active equals the last authoritative value.
//
// Sequence numbers for attempts and journal entries come from a logical
// Clock, never from wall time. Wall time (Now) is used only for debounce.
package engine
