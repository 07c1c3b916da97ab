// Package store provides the SQLite-backed LocalCacheStore.
//
// The store keeps two things for one user:
//   - Active sets: which items the user has each interaction active on.
//     Durable across restarts, and hydrated into memory so reads are
//     synchronous and never touch the network or the disk.
//   - Settlements: an append-only journal of authoritative state changes
//     (pushes, confirmed writes, rollbacks, timeouts), ordered by the
//     engine's logical clock.
//
// # Hydration
//
// Open returns immediately. Hydrate loads the active sets into memory; until
// it finishes, IsActiveSync answers from whatever has been written through
// this Store so far. WaitHydrated gives callers a bounded wait for the cold
// start race between hydration and the first visible item.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Ordering uses the logical seq column, never timestamps.
package store
