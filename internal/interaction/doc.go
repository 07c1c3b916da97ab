// Package interaction defines the data model shared by every OIRE component.
//
// An interaction is a per-user, per-item boolean social signal (illuminate,
// amen, repost, save, prayNow). For each (item, kind) pair visible to the
// current user the engine holds one Record. The record's Active flag is
// the value the user sees. Count is the global tally and only changes when
// the backend pushes a Snapshot.
//
// The package also carries the canonical JSON encoding used to derive
// content-addressed write IDs and deterministic scenario traces.
package interaction
