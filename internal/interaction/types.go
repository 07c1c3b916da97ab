package interaction

import (
	"sort"
	"time"
)

// Item is the feed item an interaction targets. The full item travels with
// repost/save bus events so other screens can insert it without a refetch.
type Item struct {
	ID       string `json:"id" yaml:"id"`
	AuthorID string `json:"author_id" yaml:"author"`
	Category string `json:"category" yaml:"category"`
}

// Key addresses one record for the current user.
type Key struct {
	ItemID string
	Kind   Kind
}

func (k Key) String() string {
	return k.ItemID + "/" + string(k.Kind)
}

// Record is the per (item, kind, viewing user) interaction state.
//
// INVARIANTS:
//   - Count is only written from a pushed Snapshot, never from a local delta.
//   - While InFlight, Active == Expected (the optimistic prediction).
//   - Once InFlight clears, Active equals the last authoritative value.
type Record struct {
	ItemID       string
	Kind         Kind
	Active       bool
	Count        int
	InFlight     bool
	Expected     bool
	LastActionAt time.Time // zero when the user never acted

	// Confirmed is the last authoritative membership seen, from a push or
	// a confirmed write. Rollback restores it.
	Confirmed bool

	// Attempt numbers the latest optimistic apply. Write results carrying
	// an older attempt have been superseded.
	Attempt int64
}

// Key returns the record's address.
func (r Record) Key() Key {
	return Key{ItemID: r.ItemID, Kind: r.Kind}
}

// Rendered reports whether two records differ in any field the UI shows.
func (r Record) Rendered(other Record) bool {
	return r.Active != other.Active || r.Count != other.Count || r.InFlight != other.InFlight
}

// Snapshot is the canonical state of one (item, kind) pair as pushed by the
// backend: the set of users with the interaction active, and the count.
type Snapshot struct {
	ItemID        string   `json:"item_id"`
	Kind          Kind     `json:"kind"`
	ActiveUserIDs []string `json:"active_user_ids"`
	Count         int      `json:"count"`
}

// Contains reports whether userID is in the active set.
func (s Snapshot) Contains(userID string) bool {
	for _, id := range s.ActiveUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ForUser collapses a snapshot into the viewing user's Push.
func (s Snapshot) ForUser(userID string) Push {
	return Push{
		ItemID: s.ItemID,
		Kind:   s.Kind,
		Active: s.Contains(userID),
		Count:  s.Count,
	}
}

// NewSnapshot builds a snapshot with a sorted copy of the member set.
// Count defaults to the member count.
func NewSnapshot(itemID string, kind Kind, members []string) Snapshot {
	ids := make([]string, len(members))
	copy(ids, members)
	sort.Strings(ids)
	return Snapshot{ItemID: itemID, Kind: kind, ActiveUserIDs: ids, Count: len(ids)}
}

// Push is a snapshot as seen by one user.
type Push struct {
	ItemID string
	Kind   Kind
	Active bool
	Count  int
}

// Key returns the record address the push targets.
func (p Push) Key() Key {
	return Key{ItemID: p.ItemID, Kind: p.Kind}
}
