package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/oire/internal/interaction"
)

// Hydrate loads the user's persisted active sets into memory.
//
// Memberships written through SetActive while hydration runs win over the
// persisted rows, since they are newer. Calling Hydrate again reloads.
func (s *Store) Hydrate(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, item_id
		FROM active_sets
		WHERE user_id = ?
		ORDER BY seq ASC, item_id COLLATE BINARY ASC
	`, s.userID)
	if err != nil {
		return fmt.Errorf("hydrate: query active sets: %w", err)
	}
	defer rows.Close()

	loaded := make(map[interaction.Kind]map[string]struct{})
	n := 0
	for rows.Next() {
		var kind, itemID string
		if err := rows.Scan(&kind, &itemID); err != nil {
			return fmt.Errorf("hydrate: scan: %w", err)
		}
		k := interaction.Kind(kind)
		if !k.Valid() {
			slog.Warn("skipping cached membership with unknown kind", "kind", kind, "item_id", itemID)
			continue
		}
		if loaded[k] == nil {
			loaded[k] = make(map[string]struct{})
		}
		loaded[k][itemID] = struct{}{}
		n++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("hydrate: iterate: %w", err)
	}

	s.mu.Lock()
	for k, items := range s.active {
		if loaded[k] == nil {
			loaded[k] = make(map[string]struct{})
		}
		for id := range items {
			loaded[k][id] = struct{}{}
		}
	}
	for k, items := range s.removed {
		for id := range items {
			delete(loaded[k], id)
		}
	}
	s.active = loaded
	s.removed = nil
	s.mu.Unlock()

	s.hydrated.Store(true)
	slog.Debug("cache hydrated", "user_id", s.userID, "memberships", n)
	return nil
}

// Hydrated reports whether Hydrate has completed at least once.
func (s *Store) Hydrated() bool {
	return s.hydrated.Load()
}

// WaitHydrated polls until hydration completes, timeout elapses, or ctx is
// done. It reports whether the cache is hydrated; callers proceed either way.
func (s *Store) WaitHydrated(ctx context.Context, timeout, poll time.Duration) bool {
	if s.Hydrated() {
		return true
	}
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Hydrated()
		case <-deadline.C:
			return s.Hydrated()
		case <-ticker.C:
			if s.Hydrated() {
				return true
			}
		}
	}
}

// IsActiveSync answers from memory only. It never blocks on I/O.
func (s *Store) IsActiveSync(itemID string, kind interaction.Kind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.active[kind][itemID]
	return ok
}

// SetActive records the user's membership durably, then in memory.
// seq is the logical time of the settlement that produced it.
func (s *Store) SetActive(ctx context.Context, itemID string, kind interaction.Kind, active bool, seq int64) error {
	var err error
	if active {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO active_sets (user_id, kind, item_id, seq)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, kind, item_id) DO UPDATE SET seq = excluded.seq
		`, s.userID, string(kind), itemID, seq)
	} else {
		_, err = s.db.ExecContext(ctx, `
			DELETE FROM active_sets
			WHERE user_id = ? AND kind = ? AND item_id = ?
		`, s.userID, string(kind), itemID)
	}
	if err != nil {
		return fmt.Errorf("set active %s/%s: %w", itemID, kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		if s.active[kind] == nil {
			s.active[kind] = make(map[string]struct{})
		}
		s.active[kind][itemID] = struct{}{}
		if s.removed[kind] != nil {
			delete(s.removed[kind], itemID)
		}
		return nil
	}

	delete(s.active[kind], itemID)
	if !s.hydrated.Load() {
		if s.removed == nil {
			s.removed = make(map[interaction.Kind]map[string]struct{})
		}
		if s.removed[kind] == nil {
			s.removed[kind] = make(map[string]struct{})
		}
		s.removed[kind][itemID] = struct{}{}
	}
	return nil
}

// ActiveItems returns the item IDs with kind active, sorted.
func (s *Store) ActiveItems(kind interaction.Kind) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]string, 0, len(s.active[kind]))
	for id := range s.active[kind] {
		items = append(items, id)
	}
	sort.Strings(items)
	return items
}
