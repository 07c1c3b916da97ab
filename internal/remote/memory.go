package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/oire/internal/interaction"
)

// WriteHook runs before a Memory write is applied. A non-nil error fails the
// write without applying it. Hooks may block to simulate a slow network; they
// should honour ctx.
type WriteHook func(ctx context.Context, req WriteRequest) error

// Memory is an in-process Backend. Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	members map[interaction.Key]map[string]struct{}
	applied map[string]bool // write id -> canonical result
	subs    map[interaction.Key]map[*Subscription]struct{}
	hook    WriteHook
	writes  int
	closed  bool
}

// NewMemory returns an empty backend.
func NewMemory() *Memory {
	return &Memory{
		members: make(map[interaction.Key]map[string]struct{}),
		applied: make(map[string]bool),
		subs:    make(map[interaction.Key]map[*Subscription]struct{}),
	}
}

// SetWriteHook installs hook for subsequent writes. nil removes it.
func (m *Memory) SetWriteHook(hook WriteHook) {
	m.mu.Lock()
	m.hook = hook
	m.mu.Unlock()
}

// SetInteraction implements Backend.
func (m *Memory) SetInteraction(ctx context.Context, req WriteRequest) (bool, error) {
	if req.UserID == "" || req.ItemID == "" {
		return false, fmt.Errorf("remote: write %q missing item or user", req.WriteID)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	if req.WriteID != "" {
		if result, ok := m.applied[req.WriteID]; ok {
			m.mu.Unlock()
			return result, nil
		}
	}
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return false, err
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	// A retry may have landed while the hook blocked.
	if req.WriteID != "" {
		if result, ok := m.applied[req.WriteID]; ok {
			return result, nil
		}
	}

	m.writes++
	m.applyLocked(req.ItemID, req.Kind, req.UserID, req.Active)
	if req.WriteID != "" {
		m.applied[req.WriteID] = req.Active
	}
	return req.Active, nil
}

// Apply changes membership directly, as another device or user would.
func (m *Memory) Apply(itemID string, kind interaction.Kind, userID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(itemID, kind, userID, active)
}

// Seed sets the full member set for (item, kind) and notifies subscribers.
func (m *Memory) Seed(itemID string, kind interaction.Kind, userIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := interaction.Key{ItemID: itemID, Kind: kind}
	set := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	m.members[key] = set
	m.notifyLocked(key)
}

func (m *Memory) applyLocked(itemID string, kind interaction.Kind, userID string, active bool) {
	key := interaction.Key{ItemID: itemID, Kind: kind}
	set, ok := m.members[key]
	if !ok {
		set = make(map[string]struct{})
		m.members[key] = set
	}

	_, had := set[userID]
	if had == active {
		return
	}
	if active {
		set[userID] = struct{}{}
	} else {
		delete(set, userID)
	}
	m.notifyLocked(key)
}

func (m *Memory) notifyLocked(key interaction.Key) {
	snap := m.snapshotLocked(key)
	for sub := range m.subs[key] {
		sub.offer(snap)
	}
}

func (m *Memory) snapshotLocked(key interaction.Key) interaction.Snapshot {
	set := m.members[key]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return interaction.NewSnapshot(key.ItemID, key.Kind, ids)
}

// Snapshot returns the current state of (item, kind).
func (m *Memory) Snapshot(itemID string, kind interaction.Kind) interaction.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(interaction.Key{ItemID: itemID, Kind: kind})
}

// Writes returns how many distinct writes have been applied.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Subscribe implements Backend.
func (m *Memory) Subscribe(ctx context.Context, itemID string, kind interaction.Kind) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	key := interaction.Key{ItemID: itemID, Kind: kind}
	var sub *Subscription
	sub = newSubscription(func() { m.unsubscribe(key, sub) })

	if m.subs[key] == nil {
		m.subs[key] = make(map[*Subscription]struct{})
	}
	m.subs[key][sub] = struct{}{}
	sub.offer(m.snapshotLocked(key))
	return sub, nil
}

func (m *Memory) unsubscribe(key interaction.Key, sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[key], sub)
	if len(m.subs[key]) == 0 {
		delete(m.subs, key)
	}
}

// Subscribers returns the number of open subscriptions for (item, kind).
func (m *Memory) Subscribers(itemID string, kind interaction.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[interaction.Key{ItemID: itemID, Kind: kind}])
}

// Close closes every open subscription. Later calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*Subscription
	for _, set := range m.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	return nil
}
