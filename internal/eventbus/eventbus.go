// Package eventbus fans out confirmed repost and save changes to other
// screens so they can update their lists without a refetch.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/oire/internal/interaction"
)

const defaultBuffer = 16

// Event is one of ItemSaved, ItemUnsaved, ItemReposted, ItemRepostRemoved.
type Event interface {
	EventName() string
	ItemID() string
}

// ItemSaved is published when a save write confirms active.
type ItemSaved struct{ Item interaction.Item }

// ItemUnsaved is published when a save write confirms inactive.
type ItemUnsaved struct{ ID string }

// ItemReposted is published when a repost write confirms active.
type ItemReposted struct{ Item interaction.Item }

// ItemRepostRemoved is published when a repost write confirms inactive.
type ItemRepostRemoved struct{ ID string }

func (e ItemSaved) EventName() string         { return "itemSaved" }
func (e ItemSaved) ItemID() string            { return e.Item.ID }
func (e ItemUnsaved) EventName() string       { return "itemUnsaved" }
func (e ItemUnsaved) ItemID() string          { return e.ID }
func (e ItemReposted) EventName() string      { return "itemReposted" }
func (e ItemReposted) ItemID() string         { return e.Item.ID }
func (e ItemRepostRemoved) EventName() string { return "itemRepostRemoved" }
func (e ItemRepostRemoved) ItemID() string    { return e.ID }

// ForWrite maps a confirmed write to its bus event. ok is false for kinds
// other screens do not track.
func ForWrite(item interaction.Item, kind interaction.Kind, active bool) (Event, bool) {
	switch kind {
	case interaction.KindSave:
		if active {
			return ItemSaved{Item: item}, true
		}
		return ItemUnsaved{ID: item.ID}, true
	case interaction.KindRepost:
		if active {
			return ItemReposted{Item: item}, true
		}
		return ItemRepostRemoved{ID: item.ID}, true
	default:
		return nil, false
	}
}

// Bus is an in-process publish/subscribe hub.
//
// Publish never blocks: a subscriber whose buffer is full misses the event
// and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives events on C until Close.
type Subscription struct {
	C <-chan Event

	bus  *Bus
	ch   chan Event
	once sync.Once
}

// Subscribe registers a subscriber with the given buffer size.
// A non-positive buffer uses the default.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, bus: b, ch: ch}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Close unregisters the subscriber and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Publish delivers e to every subscriber with buffer space.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			n := b.dropped.Add(1)
			slog.Warn("event bus subscriber full, dropping event",
				"event", e.EventName(),
				"item_id", e.ItemID(),
				"dropped_total", n)
		}
	}
}

// Dropped returns the number of deliveries skipped for full subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
