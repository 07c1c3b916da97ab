// Package remote defines the backend contract the engine writes to and
// observes, plus two implementations: an in-process Memory backend used by
// tests and scenarios, and a websocket client/server pair.
package remote

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/oire/internal/interaction"
)

// ErrClosed is returned by operations on a closed backend or subscription.
var ErrClosed = errors.New("remote: closed")

// WriteRequest sets one user's membership for (item, kind).
//
// WriteID identifies the logical write. Backends apply a given WriteID at
// most once and answer retries with the first result.
type WriteRequest struct {
	WriteID string           `json:"write_id"`
	ItemID  string           `json:"item_id"`
	Kind    interaction.Kind `json:"kind"`
	UserID  string           `json:"user_id"`
	Active  bool             `json:"active"`
}

// Backend is the authoritative store of interaction membership.
type Backend interface {
	// SetInteraction writes membership and returns the canonical value
	// after the write.
	SetInteraction(ctx context.Context, req WriteRequest) (bool, error)

	// Subscribe opens a live stream of snapshots for (item, kind). The
	// current snapshot is delivered first.
	Subscribe(ctx context.Context, itemID string, kind interaction.Kind) (*Subscription, error)
}

// Subscription delivers snapshots for one (item, kind).
//
// C buffers a single snapshot. When the reader falls behind, an undelivered
// snapshot is replaced by the newer one, so the reader always converges on
// the latest state.
type Subscription struct {
	C <-chan interaction.Snapshot

	ch      chan interaction.Snapshot
	mu      sync.Mutex
	closed  bool
	onClose func()
}

func newSubscription(onClose func()) *Subscription {
	ch := make(chan interaction.Snapshot, 1)
	return &Subscription{C: ch, ch: ch, onClose: onClose}
}

// offer delivers snap, replacing any undelivered snapshot.
func (s *Subscription) offer(snap interaction.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

// Close stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
