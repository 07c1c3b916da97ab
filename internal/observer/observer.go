// Package observer keeps one live backend subscription per visible item
// and kind, forwarding every snapshot to a sink in arrival order.
package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/oire/internal/interaction"
	"github.com/roach88/oire/internal/remote"
)

// ErrNotObserved is returned by StopObserving for an unknown item.
var ErrNotObserved = errors.New("observer: item not observed")

// Sink receives snapshots. It is called from forwarder goroutines, one per
// (item, kind), so calls for the same pair never overlap.
type Sink func(interaction.Snapshot)

// Observer is safe for concurrent use.
type Observer struct {
	backend remote.Backend
	base    context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	refs   int
	kinds  []interaction.Kind
	cancel context.CancelFunc
}

// New returns an observer over backend.
func New(backend remote.Backend) *Observer {
	base, stop := context.WithCancel(context.Background())
	return &Observer{
		backend: backend,
		base:    base,
		stop:    stop,
		entries: make(map[string]*entry),
	}
}

// Observe subscribes to every kind for itemID and forwards snapshots to
// sink until StopObserving. Observing an already observed item only takes
// another reference; the original sink keeps receiving.
//
// ctx bounds the subscribe calls only. Forwarding outlives it.
func (o *Observer) Observe(ctx context.Context, itemID string, kinds []interaction.Kind, sink Sink) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.base.Err(); err != nil {
		return fmt.Errorf("observe %s: %w", itemID, remote.ErrClosed)
	}
	if e, ok := o.entries[itemID]; ok {
		e.refs++
		return nil
	}

	entryCtx, cancel := context.WithCancel(o.base)
	subs := make([]*remote.Subscription, 0, len(kinds))
	for _, kind := range kinds {
		sub, err := o.backend.Subscribe(ctx, itemID, kind)
		if err != nil {
			cancel()
			for _, s := range subs {
				s.Close()
			}
			return fmt.Errorf("subscribe %s/%s: %w", itemID, kind, err)
		}
		subs = append(subs, sub)
	}

	for i, sub := range subs {
		o.wg.Add(1)
		go o.forward(entryCtx, itemID, kinds[i], sub, sink)
	}

	o.entries[itemID] = &entry{refs: 1, kinds: kinds, cancel: cancel}
	slog.Debug("observing item", "item_id", itemID, "kinds", len(kinds))
	return nil
}

func (o *Observer) forward(ctx context.Context, itemID string, kind interaction.Kind, sub *remote.Subscription, sink Sink) {
	defer o.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.C:
			if !ok {
				if ctx.Err() == nil {
					slog.Warn("subscription ended by backend", "item_id", itemID, "kind", kind)
				}
				return
			}
			sink(snap)
		}
	}
}

// StopObserving drops one reference to itemID, tearing down its
// subscriptions when none remain.
func (o *Observer) StopObserving(itemID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[itemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotObserved, itemID)
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	e.cancel()
	delete(o.entries, itemID)
	slog.Debug("stopped observing item", "item_id", itemID)
	return nil
}

// Observing reports whether itemID has live subscriptions.
func (o *Observer) Observing(itemID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.entries[itemID]
	return ok
}

// Close tears down every subscription and waits for forwarders to exit.
func (o *Observer) Close() error {
	o.mu.Lock()
	o.stop()
	o.entries = make(map[string]*entry)
	o.mu.Unlock()

	o.wg.Wait()
	return nil
}
