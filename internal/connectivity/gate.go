// Package connectivity provides the ConnectivityGate and a background
// reachability prober that drives it.
package connectivity

import (
	"sync"
	"sync/atomic"
)

// Gate reports whether operations needing a network round trip may start.
// Safe for concurrent use.
type Gate struct {
	online atomic.Bool

	mu       sync.Mutex
	watchers []chan bool
}

// NewGate returns a gate in the given initial state.
func NewGate(online bool) *Gate {
	g := &Gate{}
	g.online.Store(online)
	return g
}

// IsOnline reports current reachability.
func (g *Gate) IsOnline() bool {
	return g.online.Load()
}

// Set updates reachability and notifies watchers on a transition.
func (g *Gate) Set(online bool) {
	if g.online.Swap(online) == online {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range g.watchers {
		// Watchers hold one pending transition; an unread one is replaced.
		select {
		case <-w:
		default:
		}
		w <- online
	}
}

// Watch returns a channel receiving the new state after each transition.
// A slow reader only sees the latest state.
func (g *Gate) Watch() <-chan bool {
	ch := make(chan bool, 1)
	g.mu.Lock()
	g.watchers = append(g.watchers, ch)
	g.mu.Unlock()
	return ch
}
