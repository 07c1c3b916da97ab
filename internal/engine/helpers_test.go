package engine

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/oire/internal/connectivity"
	"github.com/roach88/oire/internal/eventbus"
	"github.com/roach88/oire/internal/interaction"
	"github.com/roach88/oire/internal/observer"
	"github.com/roach88/oire/internal/policy"
	"github.com/roach88/oire/internal/remote"
	"github.com/roach88/oire/internal/store"
	"github.com/roach88/oire/internal/testutil"
)

const testUser = "U1"

var (
	itemP1     = interaction.Item{ID: "P1", AuthorID: "U2", Category: "testimony"}
	itemOwn    = interaction.Item{ID: "P9", AuthorID: testUser, Category: "testimony"}
	itemPrayer = interaction.Item{ID: "R1", AuthorID: testUser, Category: "prayer"}
)

type fixture struct {
	eng     *Engine
	backend *remote.Memory
	cache   *store.Store
	gate    *connectivity.Gate
	bus     *eventbus.Bus
	clock   *testutil.FakeClock

	mu      sync.Mutex
	renders []interaction.Record
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), testUser)
	require.NoError(t, err)
	require.NoError(t, st.Hydrate(ctx))

	f := &fixture{
		backend: remote.NewMemory(),
		cache:   st,
		gate:    connectivity.NewGate(true),
		bus:     eventbus.New(),
		clock:   testutil.NewFakeClock(time.Time{}),
	}
	obs := observer.New(f.backend)

	base := []Option{
		WithNow(f.clock.Now),
		WithTokenGenerator(testutil.NewFixedTokenGenerator("tok")),
		WithInFlightTimeout(0),
		WithRenderHook(func(r interaction.Record) {
			f.mu.Lock()
			f.renders = append(f.renders, r)
			f.mu.Unlock()
		}),
	}
	f.eng, err = New(Deps{
		UserID:   testUser,
		Policies: policy.MustDefault(),
		Backend:  f.backend,
		Observer: obs,
		Cache:    st,
		Gate:     f.gate,
		Journal:  st,
		Bus:      f.bus,
	}, append(base, opts...)...)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		f.eng.Run(runCtx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		obs.Close()
		f.backend.Close()
		st.Close()
	})
	return f
}

func (f *fixture) show(t *testing.T, item interaction.Item) {
	t.Helper()
	require.NoError(t, f.eng.Show(context.Background(), item))
}

func (f *fixture) record(t *testing.T, itemID string, kind interaction.Kind) interaction.Record {
	t.Helper()
	rec, err := f.eng.Snapshot(context.Background(), itemID, kind)
	require.NoError(t, err)
	return rec
}

func (f *fixture) eventually(t *testing.T, itemID string, kind interaction.Kind, cond func(interaction.Record) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := f.eng.Snapshot(context.Background(), itemID, kind)
		return err == nil && cond(rec)
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) toggle(t *testing.T, item interaction.Item, kind interaction.Kind) *Ticket {
	t.Helper()
	ticket, err := f.eng.Toggle(context.Background(), item, kind)
	require.NoError(t, err)
	return ticket
}

func (f *fixture) rendersFor(key interaction.Key) []interaction.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []interaction.Record
	for _, r := range f.renders {
		if r.Key() == key {
			out = append(out, r)
		}
	}
	return out
}

// holdWrites blocks every backend write until the returned release func is
// called with the written value.
func holdWrites(m *remote.Memory) (release func(active bool)) {
	gates := map[bool]chan struct{}{
		true:  make(chan struct{}),
		false: make(chan struct{}),
	}
	m.SetWriteHook(func(ctx context.Context, req remote.WriteRequest) error {
		select {
		case <-gates[req.Active]:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return func(active bool) { close(gates[active]) }
}

func wait(t *testing.T, ticket *Ticket) error {
	t.Helper()
	select {
	case <-ticket.Done():
		return ticket.Err()
	case <-time.After(2 * time.Second):
		t.Fatal("ticket did not resolve")
		return nil
	}
}

// loopBlocker stalls the Run loop inside the render hook, once armed.
type loopBlocker struct {
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// newBlockedFixture returns a fixture whose render hook is b's. The loop is
// released before the fixture shuts down.
func newBlockedFixture(t *testing.T) (*fixture, *loopBlocker) {
	b := &loopBlocker{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, WithRenderHook(b.hook))
	t.Cleanup(b.unblock)
	return f, b
}

func (b *loopBlocker) hook(interaction.Record) {
	if b.armed.CompareAndSwap(true, false) {
		close(b.entered)
		<-b.release
	}
}

// stall runs fn on its own goroutine and returns once the loop is parked
// in a render caused by it.
func (b *loopBlocker) stall(t *testing.T, fn func()) {
	t.Helper()
	b.armed.Store(true)
	go fn()
	select {
	case <-b.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never rendered")
	}
}

func (b *loopBlocker) unblock() {
	b.once.Do(func() { close(b.release) })
}
