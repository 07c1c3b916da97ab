package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/oire/internal/config"
	"github.com/roach88/oire/internal/connectivity"
	"github.com/roach88/oire/internal/engine"
	"github.com/roach88/oire/internal/eventbus"
	"github.com/roach88/oire/internal/observer"
	"github.com/roach88/oire/internal/policy"
	"github.com/roach88/oire/internal/remote"
	"github.com/roach88/oire/internal/store"
)

const probeTimeout = 2 * time.Second

// session is a running engine wired to the configured backend and cache.
type session struct {
	engine   *engine.Engine
	store    *store.Store
	client   *remote.Client
	observer *observer.Observer
	gate     *connectivity.Gate
	events   *eventbus.Subscription

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// openCache opens the durable cache, creating its directory if needed.
func openCache(cfg config.Config) (*store.Store, error) {
	if cfg.Cache.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return store.Open(cfg.Cache.Path, cfg.UserID)
}

func loadPolicies(cfg config.Config) (policy.Table, error) {
	if cfg.Engine.Policies != "" {
		return policy.Load(cfg.Engine.Policies)
	}
	return policy.Default()
}

// openSession dials the backend and starts the engine loop, the cache
// hydration, the reachability prober and the bus logger.
func openSession(ctx context.Context, cfg config.Config) (*session, error) {
	policies, err := loadPolicies(cfg)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}

	st, err := openCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	// Resume the logical clock past every journaled entry.
	lastSeq, err := st.MaxSeq(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("read journal: %w", err)
	}

	client, err := remote.Dial(ctx, cfg.Backend.URL)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("dial backend: %w", err)
	}

	s := &session{
		store:    st,
		client:   client,
		observer: observer.New(client),
		gate:     connectivity.NewGate(true),
	}

	bus := eventbus.New()
	s.events = bus.Subscribe(0)

	s.engine, err = engine.New(engine.Deps{
		UserID:   cfg.UserID,
		Policies: policies,
		Backend:  client,
		Observer: s.observer,
		Cache:    st,
		Gate:     s.gate,
		Journal:  st,
		Bus:      bus,
	},
		engine.WithClock(engine.NewClockAt(lastSeq)),
		engine.WithInFlightTimeout(cfg.Engine.InFlightTimeout),
		engine.WithHydrationWait(cfg.Cache.HydrationWait, cfg.Cache.HydrationPoll),
	)
	if err != nil {
		s.observer.Close()
		client.Close()
		st.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(4)
	go func() {
		defer s.wg.Done()
		s.engine.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		if err := st.Hydrate(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("cache hydration failed", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.watchConnection(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.logEvents(runCtx)
	}()

	if cfg.Backend.HealthURL != "" {
		probe := connectivity.HTTPProbe(&http.Client{Timeout: probeTimeout}, cfg.Backend.HealthURL)
		prober := &connectivity.Prober{
			Gate:             s.gate,
			Probe:            connectivity.WhileOpen(client.Done(), probe),
			Interval:         cfg.Connectivity.ProbeInterval,
			FailureThreshold: cfg.Connectivity.FailureThreshold,
		}
		prober.Start(runCtx)
	}

	return s, nil
}

// watchConnection closes the gate when the websocket drops. The prober
// keeps it closed: its probe fails once the client is done.
func (s *session) watchConnection(ctx context.Context) {
	select {
	case <-s.client.Done():
		slog.Warn("backend connection lost")
		s.gate.Set(false)
	case <-ctx.Done():
	}
}

func (s *session) logEvents(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.events.C:
			if !ok {
				return
			}
			slog.Info("event published", "event", ev.EventName(), "item_id", ev.ItemID())
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the engine and releases every resource.
func (s *session) Close() error {
	s.cancel()
	s.wg.Wait()
	s.events.Close()
	s.observer.Close()
	s.client.Close()
	return s.store.Close()
}
