package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/oire/internal/connectivity"
	"github.com/roach88/oire/internal/engine"
	"github.com/roach88/oire/internal/eventbus"
	"github.com/roach88/oire/internal/interaction"
	"github.com/roach88/oire/internal/observer"
	"github.com/roach88/oire/internal/policy"
	"github.com/roach88/oire/internal/remote"
	"github.com/roach88/oire/internal/store"
	"github.com/roach88/oire/internal/testutil"
)

const (
	defaultToken         = "scenario-token"
	defaultExpectTimeout = 2 * time.Second
	expectPoll           = 2 * time.Millisecond
	busBuffer            = 256
)

// Harness is the scenario execution environment.
// It wires a real engine to in-memory collaborators, a fake wall clock and
// a fixed write token.
type Harness struct {
	scenario *Scenario
	items    map[string]interaction.Item
	result   *Result

	eng     *engine.Engine
	backend *remote.Memory
	cache   *store.Store
	obs     *observer.Observer
	gate    *connectivity.Gate
	busSub  *eventbus.Subscription
	clock   *testutil.FakeClock
	writes  *writeControl

	expectTimeout time.Duration
	pending       []pendingTicket

	cancel context.CancelFunc
	done   chan struct{}
}

type pendingTicket struct {
	key    interaction.Key
	ticket *engine.Ticket
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory database and backend.
// Mismatched expectations are reported in Result.Errors. A returned error
// means the scenario could not be executed at all.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	return h.run(ctx)
}

func newHarness(ctx context.Context, s *Scenario) (*Harness, error) {
	policies, err := policy.Default()
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}

	cache, err := store.Open(":memory:", s.User)
	if err != nil {
		return nil, fmt.Errorf("create in-memory store: %w", err)
	}
	if err := cache.Hydrate(ctx); err != nil {
		cache.Close()
		return nil, fmt.Errorf("hydrate store: %w", err)
	}

	h := &Harness{
		scenario:      s,
		items:         make(map[string]interaction.Item, len(s.Items)),
		result:        NewResult(),
		backend:       remote.NewMemory(),
		cache:         cache,
		gate:          connectivity.NewGate(true),
		clock:         testutil.NewFakeClock(time.Time{}),
		writes:        &writeControl{},
		expectTimeout: s.ExpectTimeout,
		done:          make(chan struct{}),
	}
	if h.expectTimeout == 0 {
		h.expectTimeout = defaultExpectTimeout
	}
	for _, item := range s.Items {
		h.items[item.ID] = item
	}
	for _, m := range s.Remote {
		h.backend.Seed(m.Item, m.Kind, m.Users)
	}
	h.backend.SetWriteHook(h.writes.hook)
	h.obs = observer.New(h.backend)

	bus := eventbus.New()
	h.busSub = bus.Subscribe(busBuffer)

	token := s.Token
	if token == "" {
		token = defaultToken
	}

	h.eng, err = engine.New(engine.Deps{
		UserID:   s.User,
		Policies: policies,
		Backend:  h.backend,
		Observer: h.obs,
		Cache:    cache,
		Gate:     h.gate,
		Journal:  cache,
		Bus:      bus,
	},
		engine.WithNow(h.clock.Now),
		engine.WithTokenGenerator(testutil.NewFixedTokenGenerator(token)),
		engine.WithInFlightTimeout(s.InFlightTimeout),
	)
	if err != nil {
		h.obs.Close()
		h.backend.Close()
		cache.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.eng.Run(runCtx)
	}()

	return h, nil
}

func (h *Harness) close() {
	h.writes.release()
	h.cancel()
	<-h.done
	h.busSub.Close()
	h.obs.Close()
	h.backend.Close()
	h.cache.Close()
}

func (h *Harness) run(ctx context.Context) (*Result, error) {
	for i, step := range h.scenario.Steps {
		slog.Debug("scenario step", "scenario", h.scenario.Name, "index", i, "op", step.Op())
		if err := h.step(ctx, i, step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Op(), err)
		}
	}

	// Settle whatever the scenario left in flight so the trailing bus
	// events and cache state are complete.
	if err := h.settle(ctx); err != nil {
		return nil, err
	}
	h.collectEvents()
	for _, kind := range interaction.AllKinds() {
		if items := h.cache.ActiveItems(kind); len(items) > 0 {
			h.result.Cache[string(kind)] = items
		}
	}
	return h.result, nil
}

func (h *Harness) step(ctx context.Context, index int, step Step) error {
	switch step.Op() {
	case OpShow:
		if err := h.eng.Show(ctx, h.items[step.Show]); err != nil {
			return err
		}
		h.result.addTrace(TraceEntry{"op": OpShow, "item": step.Show})

	case OpHide:
		if err := h.eng.Hide(ctx, step.Hide); err != nil {
			return err
		}
		h.result.addTrace(TraceEntry{"op": OpHide, "item": step.Hide})

	case OpToggle:
		return h.toggle(ctx, index, step.Toggle)

	case OpRemote:
		r := step.Remote
		h.backend.Apply(r.Item, r.Kind, r.User, r.Active)
		h.result.addTrace(TraceEntry{
			"op":     OpRemote,
			"item":   r.Item,
			"kind":   string(r.Kind),
			"user":   r.User,
			"active": r.Active,
		})

	case OpHoldWrites:
		h.writes.hold()
		h.result.addTrace(TraceEntry{"op": OpHoldWrites})

	case OpReleaseWrites:
		h.writes.release()
		h.result.addTrace(TraceEntry{"op": OpReleaseWrites})

	case OpFailNextWrite:
		h.writes.failNextWith(step.FailNextWrite)
		h.result.addTrace(TraceEntry{"op": OpFailNextWrite, "reason": step.FailNextWrite})

	case OpOnline:
		h.gate.Set(*step.Online)
		h.result.addTrace(TraceEntry{"op": OpOnline, "value": *step.Online})

	case OpAdvance:
		h.clock.Advance(step.Advance)
		h.result.addTrace(TraceEntry{"op": OpAdvance, "by": step.Advance.String()})

	case OpWait:
		return h.settle(ctx)

	case OpExpect:
		return h.expect(ctx, index, step.Expect)

	default:
		return fmt.Errorf("invalid step")
	}
	return nil
}

func (h *Harness) toggle(ctx context.Context, index int, t *ToggleStep) error {
	entry := TraceEntry{"op": OpToggle, "item": t.Item, "kind": string(t.Kind)}
	ticket, err := h.eng.Toggle(ctx, h.items[t.Item], t.Kind)
	if err != nil {
		code, ok := errorCode(err)
		if !ok {
			return err
		}
		entry["error"] = code
		h.result.addTrace(entry)
		switch {
		case t.Outcome != "":
			h.result.AddError(fmt.Sprintf("steps[%d]: toggle %s/%s: expected %s, got %s", index, t.Item, t.Kind, t.Outcome, code))
		case t.Error != "" && t.Error != code:
			h.result.AddError(fmt.Sprintf("steps[%d]: toggle %s/%s: expected %s, got %s", index, t.Item, t.Kind, t.Error, code))
		}
		return nil
	}

	outcome := ticket.Outcome.String()
	entry["outcome"] = outcome
	h.result.addTrace(entry)
	switch {
	case t.Error != "":
		h.result.AddError(fmt.Sprintf("steps[%d]: toggle %s/%s: expected %s, got %s", index, t.Item, t.Kind, t.Error, outcome))
	case t.Outcome != "" && t.Outcome != outcome:
		h.result.AddError(fmt.Sprintf("steps[%d]: toggle %s/%s: expected %s, got %s", index, t.Item, t.Kind, t.Outcome, outcome))
	}

	if ticket.Outcome == engine.Applied {
		h.pending = append(h.pending, pendingTicket{
			key:    interaction.Key{ItemID: t.Item, Kind: t.Kind},
			ticket: ticket,
		})
	}
	return nil
}

// settle waits for every applied toggle, in toggle order, and traces how
// each write resolved.
func (h *Harness) settle(ctx context.Context) error {
	pending := h.pending
	h.pending = nil

	for _, p := range pending {
		entry := TraceEntry{"op": OpSettled, "item": p.key.ItemID, "kind": string(p.key.Kind)}

		timer := time.NewTimer(h.expectTimeout)
		select {
		case <-p.ticket.Done():
			timer.Stop()
			entry["result"] = "ok"
			if err := p.ticket.Err(); err != nil {
				code, ok := errorCode(err)
				if !ok {
					code = err.Error()
				}
				entry["result"] = code
			}
		case <-timer.C:
			entry["result"] = "unresolved"
			h.result.AddError(fmt.Sprintf("write for %s did not resolve within %s", p.key, h.expectTimeout))
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		h.result.addTrace(entry)
	}
	return nil
}

// expect polls until the record matches or the expect timeout passes.
func (h *Harness) expect(ctx context.Context, index int, exp *Expect) error {
	deadline := time.Now().Add(h.expectTimeout)
	for {
		obs, err := h.observe(ctx, exp)
		expired := time.Now().After(deadline)

		switch {
		case err == nil:
			entry, mismatches := check(exp, obs)
			if len(mismatches) == 0 || expired {
				h.result.addTrace(entry)
				for _, m := range mismatches {
					h.result.AddError(fmt.Sprintf("steps[%d]: expect %s/%s: %s", index, exp.Item, exp.Kind, m))
				}
				return nil
			}
		case expired:
			code, ok := errorCode(err)
			if !ok {
				return err
			}
			h.result.addTrace(TraceEntry{"op": OpExpect, "item": exp.Item, "kind": string(exp.Kind), "error": code})
			h.result.AddError(fmt.Sprintf("steps[%d]: expect %s/%s: %s", index, exp.Item, exp.Kind, code))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(expectPoll):
		}
	}
}

func (h *Harness) observe(ctx context.Context, exp *Expect) (observation, error) {
	rec, err := h.eng.Snapshot(ctx, exp.Item, exp.Kind)
	if err != nil {
		return observation{}, err
	}
	return observation{
		record:       rec,
		cached:       h.cache.IsActiveSync(exp.Item, exp.Kind),
		remoteActive: h.backend.Snapshot(exp.Item, exp.Kind).Contains(h.scenario.User),
	}, nil
}

func (h *Harness) collectEvents() {
	for {
		select {
		case ev := <-h.busSub.C:
			h.result.Events = append(h.result.Events, BusEvent{Name: ev.EventName(), ItemID: ev.ItemID()})
		default:
			return
		}
	}
}

// errorCode extracts the toggle error code from err.
func errorCode(err error) (string, bool) {
	var te *engine.ToggleError
	if errors.As(err, &te) {
		return string(te.Code), true
	}
	return "", false
}

// writeControl scripts the backend's behavior for the next writes.
type writeControl struct {
	mu       sync.Mutex
	held     chan struct{}
	failNext string
}

// hook blocks while writes are held and fails the write after a
// fail_next_write step.
func (w *writeControl) hook(ctx context.Context, _ remote.WriteRequest) error {
	w.mu.Lock()
	held := w.held
	reason := w.failNext
	w.failNext = ""
	w.mu.Unlock()

	if held != nil {
		select {
		case <-held:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if reason != "" {
		return errors.New(reason)
	}
	return nil
}

func (w *writeControl) hold() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.held == nil {
		w.held = make(chan struct{})
	}
}

func (w *writeControl) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.held != nil {
		close(w.held)
		w.held = nil
	}
}

func (w *writeControl) failNextWith(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failNext = reason
}
