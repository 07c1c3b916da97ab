package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/oire/internal/eventbus"
	"github.com/roach88/oire/internal/interaction"
	"github.com/roach88/oire/internal/observer"
	"github.com/roach88/oire/internal/policy"
	"github.com/roach88/oire/internal/remote"
	"github.com/roach88/oire/internal/store"
)

const (
	// DefaultInFlightTimeout bounds how long a record may stay InFlight.
	DefaultInFlightTimeout = 30 * time.Second

	// DefaultHydrationWait and DefaultHydrationPoll bound the cold-start
	// wait for the local cache in Show.
	DefaultHydrationWait = 3 * time.Second
	DefaultHydrationPoll = 20 * time.Millisecond
)

// Cache is the local active-set store. Implemented by *store.Store.
type Cache interface {
	IsActiveSync(itemID string, kind interaction.Kind) bool
	SetActive(ctx context.Context, itemID string, kind interaction.Kind, active bool, seq int64) error
	WaitHydrated(ctx context.Context, timeout, poll time.Duration) bool
}

// Journal records authoritative settlements. Implemented by *store.Store.
type Journal interface {
	AppendSettlement(ctx context.Context, st store.Settlement) error
}

// Observer attaches live subscriptions. Implemented by *observer.Observer.
type Observer interface {
	Observe(ctx context.Context, itemID string, kinds []interaction.Kind, sink observer.Sink) error
	StopObserving(itemID string) error
}

// Gate reports connectivity. Implemented by *connectivity.Gate.
type Gate interface {
	IsOnline() bool
}

// Publisher fans out cross-screen events. Implemented by *eventbus.Bus.
type Publisher interface {
	Publish(e eventbus.Event)
}

// Deps are the collaborators an Engine is built from. Journal and Bus are
// optional.
type Deps struct {
	UserID   string
	Policies policy.Table
	Backend  remote.Backend
	Observer Observer
	Cache    Cache
	Gate     Gate
	Journal  Journal
	Bus      Publisher
}

// Engine owns every interaction record for one user.
//
// Thread-safety model:
//   - Show, Hide, Toggle, Snapshot, Records: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//
// Hide must follow a completed Show for the same item.
type Engine struct {
	userID   string
	policies policy.Table
	backend  remote.Backend
	observer Observer
	cache    Cache
	gate     Gate
	journal  Journal
	bus      Publisher

	clock           *Clock
	queue           *eventQueue
	tokens          TokenGenerator
	now             func() time.Time
	inFlightTimeout time.Duration
	hydrationWait   time.Duration
	hydrationPoll   time.Duration
	renderHook      func(interaction.Record)

	stopped chan struct{}
	writes  sync.WaitGroup

	// Loop-owned state. Touched only from Run.
	records map[interaction.Key]*interaction.Record
	views   map[string]*view
	pending map[int64]*pendingWrite
}

// view is one visible item.
type view struct {
	item  interaction.Item
	kinds []interaction.Kind
	refs  int
}

// pendingWrite is a remote write whose result has not re-entered the loop.
type pendingWrite struct {
	ticket *Ticket
	item   interaction.Item
	key    interaction.Key
	active bool
	cancel context.CancelFunc
	timer  *time.Timer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the logical clock, e.g. NewClockAt(journal max seq).
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithNow sets the wall clock used for debounce.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithInFlightTimeout bounds how long a write may stay unresolved before
// the record rolls back. Zero disables the bound.
func WithInFlightTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.inFlightTimeout = d
	}
}

// WithHydrationWait sets the bounded cache wait in Show.
func WithHydrationWait(timeout, poll time.Duration) Option {
	return func(e *Engine) {
		e.hydrationWait = timeout
		e.hydrationPoll = poll
	}
}

// WithRenderHook registers fn to run on the loop goroutine whenever a
// record's rendered fields change. fn must not call back into the engine.
func WithRenderHook(fn func(interaction.Record)) Option {
	return func(e *Engine) {
		e.renderHook = fn
	}
}

// WithTokenGenerator sets the write token source.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(e *Engine) {
		e.tokens = g
	}
}

// New creates an Engine. Run must be started before other calls complete.
func New(deps Deps, opts ...Option) (*Engine, error) {
	if deps.UserID == "" {
		return nil, fmt.Errorf("engine: user id required")
	}
	if deps.Policies == nil || deps.Backend == nil || deps.Observer == nil || deps.Cache == nil || deps.Gate == nil {
		return nil, fmt.Errorf("engine: policies, backend, observer, cache and gate are required")
	}

	e := &Engine{
		userID:          deps.UserID,
		policies:        deps.Policies,
		backend:         deps.Backend,
		observer:        deps.Observer,
		cache:           deps.Cache,
		gate:            deps.Gate,
		journal:         deps.Journal,
		bus:             deps.Bus,
		clock:           NewClock(),
		queue:           newEventQueue(),
		tokens:          UUIDv7Generator{},
		now:             time.Now,
		inFlightTimeout: DefaultInFlightTimeout,
		hydrationWait:   DefaultHydrationWait,
		hydrationPoll:   DefaultHydrationPoll,
		stopped:         make(chan struct{}),
		records:         make(map[interaction.Key]*interaction.Record),
		views:           make(map[string]*view),
		pending:         make(map[int64]*pendingWrite),
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// UserID returns the viewing user.
func (e *Engine) UserID() string {
	return e.userID
}

// Run starts the single-writer event loop.
// Blocks until ctx is cancelled or Stop is called.
//
// Event handling errors are logged and the loop continues; a failed toggle
// never affects other records.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting", "user_id", e.userID)
	defer e.shutdown()

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			e.processEvent(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel is closed with the queue, so this fires
			// repeatedly once stopped; return when nothing is left.
			if e.queue.Len() == 0 && e.queue.Closed() {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue, causing Run to return.
func (e *Engine) Stop() {
	e.queue.Close()
}

// shutdown resolves everything still waiting on the loop.
func (e *Engine) shutdown() {
	for attempt, pw := range e.pending {
		pw.cancel()
		if pw.timer != nil {
			pw.timer.Stop()
		}
		pw.ticket.resolve(ErrEngineStopped)
		delete(e.pending, attempt)
	}
	for {
		ev, ok := e.queue.TryDequeue()
		if !ok {
			break
		}
		if ev.reply != nil {
			ev.reply <- reply{err: ErrEngineStopped}
		}
	}
	close(e.stopped)
	e.writes.Wait()
}

// call posts ev and waits for its reply.
func (e *Engine) call(ctx context.Context, ev event) (reply, error) {
	ev.reply = make(chan reply, 1)
	if !e.queue.Enqueue(ev) {
		return reply{}, ErrEngineStopped
	}
	select {
	case r := <-ev.reply:
		return r, r.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-e.stopped:
		return reply{}, ErrEngineStopped
	}
}

// Show materializes records for a newly visible item and attaches its
// subscriptions.
//
// It first waits, bounded, for the local cache to finish hydrating, so the
// seeded values reflect durable membership. If the wait expires the
// records are seeded from whatever the cache holds; pushes correct them.
func (e *Engine) Show(ctx context.Context, item interaction.Item) error {
	if item.ID == "" {
		return fmt.Errorf("show: item id required")
	}

	if !e.cache.WaitHydrated(ctx, e.hydrationWait, e.hydrationPoll) {
		if err := ctx.Err(); err != nil {
			return err
		}
		slog.Warn("cache hydration wait expired, seeding from partial cache",
			"item_id", item.ID,
			"wait", e.hydrationWait)
	}

	r, err := e.call(ctx, event{typ: eventShow, item: item})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrEngineStopped) {
			// The loop still takes the view; hand it back.
			e.queue.Enqueue(event{typ: eventHide, itemID: item.ID})
		}
		return err
	}

	if err := e.observer.Observe(ctx, item.ID, r.kinds, e.sink); err != nil {
		// Undo the view taken above.
		e.queue.Enqueue(event{typ: eventHide, itemID: item.ID})
		return fmt.Errorf("show %s: %w", item.ID, err)
	}
	return nil
}

// sink is the observer callback. It runs on forwarder goroutines and only
// posts to the loop.
func (e *Engine) sink(snap interaction.Snapshot) {
	e.queue.Enqueue(event{typ: eventPush, push: snap.ForUser(e.userID)})
}

// Hide releases one view of an item. The last release tears down its
// records and subscriptions. In-flight writes still settle the cache.
func (e *Engine) Hide(ctx context.Context, itemID string) error {
	if _, err := e.call(ctx, event{typ: eventHide, itemID: itemID}); err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrEngineStopped) {
			// The loop still drops the view; drop the matching subscription
			// reference too.
			if serr := e.observer.StopObserving(itemID); serr != nil {
				slog.Debug("stop observing after cancelled hide", "item_id", itemID, "error", serr)
			}
		}
		return err
	}
	if err := e.observer.StopObserving(itemID); err != nil {
		return fmt.Errorf("hide %s: %w", itemID, err)
	}
	return nil
}

// Toggle flips the user's interaction of kind on item.
//
// Rejections return a *ToggleError and leave state untouched. Swallowed
// taps return a completed Ticket with Outcome Debounced or AlreadyInFlight.
func (e *Engine) Toggle(ctx context.Context, item interaction.Item, kind interaction.Kind) (*Ticket, error) {
	r, err := e.call(ctx, event{typ: eventToggle, item: item, kind: kind})
	if err != nil {
		return nil, err
	}
	return r.ticket, nil
}

// Snapshot returns a copy of the record for (itemID, kind).
func (e *Engine) Snapshot(ctx context.Context, itemID string, kind interaction.Kind) (interaction.Record, error) {
	r, err := e.call(ctx, event{typ: eventQuery, itemID: itemID, kind: kind})
	if err != nil {
		return interaction.Record{}, err
	}
	return r.records[0], nil
}

// Records returns copies of every record for itemID, in kind declaration order.
func (e *Engine) Records(ctx context.Context, itemID string) ([]interaction.Record, error) {
	r, err := e.call(ctx, event{typ: eventQuery, itemID: itemID})
	if err != nil {
		return nil, err
	}
	return r.records, nil
}

// processEvent routes an event to its handler.
// Called only from Run.
func (e *Engine) processEvent(ctx context.Context, ev event) {
	var r reply

	switch ev.typ {
	case eventShow:
		r.kinds = e.handleShow(ev.item)
	case eventHide:
		r.err = e.handleHide(ev.itemID)
	case eventToggle:
		r.ticket, r.err = e.handleToggle(ctx, ev.item, ev.kind)
	case eventPush:
		e.handlePush(ctx, ev.push)
	case eventWriteResult:
		e.handleWriteResult(ctx, ev.attempt, ev.active, ev.err)
	case eventTimeout:
		e.handleTimeout(ctx, ev.attempt)
	case eventQuery:
		r.records, r.err = e.handleQuery(ev.itemID, ev.kind)
	default:
		slog.Error("unknown event type", "type", int(ev.typ))
	}

	if ev.reply != nil {
		ev.reply <- r
	}
}

func (e *Engine) handleShow(item interaction.Item) []interaction.Kind {
	if v, ok := e.views[item.ID]; ok {
		v.refs++
		v.item = item
		return v.kinds
	}

	kinds := e.policies.KindsFor(item.Category)
	e.views[item.ID] = &view{item: item, kinds: kinds, refs: 1}

	for _, kind := range kinds {
		cached := e.cache.IsActiveSync(item.ID, kind)
		rec := &interaction.Record{
			ItemID:    item.ID,
			Kind:      kind,
			Active:    cached,
			Confirmed: cached,
		}
		e.records[rec.Key()] = rec
		e.render(*rec)
	}

	slog.Debug("item visible", "item_id", item.ID, "kinds", len(kinds))
	return kinds
}

func (e *Engine) handleHide(itemID string) error {
	v, ok := e.views[itemID]
	if !ok {
		return newToggleError(ErrCodeItemNotVisible, interaction.Key{ItemID: itemID}, "item is not visible", nil)
	}
	v.refs--
	if v.refs > 0 {
		return nil
	}

	for _, kind := range v.kinds {
		delete(e.records, interaction.Key{ItemID: itemID, Kind: kind})
	}
	delete(e.views, itemID)
	slog.Debug("item hidden", "item_id", itemID)
	return nil
}

func (e *Engine) handleQuery(itemID string, kind interaction.Kind) ([]interaction.Record, error) {
	v, ok := e.views[itemID]
	if !ok {
		return nil, newToggleError(ErrCodeItemNotVisible, interaction.Key{ItemID: itemID, Kind: kind}, "item is not visible", nil)
	}

	if kind != "" {
		rec, ok := e.records[interaction.Key{ItemID: itemID, Kind: kind}]
		if !ok {
			return nil, newToggleError(ErrCodeCategoryNotAllowed, interaction.Key{ItemID: itemID, Kind: kind}, "kind not available for item", nil)
		}
		return []interaction.Record{*rec}, nil
	}

	out := make([]interaction.Record, 0, len(v.kinds))
	for _, k := range v.kinds {
		out = append(out, *e.records[interaction.Key{ItemID: itemID, Kind: k}])
	}
	return out, nil
}

// render invokes the render hook.
func (e *Engine) render(rec interaction.Record) {
	if e.renderHook != nil {
		e.renderHook(rec)
	}
}

// settle journals an authoritative change and mirrors it into the cache.
// count is nil unless the backend reported the total with the change.
// Failures are logged: the in-memory record stays authoritative for the
// session, and the next push repairs the cache.
func (e *Engine) settle(ctx context.Context, key interaction.Key, active bool, count *int, source store.Source, writeID string) {
	seq := e.clock.Next()

	if e.cache.IsActiveSync(key.ItemID, key.Kind) != active {
		if err := e.cache.SetActive(ctx, key.ItemID, key.Kind, active, seq); err != nil {
			slog.Error("cache update failed",
				"item_id", key.ItemID,
				"kind", key.Kind,
				"error", err)
		}
	}

	if e.journal == nil {
		return
	}
	st := store.Settlement{
		Seq:     seq,
		ItemID:  key.ItemID,
		Kind:    key.Kind,
		Active:  active,
		Count:   count,
		Source:  source,
		WriteID: writeID,
	}
	if err := e.journal.AppendSettlement(ctx, st); err != nil {
		slog.Error("journal append failed",
			"item_id", key.ItemID,
			"kind", key.Kind,
			"seq", seq,
			"error", err)
	}
}
