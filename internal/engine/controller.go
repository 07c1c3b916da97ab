package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/oire/internal/eventbus"
	"github.com/roach88/oire/internal/interaction"
	"github.com/roach88/oire/internal/remote"
	"github.com/roach88/oire/internal/store"
)

// handleToggle runs the guards in order, then applies the optimistic flip.
// Called only from Run.
//
// Guard order: policy lookup, author exclusivity, category, visibility,
// connectivity, debounce, single-flight. Every rejection happens before
// the record is touched.
func (e *Engine) handleToggle(ctx context.Context, item interaction.Item, kind interaction.Kind) (*Ticket, error) {
	key := interaction.Key{ItemID: item.ID, Kind: kind}

	pol, ok := e.policies.For(kind)
	if !ok {
		return nil, newToggleError(ErrCodeUnknownKind, key, "no policy for kind", nil)
	}
	if pol.AuthorExclusive && item.AuthorID == e.userID {
		return nil, newToggleError(ErrCodeForbiddenSelfInteraction, key, "author cannot toggle own item", nil)
	}
	if !pol.AllowsCategory(item.Category) {
		return nil, newToggleError(ErrCodeCategoryNotAllowed, key,
			fmt.Sprintf("kind not valid for category %q", item.Category), nil)
	}

	rec, ok := e.records[key]
	if !ok {
		return nil, newToggleError(ErrCodeItemNotVisible, key, "item is not visible", nil)
	}

	if pol.OnlineOnly && !e.gate.IsOnline() {
		return nil, newToggleError(ErrCodeOffline, key, "toggle requires connectivity", nil)
	}

	now := e.now()
	if pol.Debounce > 0 && !rec.LastActionAt.IsZero() && now.Sub(rec.LastActionAt) < pol.Debounce {
		slog.Debug("toggle debounced", "item_id", key.ItemID, "kind", kind, "since_last", now.Sub(rec.LastActionAt))
		return resolvedTicket(Debounced), nil
	}
	if pol.SingleFlight && rec.InFlight {
		slog.Debug("toggle rejected: already in flight", "item_id", key.ItemID, "kind", kind, "attempt", rec.Attempt)
		return resolvedTicket(AlreadyInFlight), nil
	}

	next := !rec.Active
	attempt := e.clock.Next()
	writeID, err := interaction.WriteID(e.tokens.Generate(), key, e.userID, next, attempt)
	if err != nil {
		return nil, fmt.Errorf("toggle %s: %w", key, err)
	}

	if rec.InFlight {
		slog.Debug("toggle supersedes in-flight attempt",
			"item_id", key.ItemID,
			"kind", kind,
			"superseded", rec.Attempt,
			"attempt", attempt)
	}

	// Count is deliberately untouched.
	rec.Active = next
	rec.Expected = next
	rec.InFlight = true
	rec.LastActionAt = now
	rec.Attempt = attempt
	e.render(*rec)

	ticket := newTicket(Applied)
	ticket.Attempt = attempt
	ticket.WriteID = writeID

	slog.Debug("optimistic apply",
		"item_id", key.ItemID,
		"kind", kind,
		"active", next,
		"attempt", attempt,
		"write_id", writeID)

	e.startWrite(ctx, ticket, item, key, next)
	return ticket, nil
}

// startWrite issues the remote write on its own goroutine. The result
// re-enters the loop as an eventWriteResult.
func (e *Engine) startWrite(ctx context.Context, ticket *Ticket, item interaction.Item, key interaction.Key, active bool) {
	writeCtx, cancel := context.WithCancel(ctx)
	pw := &pendingWrite{
		ticket: ticket,
		item:   item,
		key:    key,
		active: active,
		cancel: cancel,
	}

	attempt := ticket.Attempt
	if e.inFlightTimeout > 0 {
		pw.timer = time.AfterFunc(e.inFlightTimeout, func() {
			e.queue.Enqueue(event{typ: eventTimeout, attempt: attempt})
		})
	}
	e.pending[attempt] = pw

	req := remote.WriteRequest{
		WriteID: ticket.WriteID,
		ItemID:  key.ItemID,
		Kind:    key.Kind,
		UserID:  e.userID,
		Active:  active,
	}

	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		confirmed, err := e.backend.SetInteraction(writeCtx, req)
		e.queue.Enqueue(event{typ: eventWriteResult, attempt: attempt, active: confirmed, err: err})
	}()
}

// current returns the record for key if attempt is still its live,
// unsettled attempt.
func (e *Engine) current(key interaction.Key, attempt int64) (*interaction.Record, bool) {
	rec, ok := e.records[key]
	if !ok || !rec.InFlight || rec.Attempt != attempt {
		return rec, false
	}
	return rec, true
}

// handleWriteResult settles one write. Called only from Run.
func (e *Engine) handleWriteResult(ctx context.Context, attempt int64, confirmed bool, writeErr error) {
	pw, ok := e.pending[attempt]
	if !ok {
		// Already resolved by the in-flight timeout.
		return
	}
	delete(e.pending, attempt)
	pw.cancel()
	if pw.timer != nil {
		pw.timer.Stop()
	}

	key := pw.key
	rec, live := e.current(key, attempt)

	if writeErr != nil {
		slog.Warn("remote write failed",
			"item_id", key.ItemID,
			"kind", key.Kind,
			"attempt", attempt,
			"superseded", !live,
			"error", writeErr)
		if live {
			e.rollback(ctx, rec, store.SourceRollback, pw.ticket.WriteID)
		}
		pw.ticket.resolve(newToggleError(ErrCodeRemoteWriteFailure, key, "remote write failed", writeErr))
		return
	}

	// The confirmation is authoritative whether or not the attempt is live.
	// It carries no total; the push that follows journals the count.
	if rec != nil {
		rec.Confirmed = confirmed
	}
	e.settle(ctx, key, confirmed, nil, store.SourceWrite, pw.ticket.WriteID)

	if e.bus != nil {
		if ev, ok := eventbus.ForWrite(pw.item, key.Kind, confirmed); ok {
			e.bus.Publish(ev)
		}
	}

	if live {
		before := *rec
		rec.InFlight = false
		if rec.Active != confirmed {
			slog.Info("write confirmed a different value, snapping",
				"item_id", key.ItemID,
				"kind", key.Kind,
				"expected", rec.Expected,
				"confirmed", confirmed)
			rec.Active = confirmed
		}
		if before.Rendered(*rec) {
			e.render(*rec)
		}
	}

	slog.Debug("remote write confirmed",
		"item_id", key.ItemID,
		"kind", key.Kind,
		"attempt", attempt,
		"active", confirmed,
		"superseded", !live)
	pw.ticket.resolve(nil)
}

// handleTimeout abandons a write that did not resolve in time.
// Called only from Run.
func (e *Engine) handleTimeout(ctx context.Context, attempt int64) {
	pw, ok := e.pending[attempt]
	if !ok {
		return
	}
	delete(e.pending, attempt)
	pw.cancel()

	key := pw.key
	rec, live := e.current(key, attempt)
	cause := fmt.Errorf("write unresolved after %s: %w", e.inFlightTimeout, context.DeadlineExceeded)

	if !live {
		// A push already settled the record, or a newer attempt owns it.
		slog.Debug("abandoning stale write", "item_id", key.ItemID, "kind", key.Kind, "attempt", attempt)
		pw.ticket.resolve(cause)
		return
	}

	slog.Warn("in-flight timeout, rolling back",
		"item_id", key.ItemID,
		"kind", key.Kind,
		"attempt", attempt,
		"timeout", e.inFlightTimeout)
	e.rollback(ctx, rec, store.SourceTimeout, pw.ticket.WriteID)
	pw.ticket.resolve(newToggleError(ErrCodeRemoteWriteFailure, key, "remote write timed out", cause))
}

// rollback restores the last authoritative value and clears InFlight.
func (e *Engine) rollback(ctx context.Context, rec *interaction.Record, source store.Source, writeID string) {
	before := *rec
	rec.Active = rec.Confirmed
	rec.Expected = rec.Confirmed
	rec.InFlight = false
	if before.Rendered(*rec) {
		e.render(*rec)
	}
	e.settle(ctx, rec.Key(), rec.Confirmed, nil, source, writeID)
}
