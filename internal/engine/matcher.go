package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/oire/internal/interaction"
	"github.com/roach88/oire/internal/store"
)

// decision is how reconcile treated a push.
type decision int

const (
	// decisionIgnore: not in flight and the value already matches.
	decisionIgnore decision = iota + 1
	// decisionAccept: in flight and the push confirms the expectation.
	decisionAccept
	// decisionHold: in flight and the push disagrees; keep the optimistic value.
	decisionHold
	// decisionOverwrite: not in flight and the push differs; it wins.
	decisionOverwrite
)

func (d decision) String() string {
	switch d {
	case decisionIgnore:
		return "ignore"
	case decisionAccept:
		return "accept"
	case decisionHold:
		return "hold"
	case decisionOverwrite:
		return "overwrite"
	default:
		return "unknown"
	}
}

// reconcile applies push to rec. The count is always taken from the push;
// the active flag follows the decision table.
func reconcile(rec *interaction.Record, push interaction.Push) decision {
	rec.Count = push.Count

	switch {
	case rec.InFlight && push.Active == rec.Expected:
		rec.InFlight = false
		// Active already equals Expected while in flight.
		rec.Active = push.Active
		return decisionAccept
	case rec.InFlight:
		return decisionHold
	case rec.Active == push.Active:
		return decisionIgnore
	default:
		rec.Active = push.Active
		return decisionOverwrite
	}
}

// handlePush runs one push through the matcher. Called only from Run.
// Pushes for items no longer visible are dropped; the next Show re-reads.
func (e *Engine) handlePush(ctx context.Context, push interaction.Push) {
	key := push.Key()
	rec, ok := e.records[key]
	if !ok {
		slog.Debug("push for hidden item dropped", "item_id", key.ItemID, "kind", key.Kind)
		return
	}

	before := *rec
	rec.Confirmed = push.Active
	d := reconcile(rec, push)

	slog.Debug("push reconciled",
		"item_id", key.ItemID,
		"kind", key.Kind,
		"decision", d.String(),
		"active", push.Active,
		"count", push.Count)

	if before.Rendered(*rec) {
		e.render(*rec)
	}
	if before.Confirmed != push.Active || before.Count != push.Count {
		e.settle(ctx, key, push.Active, store.KnownCount(push.Count), store.SourcePush, "")
	}
}
