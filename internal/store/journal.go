package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/oire/internal/interaction"
)

// Source names what produced a settlement.
type Source string

const (
	SourcePush     Source = "push"
	SourceWrite    Source = "write"
	SourceRollback Source = "rollback"
	SourceTimeout  Source = "timeout"
)

// Settlement is one authoritative state change for the store's user.
type Settlement struct {
	Seq    int64
	ItemID string
	Kind   interaction.Kind
	Active bool

	// Count is the backend's total for the kind. Nil unless Source is
	// SourcePush: a write outcome does not tell us the new total.
	Count   *int
	Source  Source
	WriteID string
}

// KnownCount returns a Count for a settlement whose total is known.
func KnownCount(n int) *int {
	return &n
}

// AppendSettlement inserts a journal entry.
// Uses ON CONFLICT DO NOTHING so replaying an entry with the same seq is a no-op.
func (s *Store) AppendSettlement(ctx context.Context, st Settlement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements
		(user_id, seq, item_id, kind, active, count, source, write_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, seq) DO NOTHING
	`,
		s.userID,
		st.Seq,
		st.ItemID,
		string(st.Kind),
		boolToInt(st.Active),
		nullableCount(st.Count),
		string(st.Source),
		st.WriteID,
	)
	if err != nil {
		return fmt.Errorf("append settlement: %w", err)
	}
	return nil
}

// ReadSettlements returns the journal for one item in seq order.
// Returns an empty slice (not nil) if the item has no entries.
func (s *Store) ReadSettlements(ctx context.Context, itemID string) ([]Settlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, item_id, kind, active, count, source, write_id
		FROM settlements
		WHERE user_id = ? AND item_id = ?
		ORDER BY seq ASC
	`, s.userID, itemID)
	if err != nil {
		return nil, fmt.Errorf("query settlements: %w", err)
	}
	defer rows.Close()

	out := []Settlement{}
	for rows.Next() {
		var (
			st     Settlement
			kind   string
			active int
			count  sql.NullInt64
			source string
		)
		if err := rows.Scan(&st.Seq, &st.ItemID, &kind, &active, &count, &source, &st.WriteID); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		st.Kind = interaction.Kind(kind)
		st.Active = active != 0
		st.Source = Source(source)
		if count.Valid {
			st.Count = KnownCount(int(count.Int64))
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlements: %w", err)
	}
	return out, nil
}

// MaxSeq returns the highest journal seq for the user, or 0.
// The engine resumes its logical clock from here so seqs stay unique
// across restarts.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM settlements WHERE user_id = ?
	`, s.userID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}

func nullableCount(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
