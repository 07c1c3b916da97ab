package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/oire/internal/interaction"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Kind string // optional - filter to one kind
}

// SettlementView is one journal entry.
type SettlementView struct {
	Seq     int64  `json:"seq"`
	Kind    string `json:"kind"`
	Active  bool   `json:"active"`
	Count   *int   `json:"count,omitempty"`
	Source  string `json:"source"`
	WriteID string `json:"write_id,omitempty"`
}

// TraceResult holds the settlement history of one item.
type TraceResult struct {
	UserID      string           `json:"user_id"`
	ItemID      string           `json:"item_id"`
	Settlements []SettlementView `json:"settlements"`
}

// WriteText renders the result for humans.
func (r TraceResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Settlements for %s (user %s)\n", r.ItemID, r.UserID)
	if len(r.Settlements) == 0 {
		_, err := fmt.Fprintln(w, "  (no settlements)")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tKIND\tACTIVE\tCOUNT\tSOURCE\tWRITE ID")
	for _, s := range r.Settlements {
		writeID := s.WriteID
		if len(writeID) > 12 {
			writeID = writeID[:12]
		}
		count := "-"
		if s.Count != nil {
			count = strconv.Itoa(*s.Count)
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\t%s\n", s.Seq, s.Kind, s.Active, count, s.Source, writeID)
	}
	return tw.Flush()
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <item-id>",
		Short: "Show the settlement journal for an item",
		Long: `Show every authoritative change recorded for an item, in order.

Sources:
  push      - a snapshot pushed by the backend (the only source with a count)
  write     - a confirmed write from this client
  rollback  - a failed write was rolled back
  timeout   - a write was abandoned after the in-flight timeout

Examples:
  oire trace P1 --user U1
  oire trace P1 --user U1 --kind save --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter to one kind")

	return cmd
}

func runTrace(ctx context.Context, opts *TraceOptions, itemID string, cmd *cobra.Command) error {
	var kind interaction.Kind
	if opts.Kind != "" {
		k, err := interaction.ParseKind(opts.Kind)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid kind", err)
		}
		kind = k
	}

	st, err := openExistingCache(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	settlements, err := st.ReadSettlements(ctx, itemID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	result := TraceResult{
		UserID:      st.UserID(),
		ItemID:      itemID,
		Settlements: make([]SettlementView, 0, len(settlements)),
	}
	for _, s := range settlements {
		if kind != "" && s.Kind != kind {
			continue
		}
		result.Settlements = append(result.Settlements, SettlementView{
			Seq:     s.Seq,
			Kind:    string(s.Kind),
			Active:  s.Active,
			Count:   s.Count,
			Source:  string(s.Source),
			WriteID: s.WriteID,
		})
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(result)
}
