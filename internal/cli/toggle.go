package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/oire/internal/engine"
	"github.com/roach88/oire/internal/interaction"
)

// ToggleOptions holds flags for the toggle command.
type ToggleOptions struct {
	*RootOptions
	Author   string
	Category string
	Wait     bool
	Timeout  time.Duration
}

// ToggleResult is the output of the toggle command.
type ToggleResult struct {
	ItemID  string       `json:"item_id"`
	Kind    string       `json:"kind"`
	Outcome string       `json:"outcome"`
	WriteID string       `json:"write_id,omitempty"`
	Settled bool         `json:"settled"`
	Records []RecordView `json:"records"`
}

// WriteText renders the result for humans.
func (r ToggleResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "%s %s: %s", r.ItemID, r.Kind, r.Outcome)
	if r.Settled {
		fmt.Fprint(w, " (settled)")
	}
	fmt.Fprintln(w)
	return writeRecordTable(w, r.Records)
}

// NewToggleCommand creates the toggle command.
func NewToggleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ToggleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "toggle <item-id> <kind>",
		Short: "Toggle an interaction on an item",
		Long: `Show an item, toggle one interaction kind, and print its records.

The toggle is applied optimistically and written to the backend. With
--wait (the default) the command waits for the write to settle and exits
non-zero if it was rolled back.

Kinds: illuminate, amen, repost, save, prayNow

Exit codes:
  0 - Toggle applied (or swallowed by debounce / single-flight)
  1 - Toggle rejected or the write failed
  2 - Command error (bad config, backend unreachable)

Examples:
  oire toggle P1 amen --author U2
  oire toggle R1 prayNow --author U2 --category prayer
  oire toggle P1 save --author U2 --wait=false --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToggle(cmd.Context(), opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Author, "author", "", "item author id (required)")
	_ = cmd.MarkFlagRequired("author")
	cmd.Flags().StringVar(&opts.Category, "category", "", "item category")
	cmd.Flags().BoolVar(&opts.Wait, "wait", true, "wait for the remote write to settle")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "overall command timeout")

	return cmd
}

func runToggle(ctx context.Context, opts *ToggleOptions, itemID, kindName string, cmd *cobra.Command) error {
	if err := requireUser(opts.RootOptions); err != nil {
		return err
	}
	kind, err := interaction.ParseKind(kindName)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid kind", err)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	sess, err := openSession(ctx, opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start session", err)
	}
	defer sess.Close()

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	item := interaction.Item{ID: itemID, AuthorID: opts.Author, Category: opts.Category}

	if err := sess.engine.Show(ctx, item); err != nil {
		return WrapExitError(ExitCommandError, "failed to show item", err)
	}

	ticket, err := sess.engine.Toggle(ctx, item, kind)
	if err != nil {
		return reportToggleError(out, err)
	}

	result := ToggleResult{
		ItemID:  itemID,
		Kind:    string(kind),
		Outcome: ticket.Outcome.String(),
		WriteID: ticket.WriteID,
	}

	if opts.Wait {
		if err := ticket.Wait(ctx); err != nil {
			return reportToggleError(out, err)
		}
		result.Settled = true
	}

	records, err := sess.engine.Records(ctx, itemID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read records", err)
	}
	result.Records = newRecordViews(records)
	return out.Success(result)
}

// reportToggleError prints a toggle rejection or write failure and maps it
// to an exit code.
func reportToggleError(out *OutputFormatter, err error) error {
	var te *engine.ToggleError
	if !errors.As(err, &te) {
		return WrapExitError(ExitCommandError, "toggle failed", err)
	}
	if perr := out.Error(string(te.Code), te.Error(), nil); perr != nil {
		return perr
	}
	return WrapExitError(ExitFailure, "toggle failed", err)
}
