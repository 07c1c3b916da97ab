package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/oire/internal/interaction"
	"github.com/roach88/oire/internal/store"
)

// CacheOptions holds flags for the cache command.
type CacheOptions struct {
	*RootOptions
	Kind string
}

// KindItems is the active set of one kind.
type KindItems struct {
	Kind  string   `json:"kind"`
	Items []string `json:"items"`
}

// CacheResult is the output of the cache command.
type CacheResult struct {
	UserID string      `json:"user_id"`
	Path   string      `json:"path"`
	Kinds  []KindItems `json:"kinds"`
}

// WriteText renders the result for humans.
func (r CacheResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Cache for %s (%s)\n", r.UserID, r.Path)
	for _, k := range r.Kinds {
		items := "(none)"
		if len(k.Items) > 0 {
			items = strings.Join(k.Items, ", ")
		}
		fmt.Fprintf(w, "  %-10s %s\n", k.Kind, items)
	}
	return nil
}

// NewCacheCommand creates the cache command.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CacheOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "List the durable active sets",
		Long: `List the items the user has active for each kind, as stored in the
local cache. These values seed records when an item becomes visible.

Examples:
  oire cache --user U1
  oire cache --user U1 --kind save --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCache(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only list this kind")

	return cmd
}

func runCache(ctx context.Context, opts *CacheOptions, cmd *cobra.Command) error {
	kinds := interaction.AllKinds()
	if opts.Kind != "" {
		kind, err := interaction.ParseKind(opts.Kind)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid kind", err)
		}
		kinds = []interaction.Kind{kind}
	}

	st, err := openExistingCache(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Hydrate(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to read cache", err)
	}

	result := CacheResult{
		UserID: st.UserID(),
		Path:   opts.Config.Cache.Path,
		Kinds:  make([]KindItems, 0, len(kinds)),
	}
	for _, kind := range kinds {
		result.Kinds = append(result.Kinds, KindItems{Kind: string(kind), Items: st.ActiveItems(kind)})
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(result)
}

// openExistingCache opens the configured cache without creating it.
func openExistingCache(opts *RootOptions) (*store.Store, error) {
	if err := requireUser(opts); err != nil {
		return nil, err
	}
	path := opts.Config.Cache.Path
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("cache not found: %s", path))
	}
	st, err := store.Open(path, opts.Config.UserID)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open cache", err)
	}
	return st, nil
}
