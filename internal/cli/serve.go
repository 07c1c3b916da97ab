package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/oire/internal/interaction"
	"github.com/roach88/oire/internal/remote"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
	Seed []string // item/kind=user1,user2
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the in-memory reference backend",
		Long: `Serve the in-memory interaction backend over websocket.

Clients write memberships and subscribe to per-item snapshots on /v1/ws.
/healthz answers reachability probes. State lives in memory only.

Examples:
  oire serve
  oire serve --addr 127.0.0.1:9000
  oire serve --seed P1/amen=U2,U3 --seed P1/save=U4`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringArrayVar(&opts.Seed, "seed", nil, "seed membership as item/kind=user1,user2 (repeatable)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	backend := remote.NewMemory()
	defer backend.Close()

	for _, s := range opts.Seed {
		itemID, kind, users, err := parseSeed(s)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --seed", err)
		}
		backend.Seed(itemID, kind, users)
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on ws://%s/v1/ws\n", ln.Addr())
	if err := serveBackend(ctx, ln, backend); err != nil {
		return WrapExitError(ExitFailure, "server failed", err)
	}
	return nil
}

// serveBackend serves backend on ln until ctx is done.
func serveBackend(ctx context.Context, ln net.Listener, backend remote.Backend) error {
	srv := &http.Server{
		Handler:           remote.NewServer(backend).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.Info("backend listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// parseSeed parses "item/kind=user1,user2".
func parseSeed(s string) (string, interaction.Kind, []string, error) {
	target, members, ok := strings.Cut(s, "=")
	if !ok {
		return "", "", nil, fmt.Errorf("%q: expected item/kind=users", s)
	}
	itemID, kindName, ok := strings.Cut(target, "/")
	if !ok || itemID == "" {
		return "", "", nil, fmt.Errorf("%q: expected item/kind", target)
	}
	kind, err := interaction.ParseKind(kindName)
	if err != nil {
		return "", "", nil, err
	}

	var users []string
	for _, u := range strings.Split(members, ",") {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	return itemID, kind, users, nil
}
