package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/oire/internal/interaction"
	"github.com/roach88/oire/internal/remote"
)

// startBackend serves an in-memory backend on a loopback port and returns
// it with its websocket URL.
func startBackend(t *testing.T) (*remote.Memory, string) {
	t.Helper()
	mem := remote.NewMemory()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveBackend(ctx, ln, mem) }()

	t.Cleanup(func() {
		cancel()
		<-done
		mem.Close()
	})
	return mem, fmt.Sprintf("ws://%s/v1/ws", ln.Addr())
}

func sessionConfig(t *testing.T, url string) string {
	t.Helper()
	return writeConfig(t, fmt.Sprintf(`user_id: U1
backend:
  url: %s
cache:
  path: %s
  hydration_wait: 1s
engine:
  in_flight_timeout: 5s
`, url, filepath.Join(t.TempDir(), "cache.db")))
}

func TestParseSeed(t *testing.T) {
	itemID, kind, users, err := parseSeed("P1/amen=U2, U3,")
	require.NoError(t, err)
	assert.Equal(t, "P1", itemID)
	assert.Equal(t, interaction.KindAmen, kind)
	assert.Equal(t, []string{"U2", "U3"}, users)

	for _, bad := range []string{"P1/amen", "P1=U2", "/amen=U2", "P1/like=U2"} {
		_, _, _, err := parseSeed(bad)
		assert.Error(t, err, bad)
	}
}

func TestToggleCommand_EndToEnd(t *testing.T) {
	mem, url := startBackend(t)
	mem.Seed("P1", interaction.KindAmen, []string{"U3"})
	cfg := sessionConfig(t, url)

	out, err := execute(t, "--config", cfg, "--format", "json", "toggle", "P1", "amen", "--author", "U2")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ToggleResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "applied", resp.Data.Outcome)
	assert.True(t, resp.Data.Settled)
	assert.NotEmpty(t, resp.Data.WriteID)

	var amen *RecordView
	for i := range resp.Data.Records {
		if resp.Data.Records[i].Kind == "amen" {
			amen = &resp.Data.Records[i]
		}
	}
	require.NotNil(t, amen)
	assert.False(t, amen.InFlight)

	assert.True(t, mem.Snapshot("P1", interaction.KindAmen).Contains("U1"))

	// The confirmed write was journaled before the ticket resolved.
	traceOut, err := execute(t, "--config", cfg, "--format", "json", "trace", "P1", "--kind", "amen")
	require.NoError(t, err)
	var trace struct {
		Data TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(traceOut), &trace))
	var sources []string
	for _, s := range trace.Data.Settlements {
		sources = append(sources, s.Source)
	}
	assert.Contains(t, sources, "write")
}

func TestToggleCommand_Rejected(t *testing.T) {
	_, url := startBackend(t)
	cfg := sessionConfig(t, url)

	out, err := execute(t, "--config", cfg, "toggle", "P9", "amen", "--author", "U1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [FORBIDDEN_SELF_INTERACTION]")
}

func TestToggleCommand_Errors(t *testing.T) {
	t.Run("backend unreachable", func(t *testing.T) {
		cfg := sessionConfig(t, "ws://127.0.0.1:1/v1/ws")
		_, err := execute(t, "--config", cfg, "toggle", "P1", "amen", "--author", "U2", "--timeout", "2s")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, err.Error(), "failed to start session")
	})

	t.Run("unknown kind", func(t *testing.T) {
		cfg := sessionConfig(t, "ws://127.0.0.1:1/v1/ws")
		_, err := execute(t, "--config", cfg, "toggle", "P1", "like", "--author", "U2")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("author required", func(t *testing.T) {
		_, err := execute(t, "--config", noConfig(t), "--user", "U1", "toggle", "P1", "amen")
		require.Error(t, err)
	})
}
