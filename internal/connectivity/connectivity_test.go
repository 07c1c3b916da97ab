package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_SetAndWatch(t *testing.T) {
	g := NewGate(true)
	assert.True(t, g.IsOnline())

	w := g.Watch()
	g.Set(true) // no transition
	select {
	case <-w:
		t.Fatal("watcher notified without a transition")
	default:
	}

	g.Set(false)
	g.Set(true)
	assert.True(t, g.IsOnline())

	select {
	case v := <-w:
		assert.True(t, v, "slow watcher sees the latest state")
	default:
		t.Fatal("watcher not notified")
	}
}

func TestCalculateBackoff(t *testing.T) {
	base := 2 * time.Second

	tests := []struct {
		name     string
		failures int
		want     time.Duration
	}{
		{"zero failures", 0, 2 * time.Second},
		{"negative failures", -1, 2 * time.Second},
		{"one failure", 1, 4 * time.Second},
		{"two failures", 2, 8 * time.Second},
		{"three failures", 3, 16 * time.Second},
		{"four failures capped", 4, 30 * time.Second},
		{"many failures capped", 40, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, calculateBackoff(tt.failures, base))
		})
	}
}

func TestProber_ThresholdAndRecovery(t *testing.T) {
	g := NewGate(true)
	var fail bool
	p := &Prober{
		Gate:             g,
		FailureThreshold: 2,
		Probe: func(ctx context.Context) error {
			if fail {
				return errors.New("unreachable")
			}
			return nil
		},
	}
	ctx := context.Background()

	fail = true
	p.Check(ctx)
	assert.True(t, g.IsOnline(), "one failure stays online")

	p.Check(ctx)
	assert.False(t, g.IsOnline(), "threshold reached")

	fail = false
	p.Check(ctx)
	assert.True(t, g.IsOnline(), "one success recovers")
}

func TestWhileOpen_KeepsGateClosedAfterTransportEnds(t *testing.T) {
	g := NewGate(true)
	done := make(chan struct{})
	calls := 0
	p := &Prober{
		Gate:             g,
		FailureThreshold: 1,
		Probe: WhileOpen(done, func(ctx context.Context) error {
			calls++
			return nil
		}),
	}
	ctx := context.Background()

	p.Check(ctx)
	assert.True(t, g.IsOnline())
	assert.Equal(t, 1, calls)

	close(done)
	g.Set(false)
	for i := 0; i < 3; i++ {
		p.Check(ctx)
		assert.False(t, g.IsOnline(), "reachable backend must not reopen a dead transport")
	}
	assert.Equal(t, 1, calls, "inner probe is skipped once closed")
	assert.ErrorIs(t, p.Probe(ctx), ErrTransportClosed)
}

func TestHTTPProbe(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.Client(), srv.URL)
	require.NoError(t, probe(context.Background()))

	healthy = false
	err := probe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestProber_StartStopsOnCancel(t *testing.T) {
	g := NewGate(false)
	calls := make(chan struct{}, 10)
	p := &Prober{
		Gate:     g,
		Interval: 10 * time.Millisecond,
		Probe: func(ctx context.Context) error {
			calls <- struct{}{}
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	require.Eventually(t, g.IsOnline, time.Second, 5*time.Millisecond)
	cancel()
	<-calls
}
