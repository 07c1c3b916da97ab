package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultProbeInterval    = 5 * time.Second
	defaultFailureThreshold = 2
	maxBackoff              = 30 * time.Second
)

// ProbeFunc checks reachability once. A nil error means reachable.
type ProbeFunc func(ctx context.Context) error

// ErrTransportClosed is returned by a WhileOpen probe after its transport
// has ended.
var ErrTransportClosed = errors.New("transport closed")

// WhileOpen wraps probe so that it fails once done is closed. A reachable
// backend does not reopen the gate for a connection that is gone.
func WhileOpen(done <-chan struct{}, probe ProbeFunc) ProbeFunc {
	return func(ctx context.Context) error {
		select {
		case <-done:
			return ErrTransportClosed
		default:
		}
		return probe(ctx)
	}
}

// Prober drives a Gate from periodic probes.
//
// One successful probe opens the gate. FailureThreshold consecutive
// failures close it. While probes fail, the delay grows exponentially from
// Interval up to a 30s cap.
type Prober struct {
	Gate             *Gate
	Probe            ProbeFunc
	Interval         time.Duration
	FailureThreshold int

	failures int
}

// Start launches the probe loop in a goroutine. It returns immediately;
// the loop exits when ctx is cancelled.
func (p *Prober) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	for {
		p.Check(ctx)

		timer := time.NewTimer(calculateBackoff(p.failures, interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Check runs a single probe and updates the gate.
// Called only from the probe loop (or tests), so failures needs no lock.
func (p *Prober) Check(ctx context.Context) {
	threshold := p.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}

	if err := p.Probe(ctx); err != nil {
		p.failures++
		slog.Debug("connectivity probe failed", "failures", p.failures, "error", err)
		if p.failures >= threshold && p.Gate.IsOnline() {
			slog.Warn("backend unreachable, going offline", "failures", p.failures)
			p.Gate.Set(false)
		}
		return
	}

	if !p.Gate.IsOnline() {
		slog.Info("backend reachable, going online")
	}
	p.failures = 0
	p.Gate.Set(true)
}

// calculateBackoff doubles the base interval per consecutive failure,
// capped at maxBackoff.
func calculateBackoff(failures int, base time.Duration) time.Duration {
	if failures <= 0 {
		return base
	}
	d := base
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// HTTPProbe returns a ProbeFunc issuing GET url and expecting a 2xx.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}
