package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/oire/internal/interaction"
)

// CanonicalTrace serializes a result as canonical JSON.
//
// interaction.MarshalCanonical only handles primitives, slices and
// map[string]any, so the result is converted first.
func CanonicalTrace(name string, r *Result) ([]byte, error) {
	trace := make([]any, len(r.Trace))
	for i, entry := range r.Trace {
		trace[i] = map[string]any(entry)
	}

	events := make([]any, len(r.Events))
	for i, ev := range r.Events {
		events[i] = map[string]any{"event": ev.Name, "item": ev.ItemID}
	}

	cache := make(map[string]any, len(r.Cache))
	for kind, items := range r.Cache {
		cache[kind] = items
	}

	return interaction.MarshalCanonical(map[string]any{
		"scenario": name,
		"trace":    trace,
		"events":   events,
		"cache":    cache,
	})
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already-computed result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := CanonicalTrace(name, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
