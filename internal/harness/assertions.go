package harness

import (
	"fmt"

	"github.com/roach88/oire/internal/interaction"
)

// observation is everything an expect step can check.
type observation struct {
	record       interaction.Record
	cached       bool
	remoteActive bool
}

// check compares an observation against an expect step.
// It returns the trace entry, holding only the checked fields, and the
// mismatches. An empty mismatch list means the step passed.
func check(exp *Expect, obs observation) (TraceEntry, []string) {
	entry := TraceEntry{
		"op":   OpExpect,
		"item": exp.Item,
		"kind": string(exp.Kind),
	}
	var mismatches []string

	checkBool := func(field string, want *bool, got bool) {
		if want == nil {
			return
		}
		entry[field] = got
		if *want != got {
			mismatches = append(mismatches, fmt.Sprintf("%s: expected %t, got %t", field, *want, got))
		}
	}

	checkBool("active", exp.Active, obs.record.Active)
	if exp.Count != nil {
		entry["count"] = obs.record.Count
		if *exp.Count != obs.record.Count {
			mismatches = append(mismatches, fmt.Sprintf("count: expected %d, got %d", *exp.Count, obs.record.Count))
		}
	}
	checkBool("in_flight", exp.InFlight, obs.record.InFlight)
	checkBool("cached", exp.Cached, obs.cached)
	checkBool("remote_active", exp.RemoteActive, obs.remoteActive)

	return entry, mismatches
}
