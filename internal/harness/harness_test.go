package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runYAML(t *testing.T, src string) *Result {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	return result
}

func TestRun_ExpectMismatchIsReported(t *testing.T) {
	result := runYAML(t, `
name: mismatch
description: expects a save that never happened
user: U1
expect_timeout: 30ms
items: [{id: P1, author: U2, category: testimony}]
steps:
  - show: P1
  - expect: {item: P1, kind: save, active: true}
`)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "active: expected true, got false")

	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, OpExpect, last["op"])
	assert.Equal(t, false, last["active"])
}

func TestRun_ExpectOnHiddenItem(t *testing.T) {
	result := runYAML(t, `
name: hidden
description: records exist only while an item is visible
user: U1
expect_timeout: 20ms
items: [{id: P1, author: U2, category: testimony}]
steps:
  - expect: {item: P1, kind: amen, active: false}
`)

	assert.False(t, result.Pass)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, "ITEM_NOT_VISIBLE", result.Trace[0]["error"])
}

func TestRun_ToggleOutcomeMismatch(t *testing.T) {
	result := runYAML(t, `
name: outcome
description: a non-author may amen
user: U1
items: [{id: P1, author: U2, category: testimony}]
steps:
  - show: P1
  - toggle: {item: P1, kind: amen, error: FORBIDDEN_SELF_INTERACTION}
`)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected FORBIDDEN_SELF_INTERACTION, got applied")
}

func TestRun_UnknownKind(t *testing.T) {
	result := runYAML(t, `
name: unknown
description: toggling a kind without a policy is rejected
user: U1
items: [{id: P1, author: U2, category: testimony}]
steps:
  - show: P1
  - toggle: {item: P1, kind: like, error: UNKNOWN_KIND}
`)

	assert.True(t, result.Pass, result.Errors)
	assert.Equal(t, "UNKNOWN_KIND", result.Trace[1]["error"])
}

func TestRun_SettlesLeftoverWrites(t *testing.T) {
	result := runYAML(t, `
name: leftover
description: writes still in flight at the end are settled before the result is built
user: U1
items: [{id: P1, author: U2, category: testimony}]
steps:
  - show: P1
  - expect: {item: P1, kind: repost, count: 0}
  - toggle: {item: P1, kind: repost, outcome: applied}
`)

	assert.True(t, result.Pass, result.Errors)
	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, TraceEntry{"op": OpSettled, "item": "P1", "kind": "repost", "result": "ok"}, last)
	assert.Equal(t, []BusEvent{{Name: "itemReposted", ItemID: "P1"}}, result.Events)
}

func TestRun_PrayNowOnOwnPrayer(t *testing.T) {
	result := runYAML(t, `
name: pray
description: authors may pray for their own prayer requests
user: U1
items: [{id: R1, author: U1, category: prayer}]
steps:
  - show: R1
  - toggle: {item: R1, kind: prayNow, outcome: applied}
  - toggle: {item: R1, kind: amen, error: FORBIDDEN_SELF_INTERACTION}
  - wait: true
  - expect: {item: R1, kind: prayNow, active: true, in_flight: false, remote_active: true}
`)

	assert.True(t, result.Pass, result.Errors)
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/push_reconciliation.yaml")
	require.NoError(t, err)

	var traces [][]byte
	for i := 0; i < 3; i++ {
		result, err := Run(context.Background(), s)
		require.NoError(t, err)
		require.True(t, result.Pass, result.Errors)

		data, err := CanonicalTrace(s.Name, result)
		require.NoError(t, err)
		traces = append(traces, data)
	}
	assert.Equal(t, traces[0], traces[1])
	assert.Equal(t, traces[0], traces[2])
}
