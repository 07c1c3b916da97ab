package interaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, k := range AllKinds() {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseKind("like")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "like")
}

func TestAllKinds_ReturnsCopy(t *testing.T) {
	kinds := AllKinds()
	kinds[0] = "mutated"
	assert.Equal(t, KindIlluminate, AllKinds()[0])
}

func TestSnapshot_ForUser(t *testing.T) {
	snap := NewSnapshot("P1", KindAmen, []string{"U3", "U1", "U2"})

	assert.Equal(t, []string{"U1", "U2", "U3"}, snap.ActiveUserIDs)
	assert.Equal(t, 3, snap.Count)

	push := snap.ForUser("U1")
	assert.True(t, push.Active)
	assert.Equal(t, 3, push.Count)
	assert.Equal(t, Key{ItemID: "P1", Kind: KindAmen}, push.Key())

	assert.False(t, snap.ForUser("U9").Active)
}

func TestRecord_Rendered(t *testing.T) {
	base := Record{ItemID: "P1", Kind: KindSave, Active: true, Count: 2}

	same := base
	same.Expected = true
	same.Attempt = 7
	assert.False(t, base.Rendered(same), "bookkeeping fields are not rendered")

	changed := base
	changed.InFlight = true
	assert.True(t, base.Rendered(changed))
}

func TestMarshalCanonical_SortsKeysAndSkipsHTMLEscaping(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{
		"b":    1,
		"a":    "<x & y>",
		"list": []any{true, int64(2), "z"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x & y>","b":1,"list":[true,2,"z"]}`, string(out))
}

func TestMarshalCanonical_RejectsNullAndFloat(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": nil})
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"x": 1.5})
	assert.Error(t, err)
}

func TestMarshalCanonical_NFC(t *testing.T) {
	out, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(out))
}

func TestWriteID_Deterministic(t *testing.T) {
	key := Key{ItemID: "P1", Kind: KindRepost}

	a, err := WriteID("tok", key, "U1", true, 1)
	require.NoError(t, err)
	b, err := WriteID("tok", key, "U1", true, 1)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := WriteID("tok", key, "U1", true, 2)
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "attempt participates in identity")

	d, err := WriteID("tok", key, "U1", false, 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, d, "desired value participates in identity")
}

func TestMarshalCanonical_LineSeparators(t *testing.T) {
	out, err := MarshalCanonical("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(out))

	out, err = MarshalCanonical(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(out), "escaped backslash text stays escaped")
}
