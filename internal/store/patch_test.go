package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshstore/meshstore/internal/dynval"
)

func roundTripPatch(t *testing.T, old, updated dynval.Value) dynval.Value {
	t.Helper()
	ops := diffValues(old, updated)
	raw, err := marshalOps(ops)
	require.NoError(t, err)
	got, err := applyPatch(old, raw)
	require.NoError(t, err)
	return got
}

func TestDiffApply_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		old  dynval.Value
		new  dynval.Value
	}{
		{
			name: "scalar change",
			old:  map[string]any{"coins": 0.0},
			new:  map[string]any{"coins": 10.0},
		},
		{
			name: "add and remove",
			old:  map[string]any{"a": 1.0, "b": 2.0},
			new:  map[string]any{"b": 2.0, "c": 3.0},
		},
		{
			name: "nested change",
			old:  map[string]any{"stats": map[string]any{"hp": 100.0, "mp": 50.0}},
			new:  map[string]any{"stats": map[string]any{"hp": 80.0, "mp": 50.0}},
		},
		{
			name: "list replaced",
			old:  map[string]any{"items": []any{"sword"}},
			new:  map[string]any{"items": []any{"sword", "shield"}},
		},
		{
			name: "keys needing pointer escapes",
			old:  map[string]any{"a/b": 1.0, "c~d": 2.0},
			new:  map[string]any{"a/b": 9.0, "c~d": 2.0, "e/f~g": 3.0},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := roundTripPatch(t, tc.old, tc.new)
			assert.True(t, dynval.Equal(tc.new, got), "patched value must equal the target")
		})
	}
}

func TestDiffApply_RootTypeChange(t *testing.T) {
	old := map[string]any{"coins": 1.0}

	assert.Equal(t, "now a string", roundTripPatch(t, old, "now a string"))
	assert.Equal(t, []any{1.0, 2.0}, roundTripPatch(t, old, []any{1.0, 2.0}))
	assert.Equal(t, map[string]any{"fresh": true}, roundTripPatch(t, "was a string", map[string]any{"fresh": true}))
}

func TestDiff_EqualValuesYieldNoOps(t *testing.T) {
	v := map[string]any{"stats": map[string]any{"hp": 100.0}}
	assert.Empty(t, diffValues(v, map[string]any{"stats": map[string]any{"hp": 100.0}}))
}

func TestDiff_NestedChangeTargetsLeaf(t *testing.T) {
	old := map[string]any{"stats": map[string]any{"hp": 100.0, "mp": 50.0}}
	updated := map[string]any{"stats": map[string]any{"hp": 80.0, "mp": 50.0}}

	ops := diffValues(old, updated)
	require.Len(t, ops, 1)
	assert.Equal(t, "replace", ops[0].Op)
	assert.Equal(t, "/stats/hp", ops[0].Path)
	assert.Equal(t, 80.0, ops[0].Value)
}

func TestApplyPatch_DoesNotMutateInput(t *testing.T) {
	old := map[string]any{"coins": 0.0}
	raw, err := marshalOps([]Operation{{Op: "replace", Path: "/coins", Value: 10.0}})
	require.NoError(t, err)

	got, err := applyPatch(old, raw)
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.(map[string]any)["coins"])
	assert.Equal(t, 0.0, old["coins"])
}
