package shard

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshstore/meshstore/internal/backend/memory"
	"github.com/meshstore/meshstore/internal/dynval"
	"github.com/meshstore/meshstore/internal/retry"
)

func newTestCodec(t *testing.T, maxShardSize int) (*Codec, *memory.Backend) {
	t.Helper()
	be := memory.New(memory.Config{})
	c := New(Config{
		Shards:       be.Shards(),
		Retry:        retry.New(retry.Config{Logger: zerolog.Nop()}),
		MaxShardSize: maxShardSize,
		Logger:       zerolog.Nop(),
	})
	return c, be
}

func testValue() dynval.Value {
	items := make([]any, 0, 64)
	for i := 0; i < 64; i++ {
		items = append(items, map[string]any{
			"name":  strings.Repeat("item", 8),
			"count": float64(i),
			"tags":  []any{"común", "días", "niño"},
		})
	}
	return map[string]any{"inventory": items, "coins": 123.0}
}

func TestWrite_SmallValueStaysInline(t *testing.T) {
	c, be := newTestCodec(t, 10_000)

	file, err := c.Write(context.Background(), map[string]any{"coins": 5.0}, nil)
	require.NoError(t, err)

	assert.True(t, file.Inline())
	assert.Equal(t, 0, be.Shards().(*memory.Namespace).SetCalls(), "inline writes must not touch the shard namespace")

	got, err := c.Read(context.Background(), file)
	require.NoError(t, err)
	assert.True(t, dynval.Equal(map[string]any{"coins": 5.0}, got))
}

func TestRoundTrip_AcrossThresholds(t *testing.T) {
	value := testValue()

	for _, threshold := range []int{16, 64, 257, 1024, 100_000} {
		c, be := newTestCodec(t, threshold)

		file, err := c.Write(context.Background(), value, nil)
		require.NoError(t, err, "threshold %d", threshold)

		got, err := c.Read(context.Background(), file)
		require.NoError(t, err, "threshold %d", threshold)
		assert.True(t, dynval.Equal(value, got), "round trip at threshold %d", threshold)

		if !file.Inline() {
			assert.Equal(t, file.ShardCount, be.Shards().(*memory.Namespace).Len(),
				"every shard present at threshold %d", threshold)
		}
	}
}

func TestWrite_ShardsRespectSizeBound(t *testing.T) {
	const threshold = 200
	c, be := newTestCodec(t, threshold)

	file, err := c.Write(context.Background(), testValue(), nil)
	require.NoError(t, err)
	require.False(t, file.Inline())

	for _, key := range file.ShardKeys() {
		val, ok, err := be.Shards().Get(context.Background(), key)
		require.NoError(t, err)
		require.True(t, ok, "shard %s must exist", key)
		assert.LessOrEqual(t, len(val), threshold)
	}
}

func TestRead_MissingShard(t *testing.T) {
	c, be := newTestCodec(t, 64)

	file, err := c.Write(context.Background(), testValue(), nil)
	require.NoError(t, err)
	require.Greater(t, file.ShardCount, 2)

	require.NoError(t, be.Shards().Remove(context.Background(), file.ShardKey(2)))

	_, err = c.Read(context.Background(), file)
	var missing *MissingShardError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 2, missing.Index)
	assert.Equal(t, file.ShardID, missing.ShardID)
}

func TestWrite_PartialFailureCarriesFile(t *testing.T) {
	c, be := newTestCodec(t, 64)
	be.Shards().(*memory.Namespace).FailNextSets(1)

	_, err := c.Write(context.Background(), testValue(), nil)
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.NotEmpty(t, we.File.ShardID, "partial file metadata must be available for cleanup")
	assert.Greater(t, we.File.ShardCount, 0)
}

func TestSplitBounded_NeverCutsRunes(t *testing.T) {
	s := strings.Repeat("añço😀x", 100)

	for _, max := range []int{1, 2, 3, 4, 5, 7, 16, 100, len(s), len(s) + 1} {
		segments := splitBounded(s, max)

		assert.Equal(t, s, strings.Join(segments, ""), "max=%d", max)
		for i, seg := range segments {
			assert.True(t, utf8.ValidString(seg), "segment %d at max=%d cuts a rune", i, max)
			if utf8.RuneCountInString(seg) > 1 {
				assert.LessOrEqual(t, len(seg), max, "segment %d at max=%d oversized", i, max)
			}
		}
	}
}

func TestSplitBounded_MinimalCount(t *testing.T) {
	s := strings.Repeat("a", 100)
	segments := splitBounded(s, 10)
	assert.Len(t, segments, 10)
}

func TestFile_Equal(t *testing.T) {
	a := File{ShardID: "x", ShardCount: 3}
	assert.True(t, a.Equal(File{ShardID: "x", ShardCount: 3}))
	assert.False(t, a.Equal(File{ShardID: "x", ShardCount: 2}))
	assert.False(t, a.Equal(File{ShardID: "y", ShardCount: 3}))
	assert.True(t, File{Data: []byte(`{"a":1}`)}.Equal(File{Data: []byte(`{"a":1}`)}))
	assert.False(t, File{Data: []byte(`{"a":1}`)}.Equal(File{Data: []byte(`{"a":2}`)}))
}

func TestFile_ShardKeys(t *testing.T) {
	f := File{ShardID: "abc", ShardCount: 3}
	assert.Equal(t, []string{"abc-1", "abc-2", "abc-3"}, f.ShardKeys())
	assert.Nil(t, File{Data: []byte(`1`)}.ShardKeys())
}
