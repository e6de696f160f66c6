package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshstore/meshstore/internal/backend/memory"
	"github.com/meshstore/meshstore/internal/dynval"
	"github.com/meshstore/meshstore/internal/retry"
	"github.com/meshstore/meshstore/internal/shard"
)

// setBlob swaps a large payload into the session so the next save
// reshards.
func setBlob(t *testing.T, s *Store, key, blob string) {
	t.Helper()
	_, err := s.Update(key, func(data dynval.Value) bool {
		data.(map[string]any)["blob"] = blob
		return true
	})
	require.NoError(t, err)
}

// seedShards writes n fake shard records for shardID and returns their
// File.
func seedShards(t *testing.T, e *env, shardID string, n int) shard.File {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := e.be.Shards().Set(context.Background(), fmt.Sprintf("%s-%d", shardID, i), "stale", nil)
		require.NoError(t, err)
	}
	return shard.File{ShardID: shardID, ShardCount: n}
}

func TestOrphans_SupersededFileReclaimed(t *testing.T) {
	e := newEnv(t)
	s := e.newStore(t, func(cfg *Config) { cfg.MaxShardSize = 256 })
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	mustLoad(t, s, "player:1")

	setBlob(t, s, "player:1", strings.Repeat("first-payload-", 300))
	require.NoError(t, s.Save(context.Background(), "player:1"))

	sess, err := s.lookup("player:1")
	require.NoError(t, err)
	sess.mu.Lock()
	oldKeys := sess.rec.File.ShardKeys()
	sess.mu.Unlock()
	require.NotEmpty(t, oldKeys)

	setBlob(t, s, "player:1", strings.Repeat("second-payload-", 300))
	require.NoError(t, s.Save(context.Background(), "player:1"))

	require.Eventually(t, func() bool {
		e.clk.Add(time.Second)
		for _, k := range oldKeys {
			if shards(e).Has(k) {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "superseded shards must eventually be removed")
}

func TestOrphans_ReclaimedDespiteBudgetShortage(t *testing.T) {
	e := newEnv(t)
	s := e.newStore(t, nil)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	f := seedShards(t, e, "starved", 3)

	// Starve the backend so removal attempts throttle, then enqueue.
	e.be.SetBudget(0)
	s.orphans.Mark("player:1", f)

	// Give the worker several failing rounds.
	for i := 0; i < 20; i++ {
		e.clk.Add(time.Second)
		time.Sleep(2 * time.Millisecond)
	}
	assert.True(t, shards(e).Has("starved-1"), "shards survive while the budget is exhausted")
	assert.Equal(t, 1, s.orphans.Len(), "the entry stays queued on failure")

	e.be.SetBudget(memory.Unlimited)
	require.Eventually(t, func() bool {
		e.clk.Add(time.Second)
		for _, k := range f.ShardKeys() {
			if shards(e).Has(k) {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond, "cleanup must retry until the budget allows it")
	assert.Equal(t, 0, s.orphans.Len())
}

func TestOrphans_RebuiltFromRecordOnLoad(t *testing.T) {
	e := newEnv(t)

	// Model a crash that left a half-cleaned orphan behind: a record
	// whose orphanedFiles still lists a shard set that exists.
	stale := seedShards(t, e, "stale", 3)
	pol := retry.New(retry.Config{Logger: zerolog.Nop()})
	rec := Record{
		File:          shard.File{Data: []byte(`{"coins":0}`)},
		OrphanedFiles: []shard.File{stale},
	}
	require.NoError(t, writeRecord(context.Background(), e.be.Records(), pol, "player:1", rec, nil))

	s := e.newStore(t, nil)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	mustLoad(t, s, "player:1")

	require.Eventually(t, func() bool {
		e.clk.Add(time.Second)
		for _, k := range stale.ShardKeys() {
			if shards(e).Has(k) {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond, "interrupted cleanup resumes on load")

	// The record's orphan list is pruned once cleanup finishes.
	require.Eventually(t, func() bool {
		e.clk.Add(time.Second)
		rec, found, err := readRecord(context.Background(), e.be.Records(), pol, "player:1")
		return err == nil && found && !containsFile(rec.OrphanedFiles, stale)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestOrphans_AlreadyMissingShardsAreSuccess(t *testing.T) {
	e := newEnv(t)
	s := e.newStore(t, nil)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	// No shards exist for this file at all.
	s.orphans.Mark("player:1", shard.File{ShardID: "ghost", ShardCount: 4})

	require.Eventually(t, func() bool {
		e.clk.Add(time.Second)
		return s.orphans.Len() == 0
	}, 2*time.Second, 5*time.Millisecond, "absent shards count as removed")
}

func TestOrphanQueue_DedupAndInlineSkip(t *testing.T) {
	e := newEnv(t)
	s := e.newStore(t, nil)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	// Starve the backend so entries stay queued while we count them.
	e.be.SetBudget(0)
	f := shard.File{ShardID: "dead", ShardCount: 2}
	s.orphans.Mark("k", f)
	s.orphans.Mark("k", shard.File{ShardID: "dead", ShardCount: 2})
	s.orphans.Mark("k", shard.File{Data: []byte(`{"x":1}`)})

	assert.Equal(t, 1, s.orphans.Len(), "duplicates and inline files are not enqueued")
	e.be.SetBudget(memory.Unlimited)
}
