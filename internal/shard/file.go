package shard

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// File is the pointer a record holds to its payload: either the payload
// inline (small values) or the id and count of a set of shard records
// (large values). Exactly one arm is populated. A File is immutable once
// written; updates produce a new File under a fresh shard id.
type File struct {
	Data       json.RawMessage `json:"data,omitempty"`
	ShardID    string          `json:"shardId,omitempty"`
	ShardCount int             `json:"shardCount,omitempty"`
}

// Inline reports whether the payload is stored inline.
func (f File) Inline() bool { return f.ShardID == "" }

// ShardKey returns the backend key of shard index i (1-based).
func (f File) ShardKey(i int) string {
	return fmt.Sprintf("%s-%d", f.ShardID, i)
}

// ShardKeys returns the backend keys of all shards, in order. Nil for
// inline files.
func (f File) ShardKeys() []string {
	if f.Inline() {
		return nil
	}
	keys := make([]string, f.ShardCount)
	for i := range keys {
		keys[i] = f.ShardKey(i + 1)
	}
	return keys
}

// Equal reports structural equality, used to deduplicate orphan-queue
// entries.
func (f File) Equal(other File) bool {
	return f.ShardID == other.ShardID &&
		f.ShardCount == other.ShardCount &&
		bytes.Equal(f.Data, other.Data)
}
