package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meshstore/meshstore/internal/backend"
	"github.com/meshstore/meshstore/internal/retry"
	"github.com/meshstore/meshstore/internal/shard"
)

// Record is the backend-resident envelope per key. The payload lives
// behind File; OrphanedFiles lists superseded shard sets awaiting
// cleanup. TxID and TxPatch are set while a multi-key transaction
// touching this key is in flight: a reader that finds them must resolve
// the transaction before using the data.
type Record struct {
	AppliedMigrations []string        `json:"appliedMigrations,omitempty"`
	File              shard.File      `json:"file"`
	OrphanedFiles     []shard.File    `json:"orphanedFiles,omitempty"`
	TxID              string          `json:"txId,omitempty"`
	TxPatch           json.RawMessage `json:"txPatch,omitempty"`
}

// txMarker is the commit-point record written to the transaction
// namespace. Its presence means the transaction committed; resolution
// rolls every participating key forward.
type txMarker struct {
	TxID string   `json:"txId"`
	Keys []string `json:"keys"`
}

func encodeRecord(rec Record) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(raw), nil
}

func decodeRecord(raw string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// readRecord fetches and decodes the record for key. The second return
// is false when no record exists.
func readRecord(ctx context.Context, kv backend.KV, pol *retry.Policy, key string) (Record, bool, error) {
	var (
		raw   string
		found bool
	)
	err := pol.Do(ctx, func() error {
		var err error
		raw, found, err = kv.Get(ctx, key)
		return err
	})
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return Record{}, false, fmt.Errorf("record %q: %w", key, err)
	}
	return rec, true, nil
}

// writeRecord encodes and writes the record for key.
func writeRecord(ctx context.Context, kv backend.KV, pol *retry.Policy, key string, rec Record, tags map[string]string) error {
	raw, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return pol.Do(ctx, func() error {
		_, err := kv.Set(ctx, key, raw, tags)
		return err
	})
}

// withoutFile returns files with every entry structurally equal to f
// removed.
func withoutFile(files []shard.File, f shard.File) []shard.File {
	out := files[:0:0]
	for _, e := range files {
		if !e.Equal(f) {
			out = append(out, e)
		}
	}
	return out
}

// containsFile reports whether files holds an entry structurally equal
// to f.
func containsFile(files []shard.File, f shard.File) bool {
	for _, e := range files {
		if e.Equal(f) {
			return true
		}
	}
	return false
}
