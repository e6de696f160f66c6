package shard

import "fmt"

// WriteError reports a failed or partial shard write. File names the
// shard set that may have been partially written so the caller can
// queue it for cleanup.
type WriteError struct {
	File File
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write shards %s (%d shards): %v", e.File.ShardID, e.File.ShardCount, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// MissingShardError reports a shard record that came back absent or
// empty during a read.
type MissingShardError struct {
	ShardID string
	Index   int
}

func (e *MissingShardError) Error() string {
	return fmt.Sprintf("shard %d of %s is missing", e.Index, e.ShardID)
}
