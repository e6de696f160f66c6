package store

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/meshstore/meshstore/internal/backend"
	"github.com/meshstore/meshstore/internal/retry"
	"github.com/meshstore/meshstore/internal/shard"
)

// orphanEntry is one file awaiting shard deletion.
type orphanEntry struct {
	key        string
	file       shard.File
	processing bool
}

// orphanQueue removes the shard records of superseded or failed files.
// Entries are processed FIFO by a single worker; deletion failures keep
// the entry in place and retry after a delay, indefinitely. The queue is
// also rebuilt from records' orphanedFiles lists on session load, so
// cleanup interrupted by a crash resumes.
type orphanQueue struct {
	shards     backend.KV
	pol        *retry.Policy
	clk        clock.Clock
	retryDelay time.Duration
	logger     zerolog.Logger
	onCleared  func(key string, file shard.File)

	mu      sync.Mutex
	entries []*orphanEntry

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	stopc  chan struct{}
	done   chan struct{}
}

func newOrphanQueue(shards backend.KV, pol *retry.Policy, clk clock.Clock, retryDelay time.Duration, logger zerolog.Logger, onCleared func(string, shard.File)) *orphanQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &orphanQueue{
		shards:     shards,
		pol:        pol,
		clk:        clk,
		retryDelay: retryDelay,
		logger:     logger,
		onCleared:  onCleared,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		stopc:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	go q.run()
	return q
}

// Mark enqueues file for cleanup. Inline files have no shards and are
// ignored. Entries are deduplicated by structural equality.
func (q *orphanQueue) Mark(key string, file shard.File) {
	if file.Inline() {
		return
	}
	q.mu.Lock()
	for _, e := range q.entries {
		if e.key == key && e.file.Equal(file) {
			q.mu.Unlock()
			return
		}
	}
	q.entries = append(q.entries, &orphanEntry{key: key, file: file})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// MarkAll enqueues several files for one key.
func (q *orphanQueue) MarkAll(key string, files []shard.File) {
	for _, f := range files {
		q.Mark(key, f)
	}
}

// Len reports the number of pending entries.
func (q *orphanQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close stops the worker and waits for any in-flight deletion to
// finish. Pending entries are abandoned; their files stay listed on
// their records and will be re-queued on the next load.
func (q *orphanQueue) Close() {
	close(q.stopc)
	q.cancel() // unblock any retry backoff in progress
	<-q.done
}

// run is the worker loop: drain on wake, pace retries on the clock.
func (q *orphanQueue) run() {
	defer close(q.done)
	ticker := q.clk.Ticker(q.retryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopc:
			return
		case <-q.wake:
		case <-ticker.C:
		}
		q.drain()
	}
}

// drain processes entries until one fails or none remain. A failing
// entry stays queued; the next ticker tick retries it.
func (q *orphanQueue) drain() {
	for {
		select {
		case <-q.stopc:
			return
		default:
		}

		entry := q.next()
		if entry == nil {
			return
		}
		if err := q.process(entry); err != nil {
			q.logger.Debug().Err(err).
				Str("key", entry.key).
				Str("shard_id", entry.file.ShardID).
				Msg("orphan cleanup failed, will retry")
			q.release(entry)
			return
		}
		q.remove(entry)
		if q.onCleared != nil {
			q.onCleared(entry.key, entry.file)
		}
	}
}

// next claims the first entry not currently processing.
func (q *orphanQueue) next() *orphanEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if !e.processing {
			e.processing = true
			return e
		}
	}
	return nil
}

func (q *orphanQueue) release(entry *orphanEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry.processing = false
}

func (q *orphanQueue) remove(entry *orphanEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e == entry {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// process deletes every shard of the entry's file. Absent shards count
// as success.
func (q *orphanQueue) process(entry *orphanEntry) error {
	ctx := q.ctx
	for _, key := range entry.file.ShardKeys() {
		err := q.pol.Do(ctx, func() error {
			return q.shards.Remove(ctx, key)
		})
		if err != nil {
			return err
		}
	}
	q.logger.Debug().
		Str("key", entry.key).
		Str("shard_id", entry.file.ShardID).
		Int("shards", entry.file.ShardCount).
		Msg("orphaned shards removed")
	return nil
}
