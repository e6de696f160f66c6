// Package shard encodes and decodes arbitrarily large values into
// size-bounded backend records. Values whose serialized form fits under
// the shard threshold stay inline in the record; larger values are
// compressed, split on rune boundaries, and written as a set of
// separately keyed shard records.
package shard

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/meshstore/meshstore/internal/backend"
	"github.com/meshstore/meshstore/internal/dynval"
	"github.com/meshstore/meshstore/internal/retry"
)

// Payload prefixes naming the applied transform. Every sharded payload
// carries one so Read can reverse it.
const (
	prefixZstd = "z:"
	prefixJSON = "j:"
)

// Config configures a Codec.
type Config struct {
	Shards       backend.KV
	Retry        *retry.Policy
	MaxShardSize int // size threshold in bytes; capped at the backend's ceiling
	Logger       zerolog.Logger
}

// Codec converts between values and Files.
type Codec struct {
	shards  backend.KV
	retry   *retry.Policy
	maxSize int
	logger  zerolog.Logger

	encOnce sync.Once
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// New creates a Codec. MaxShardSize defaults to the backend's reported
// per-call ceiling.
func New(cfg Config) *Codec {
	ceiling := cfg.Shards.MaxValueSize()
	if cfg.MaxShardSize == 0 || cfg.MaxShardSize > ceiling {
		cfg.MaxShardSize = ceiling
	}
	return &Codec{
		shards:  cfg.Shards,
		retry:   cfg.Retry,
		maxSize: cfg.MaxShardSize,
		logger:  cfg.Logger,
	}
}

func (c *Codec) init() {
	c.encOnce.Do(func() {
		c.enc, _ = zstd.NewWriter(nil)
		c.dec, _ = zstd.NewReader(nil)
	})
}

// Write encodes value into a File, writing shard records if the
// serialized form exceeds the shard threshold. On a partial shard write
// failure the returned error is a *WriteError whose File names the
// shards already (possibly) written, so the caller can queue them for
// cleanup.
func (c *Codec) Write(ctx context.Context, value dynval.Value, tags map[string]string) (File, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return File{}, fmt.Errorf("serialize value: %w", err)
	}
	if len(raw) <= c.maxSize {
		return File{Data: json.RawMessage(raw)}, nil
	}
	return c.writeShards(ctx, raw, tags)
}

// WriteSharded is Write without the inline short-circuit: the value is
// always written as shard records. Used when an inline payload fits the
// shard threshold but its enclosing record does not fit the backend's
// value ceiling.
func (c *Codec) WriteSharded(ctx context.Context, value dynval.Value, tags map[string]string) (File, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return File{}, fmt.Errorf("serialize value: %w", err)
	}
	return c.writeShards(ctx, raw, tags)
}

func (c *Codec) writeShards(ctx context.Context, raw []byte, tags map[string]string) (File, error) {
	payload := c.transform(raw)
	segments := splitBounded(payload, c.maxSize)
	file := File{ShardID: uuid.NewString(), ShardCount: len(segments)}

	c.logger.Debug().
		Str("shard_id", file.ShardID).
		Int("shards", file.ShardCount).
		Int("payload_bytes", len(payload)).
		Msg("writing sharded value")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		writeErr error
	)
	for i, seg := range segments {
		wg.Add(1)
		go func(i int, seg string) {
			defer wg.Done()
			err := c.retry.Do(ctx, func() error {
				_, err := c.shards.Set(ctx, file.ShardKey(i+1), seg, tags)
				return err
			})
			if err != nil {
				mu.Lock()
				if writeErr == nil {
					writeErr = err
				}
				mu.Unlock()
			}
		}(i, seg)
	}
	wg.Wait()

	if writeErr != nil {
		return File{}, &WriteError{File: file, Err: writeErr}
	}
	return file, nil
}

// Read decodes the value a File points at, fetching shard records in
// parallel for sharded files. A shard that comes back absent yields a
// *MissingShardError naming its index.
func (c *Codec) Read(ctx context.Context, file File) (dynval.Value, error) {
	if file.Inline() {
		return decodeJSON([]byte(file.Data))
	}

	segments := make([]string, file.ShardCount)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		readErr error
	)
	for i := 0; i < file.ShardCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var (
				seg   string
				found bool
			)
			err := c.retry.Do(ctx, func() error {
				var err error
				seg, found, err = c.shards.Get(ctx, file.ShardKey(i+1))
				return err
			})
			if err == nil && (!found || seg == "") {
				err = &MissingShardError{ShardID: file.ShardID, Index: i + 1}
			}
			if err != nil {
				mu.Lock()
				if readErr == nil {
					readErr = err
				}
				mu.Unlock()
				return
			}
			segments[i] = seg
		}(i)
	}
	wg.Wait()
	if readErr != nil {
		return nil, readErr
	}

	raw, err := c.untransform(strings.Join(segments, ""))
	if err != nil {
		return nil, fmt.Errorf("decode shards %s: %w", file.ShardID, err)
	}
	return decodeJSON(raw)
}

// transform reserializes raw for sharding, picking whichever of the
// compressed and plain forms is smaller. Both forms are prefixed so
// untransform can reverse them, and both are rune-safe to split.
func (c *Codec) transform(raw []byte) string {
	c.init()
	compressed := c.enc.EncodeAll(raw, nil)
	z := prefixZstd + base64.StdEncoding.EncodeToString(compressed)
	if len(z) < len(prefixJSON)+len(raw) {
		return z
	}
	return prefixJSON + string(raw)
}

func (c *Codec) untransform(payload string) ([]byte, error) {
	switch {
	case strings.HasPrefix(payload, prefixZstd):
		c.init()
		compressed, err := base64.StdEncoding.DecodeString(payload[len(prefixZstd):])
		if err != nil {
			return nil, fmt.Errorf("invalid shard encoding: %w", err)
		}
		raw, err := c.dec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
		return raw, nil
	case strings.HasPrefix(payload, prefixJSON):
		return []byte(payload[len(prefixJSON):]), nil
	default:
		return nil, fmt.Errorf("unknown payload prefix %q", firstRunes(payload, 2))
	}
}

func decodeJSON(raw []byte) (dynval.Value, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("deserialize value: %w", err)
	}
	return v, nil
}

// splitBounded splits s into the minimum number of segments of at most
// max bytes each, never cutting inside a multi-byte rune. A rune wider
// than max gets a segment of its own.
func splitBounded(s string, max int) []string {
	if len(s) <= max {
		return []string{s}
	}
	var segments []string
	start := 0
	end := 0
	for end < len(s) {
		_, size := utf8.DecodeRuneInString(s[end:])
		if end > start && end+size-start > max {
			segments = append(segments, s[start:end])
			start = end
		}
		end += size
	}
	segments = append(segments, s[start:])
	return segments
}

func firstRunes(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[:i]
		}
		n--
	}
	return s
}
