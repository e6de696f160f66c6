// Package backend defines the interfaces to the remote key-value record
// store and the lease-based lock service that the session engine is built
// on. Implementations live elsewhere (the in-memory one used by tests and
// the demo CLI is in the memory subpackage).
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrThrottled is returned by a KV call when the backend's request budget
// is exhausted or the service is shedding load. It is the only error the
// retry layer treats as transient by default.
var ErrThrottled = errors.New("backend throttled")

// ErrValueTooLarge is returned by Set when the value exceeds the backend's
// per-call size ceiling.
var ErrValueTooLarge = errors.New("value exceeds backend size limit")

// Lock service results.
var (
	ErrLockDenied = errors.New("lock held by another owner")
	ErrLockLost   = errors.New("lock lease lost")
)

// KV is one logical key-value namespace. Values are UTF-8 strings; the
// backend offers no atomicity across keys and a hard per-call size limit
// reported by MaxValueSize.
type KV interface {
	// Set writes value under key and returns the new version number.
	Set(ctx context.Context, key, value string, tags map[string]string) (int64, error)

	// Get reads the value under key. The second return is false when the
	// key is absent; absence is not an error.
	Get(ctx context.Context, key string) (string, bool, error)

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// MaxValueSize reports the per-call size ceiling in bytes.
	MaxValueSize() int
}

// Backend groups the three namespaces the engine writes to: record
// envelopes, large-value shards, and transaction markers.
type Backend interface {
	Records() KV
	Shards() KV
	Transactions() KV
}

// LockService is the lease-based mutual-exclusion service. A lease is
// identified by key and an opaque owner token; at most one live, unexpired
// lease exists per key.
type LockService interface {
	// Acquire creates or claims the lease for key. Returns ErrLockDenied
	// if another live owner holds it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) error

	// Renew extends the lease's TTL. Returns ErrLockLost if the lease has
	// expired or was taken over by another owner.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) error

	// Release removes the lease only if owner still holds it
	// (compare-and-delete). Releasing a lease you no longer own is a no-op.
	Release(ctx context.Context, key, owner string) error
}
