// Package memory provides in-memory implementations of the backend KV
// namespaces and the lock service. It is used by the test suites and the
// demo CLI. It models the production backend's failure modes: a per-call
// size ceiling, a request budget that throttles when exhausted, and
// injectable write failures.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/meshstore/meshstore/internal/backend"
)

// Unlimited disables the request budget.
const Unlimited = -1

// Config configures the in-memory backend.
type Config struct {
	MaxValueSize  int         // per-call size ceiling in bytes (default: 4_000_000)
	RequestBudget int         // total requests before throttling (default: Unlimited)
	Clock         clock.Clock // defaults to the real clock
}

// Backend is an in-memory implementation of backend.Backend.
type Backend struct {
	mu           sync.Mutex
	maxValueSize int
	budget       int
	records      *Namespace
	shards       *Namespace
	transactions *Namespace
}

// New creates an in-memory backend.
func New(cfg Config) *Backend {
	if cfg.MaxValueSize == 0 {
		cfg.MaxValueSize = 4_000_000
	}
	if cfg.RequestBudget == 0 {
		cfg.RequestBudget = Unlimited
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	b := &Backend{
		maxValueSize: cfg.MaxValueSize,
		budget:       cfg.RequestBudget,
	}
	b.records = &Namespace{parent: b, data: map[string]entry{}}
	b.shards = &Namespace{parent: b, data: map[string]entry{}}
	b.transactions = &Namespace{parent: b, data: map[string]entry{}}
	return b
}

func (b *Backend) Records() backend.KV      { return b.records }
func (b *Backend) Shards() backend.KV       { return b.shards }
func (b *Backend) Transactions() backend.KV { return b.transactions }

// SetBudget replaces the remaining request budget. Use Unlimited to
// disable throttling.
func (b *Backend) SetBudget(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.budget = n
}

// consume spends one unit of the request budget, returning
// backend.ErrThrottled when it is exhausted. Caller holds b.mu.
func (b *Backend) consume() error {
	if b.budget == Unlimited {
		return nil
	}
	if b.budget <= 0 {
		return backend.ErrThrottled
	}
	b.budget--
	return nil
}

type entry struct {
	value   string
	tags    map[string]string
	version int64
}

// Namespace is one in-memory key-value namespace.
type Namespace struct {
	parent *Backend
	data   map[string]entry

	failSets int // next N Set calls fail

	setCalls    int
	getCalls    int
	removeCalls int
}

var _ backend.KV = (*Namespace)(nil)

// FailNextSets makes the next n Set calls fail with an injected error.
func (ns *Namespace) FailNextSets(n int) {
	ns.parent.mu.Lock()
	defer ns.parent.mu.Unlock()
	ns.failSets = n
}

// Set implements backend.KV.
func (ns *Namespace) Set(ctx context.Context, key, value string, tags map[string]string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ns.parent.mu.Lock()
	defer ns.parent.mu.Unlock()
	ns.setCalls++
	if err := ns.parent.consume(); err != nil {
		return 0, err
	}
	if ns.failSets > 0 {
		ns.failSets--
		return 0, fmt.Errorf("injected write failure for %q", key)
	}
	if len(value) > ns.parent.maxValueSize {
		return 0, fmt.Errorf("%w: %d > %d bytes", backend.ErrValueTooLarge, len(value), ns.parent.maxValueSize)
	}
	e := ns.data[key]
	e.value = value
	e.tags = tags
	e.version++
	ns.data[key] = e
	return e.version, nil
}

// Get implements backend.KV.
func (ns *Namespace) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	ns.parent.mu.Lock()
	defer ns.parent.mu.Unlock()
	ns.getCalls++
	if err := ns.parent.consume(); err != nil {
		return "", false, err
	}
	e, ok := ns.data[key]
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// Remove implements backend.KV.
func (ns *Namespace) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ns.parent.mu.Lock()
	defer ns.parent.mu.Unlock()
	ns.removeCalls++
	if err := ns.parent.consume(); err != nil {
		return err
	}
	delete(ns.data, key)
	return nil
}

// MaxValueSize implements backend.KV.
func (ns *Namespace) MaxValueSize() int { return ns.parent.maxValueSize }

// Has reports whether key currently exists. Test helper; bypasses the
// budget and counters.
func (ns *Namespace) Has(key string) bool {
	ns.parent.mu.Lock()
	defer ns.parent.mu.Unlock()
	_, ok := ns.data[key]
	return ok
}

// Len reports the number of stored keys. Test helper.
func (ns *Namespace) Len() int {
	ns.parent.mu.Lock()
	defer ns.parent.mu.Unlock()
	return len(ns.data)
}

// Keys returns a snapshot of all stored keys. Test helper.
func (ns *Namespace) Keys() []string {
	ns.parent.mu.Lock()
	defer ns.parent.mu.Unlock()
	keys := make([]string, 0, len(ns.data))
	for k := range ns.data {
		keys = append(keys, k)
	}
	return keys
}

// SetCalls reports the number of Set calls made so far.
func (ns *Namespace) SetCalls() int {
	ns.parent.mu.Lock()
	defer ns.parent.mu.Unlock()
	return ns.setCalls
}

// GetCalls reports the number of Get calls made so far.
func (ns *Namespace) GetCalls() int {
	ns.parent.mu.Lock()
	defer ns.parent.mu.Unlock()
	return ns.getCalls
}

// RemoveCalls reports the number of Remove calls made so far.
func (ns *Namespace) RemoveCalls() int {
	ns.parent.mu.Lock()
	defer ns.parent.mu.Unlock()
	return ns.removeCalls
}

// LockService is an in-memory implementation of backend.LockService with
// clock-driven lease expiry.
type LockService struct {
	mu     sync.Mutex
	clk    clock.Clock
	leases map[string]lease
}

type lease struct {
	owner   string
	expires time.Time
}

// NewLockService creates an in-memory lock service. A nil clk uses the
// real clock.
func NewLockService(clk clock.Clock) *LockService {
	if clk == nil {
		clk = clock.New()
	}
	return &LockService{clk: clk, leases: map[string]lease{}}
}

var _ backend.LockService = (*LockService)(nil)

// Acquire implements backend.LockService.
func (s *LockService) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[key]; ok && l.owner != owner && s.clk.Now().Before(l.expires) {
		return backend.ErrLockDenied
	}
	s.leases[key] = lease{owner: owner, expires: s.clk.Now().Add(ttl)}
	return nil
}

// Renew implements backend.LockService.
func (s *LockService) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[key]
	if !ok || l.owner != owner || !s.clk.Now().Before(l.expires) {
		return backend.ErrLockLost
	}
	l.expires = s.clk.Now().Add(ttl)
	s.leases[key] = l
	return nil
}

// Release implements backend.LockService.
func (s *LockService) Release(ctx context.Context, key, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[key]; ok && l.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

// Steal replaces the lease for key with a different owner. Test helper
// used to simulate lease takeover.
func (s *LockService) Steal(key, newOwner string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[key] = lease{owner: newOwner, expires: s.clk.Now().Add(ttl)}
}

// Owner reports the current lease owner for key, if any. Test helper.
func (s *LockService) Owner(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[key]
	if !ok || !s.clk.Now().Before(l.expires) {
		return "", false
	}
	return l.owner, true
}
