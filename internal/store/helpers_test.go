package store

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meshstore/meshstore/internal/backend/memory"
	"github.com/meshstore/meshstore/internal/retry"
)

// env bundles the shared backend state several store instances can sit
// on, which is how the tests model a process crash and restart.
type env struct {
	be    *memory.Backend
	locks *memory.LockService
	clk   *clock.Mock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.NewMock()
	return &env{
		be:    memory.New(memory.Config{Clock: clk}),
		locks: memory.NewLockService(clk),
		clk:   clk,
	}
}

func (e *env) newStore(t *testing.T, mod func(*Config)) *Store {
	t.Helper()
	cfg := Config{
		Name:             "test",
		Backend:          e.be,
		Locks:            e.locks,
		Template:         map[string]any{"coins": 0.0},
		AutoSaveInterval: -1, // driven explicitly in tests
		OrphanRetryDelay: time.Second,
		LockTTL:          time.Minute,
		Retry: retry.Config{
			InitialInterval: 10 * time.Millisecond,
			MaxAttempts:     3,
			Logger:          zerolog.Nop(),
		},
		Clock:  e.clk,
		Logger: zerolog.Nop(),
	}
	if mod != nil {
		mod(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

// crash abandons a store the way a process death would: goroutines stop
// and leases lapse, but nothing is flushed and no records are written.
func crash(s *Store) {
	s.mu.Lock()
	s.closed = true
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessions = map[string]*session{}
	s.mu.Unlock()

	for _, sess := range open {
		sess.mu.Lock()
		sess.closed = true
		sess.mu.Unlock()
		_ = sess.lease.Release(context.Background())
	}
	close(s.stopc)
	s.orphans.Close()
}

func records(e *env) *memory.Namespace {
	return e.be.Records().(*memory.Namespace)
}

func shards(e *env) *memory.Namespace {
	return e.be.Shards().(*memory.Namespace)
}

func markers(e *env) *memory.Namespace {
	return e.be.Transactions().(*memory.Namespace)
}

func mustLoad(t *testing.T, s *Store, key string) {
	t.Helper()
	require.NoError(t, s.Load(context.Background(), key, nil))
}

func mustGetMap(t *testing.T, s *Store, key string) map[string]any {
	t.Helper()
	v, err := s.Get(key)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok, "data for %q is not a map", key)
	return m
}
