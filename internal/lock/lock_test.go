package lock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshstore/meshstore/internal/backend"
	"github.com/meshstore/meshstore/internal/backend/memory"
	"github.com/meshstore/meshstore/internal/retry"
)

func newTestManager(t *testing.T, clk clock.Clock) (*Manager, *memory.LockService) {
	t.Helper()
	svc := memory.NewLockService(clk)
	m := New(Config{
		Service: svc,
		Retry:   retry.New(retry.Config{MaxAttempts: 2, Clock: clk, Logger: zerolog.Nop()}),
		TTL:     30 * time.Second,
		Clock:   clk,
		Logger:  zerolog.Nop(),
	})
	return m, svc
}

func TestAcquire_DeniedWhileHeld(t *testing.T) {
	clk := clock.NewMock()
	m, svc := newTestManager(t, clk)

	lease, err := m.Acquire(context.Background(), "player:1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lease.Release(context.Background()) })

	err = svc.Acquire(context.Background(), "player:1", "other-owner", 30*time.Second)
	require.ErrorIs(t, err, backend.ErrLockDenied)
}

func TestRelease_RemovesLease(t *testing.T) {
	clk := clock.NewMock()
	m, svc := newTestManager(t, clk)

	lease, err := m.Acquire(context.Background(), "player:1", nil)
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))

	_, held := svc.Owner("player:1")
	assert.False(t, held)
}

func TestRenewal_KeepsLeaseAlive(t *testing.T) {
	clk := clock.NewMock()
	m, svc := newTestManager(t, clk)

	lease, err := m.Acquire(context.Background(), "player:1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lease.Release(context.Background()) })

	// Walk well past the original TTL in renewal-interval steps.
	for i := 0; i < 12; i++ {
		clk.Add(10 * time.Second)
		time.Sleep(5 * time.Millisecond) // let the renewal goroutine run
	}

	_, held := svc.Owner("player:1")
	assert.True(t, held, "renewals must keep the lease alive past its TTL")
	assert.False(t, lease.Lost())
}

func TestRenewal_StolenLeaseFiresOnLostOnce(t *testing.T) {
	clk := clock.NewMock()
	m, svc := newTestManager(t, clk)

	var lostCalls atomic.Int32
	lease, err := m.Acquire(context.Background(), "player:1", func(key string) {
		assert.Equal(t, "player:1", key)
		lostCalls.Add(1)
	})
	require.NoError(t, err)

	svc.Steal("player:1", "thief", time.Hour)

	require.Eventually(t, func() bool {
		clk.Add(10 * time.Second)
		return lease.Lost()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), lostCalls.Load())

	// More clock movement must not re-fire the callback.
	clk.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), lostCalls.Load())
}

func TestRelease_AfterStealDoesNotClobberNewOwner(t *testing.T) {
	clk := clock.NewMock()
	m, svc := newTestManager(t, clk)

	lease, err := m.Acquire(context.Background(), "player:1", nil)
	require.NoError(t, err)

	svc.Steal("player:1", "thief", time.Hour)
	require.NoError(t, lease.Release(context.Background()))

	owner, held := svc.Owner("player:1")
	require.True(t, held, "release must be compare-and-delete")
	assert.Equal(t, "thief", owner)
}

func TestRelease_Idempotent(t *testing.T) {
	clk := clock.NewMock()
	m, _ := newTestManager(t, clk)

	lease, err := m.Acquire(context.Background(), "player:1", nil)
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))
	require.NoError(t, lease.Release(context.Background()))
}
