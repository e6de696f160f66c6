// Package lock manages per-key lease lifecycles against the lock
// service: acquire, background renewal while held, compare-and-delete
// release, and lost-lease notification. A lost lease is fatal for the
// owning session and is never retried.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meshstore/meshstore/internal/backend"
	"github.com/meshstore/meshstore/internal/retry"
)

// LostError reports that the lease for Key expired or was taken over.
type LostError struct {
	Key string
}

func (e *LostError) Error() string { return fmt.Sprintf("lock lost for %q", e.Key) }

// Config configures a Manager.
type Config struct {
	Service backend.LockService
	Retry   *retry.Policy
	TTL     time.Duration // lease duration (default: 60s)
	Clock   clock.Clock   // defaults to the real clock
	Logger  zerolog.Logger
}

// Manager acquires and maintains leases.
type Manager struct {
	service backend.LockService
	retry   *retry.Policy
	ttl     time.Duration
	clk     clock.Clock
	logger  zerolog.Logger
}

// New creates a Manager, applying defaults for zero config values.
func New(cfg Config) *Manager {
	if cfg.TTL == 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Manager{
		service: cfg.Service,
		retry:   cfg.Retry,
		ttl:     cfg.TTL,
		clk:     cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Acquire claims the lease for key with a fresh owner token and starts
// the renewal loop. onLost is invoked at most once, from the renewal
// goroutine, if the lease is ever lost while held. Returns
// backend.ErrLockDenied if another live owner holds the lease.
func (m *Manager) Acquire(ctx context.Context, key string, onLost func(key string)) (*Lease, error) {
	owner := uuid.NewString()
	err := m.retry.Do(ctx, func() error {
		return m.service.Acquire(ctx, key, owner, m.ttl)
	})
	if err != nil {
		return nil, err
	}

	renewCtx, cancelRenew := context.WithCancel(context.Background())
	l := &Lease{
		mgr:         m,
		key:         key,
		owner:       owner,
		onLost:      onLost,
		handle:      m.retry.Handle(),
		renewCtx:    renewCtx,
		cancelRenew: cancelRenew,
		stopc:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	go l.renewLoop()
	m.logger.Debug().Str("key", key).Msg("lock acquired")
	return l, nil
}

// Lease is a held lock lease. It renews itself in the background until
// released or lost.
type Lease struct {
	mgr    *Manager
	key    string
	owner  string
	onLost func(string)
	handle *retry.Handle

	renewCtx    context.Context
	cancelRenew context.CancelFunc

	mu       sync.Mutex
	lost     bool
	released bool
	stopc    chan struct{} // closed by Release to stop the renewal loop
	done     chan struct{} // closed when the renewal loop exits
}

// Key returns the locked key.
func (l *Lease) Key() string { return l.key }

// Lost reports whether the lease was lost.
func (l *Lease) Lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// renewLoop extends the TTL at a third of its duration until the lease
// is released or lost.
func (l *Lease) renewLoop() {
	defer close(l.done)
	ticker := l.mgr.clk.Ticker(l.mgr.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopc:
			return
		case <-ticker.C:
		}
		l.mu.Lock()
		stop := l.released || l.lost
		l.mu.Unlock()
		if stop {
			return
		}

		err := l.handle.Do(l.renewCtx, func() error {
			return l.mgr.service.Renew(l.renewCtx, l.key, l.owner, l.mgr.ttl)
		})
		switch {
		case err == nil:
			continue
		case errors.Is(err, retry.ErrCancelled), errors.Is(err, context.Canceled):
			return
		default:
			// Stolen lease, expired lease, or service failure past the
			// retry budget all mean we can no longer claim ownership.
			l.mu.Lock()
			alreadyDown := l.released || l.lost
			l.lost = true
			l.mu.Unlock()
			if !alreadyDown {
				l.mgr.logger.Warn().Err(err).Str("key", l.key).Msg("lock lease lost")
				if l.onLost != nil {
					l.onLost(l.key)
				}
			}
			return
		}
	}
}

// Release stops renewal and removes the lease if this lease still owns
// it. Releasing a lost or already-released lease is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	wasLost := l.lost
	close(l.stopc)
	l.mu.Unlock()

	// Abandon any in-progress renewal backoff promptly.
	l.handle.Cancel()
	l.cancelRenew()

	if wasLost {
		return nil
	}
	err := l.mgr.retry.Do(ctx, func() error {
		return l.mgr.service.Release(ctx, l.key, l.owner)
	})
	if err != nil {
		l.mgr.logger.Warn().Err(err).Str("key", l.key).Msg("lock release failed; lease will expire on its own")
		return err
	}
	l.mgr.logger.Debug().Str("key", l.key).Msg("lock released")
	return nil
}
