// Package retry wraps single backend calls with exponential backoff and
// jitter. Throttling is absorbed up to a bounded attempt count; all other
// errors fail immediately unless the caller marked them transient.
// Handles support cooperative cancellation: cancelling never aborts an
// in-flight call, it short-circuits the next attempt.
package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/meshstore/meshstore/internal/backend"
)

// ErrCancelled is returned by Handle.Do when the handle was cancelled
// before the next attempt started.
var ErrCancelled = errors.New("retry cancelled")

// transientError marks an error as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable for Policy. Throttling errors from the
// backend are retryable without marking.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether the policy would retry err.
func IsTransient(err error) bool {
	if errors.Is(err, backend.ErrThrottled) {
		return true
	}
	var te *transientError
	return errors.As(err, &te)
}

// Config configures a Policy.
type Config struct {
	InitialInterval time.Duration // default: 100ms
	MaxInterval     time.Duration // default: 10s
	MaxAttempts     uint64        // attempts before giving up (default: 8)
	Clock           clock.Clock   // defaults to the real clock
	Logger          zerolog.Logger
}

// Policy produces retry handles sharing one backoff configuration.
type Policy struct {
	cfg Config
}

// New creates a Policy, applying defaults for zero config values.
func New(cfg Config) *Policy {
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Policy{cfg: cfg}
}

// Do runs op under a one-shot handle. Convenience for callers that never
// cancel.
func (p *Policy) Do(ctx context.Context, op func() error) error {
	return p.Handle().Do(ctx, op)
}

// Handle creates a cancellable retry handle.
func (p *Policy) Handle() *Handle {
	return &Handle{policy: p}
}

// Handle is a single cancellable retry scope. A Handle may be reused for
// sequential Do calls; Cancel applies to all of them.
type Handle struct {
	policy    *Policy
	cancelled atomic.Bool
}

// Cancel requests cancellation. The in-flight backend call, if any, is
// not aborted; the next attempt returns ErrCancelled instead of calling
// the backend.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// Do runs op, retrying transient failures with exponential backoff and
// jitter up to the policy's attempt limit. Non-transient errors are
// returned as-is after the first attempt.
func (h *Handle) Do(ctx context.Context, op func() error) error {
	cfg := h.policy.cfg

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialInterval
	eb.MaxInterval = cfg.MaxInterval
	eb.MaxElapsedTime = 0 // bounded by attempts, not wall time
	eb.Reset()

	attempt := 0
	wrapped := func() error {
		if h.cancelled.Load() {
			return backoff.Permanent(ErrCancelled)
		}
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		cfg.Logger.Debug().Err(err).Int("attempt", attempt).Msg("transient backend failure, backing off")
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(eb, cfg.MaxAttempts-1), ctx)
	err := backoff.RetryNotifyWithTimer(wrapped, b, nil, &clockTimer{clk: cfg.Clock})
	if err != nil {
		// Unwrap the transient marker so callers see the original error.
		var te *transientError
		if errors.As(err, &te) {
			return te.err
		}
	}
	return err
}

// clockTimer adapts clock.Clock to the backoff timer interface so tests
// can drive backoff waits with a mock clock.
type clockTimer struct {
	clk   clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clk.Timer(d)
	} else {
		t.timer.Reset(d)
	}
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
