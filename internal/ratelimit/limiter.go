// Package ratelimit counts actions per key against a limit and a trailing
// window. Redis is the primary counter; when it is unreachable the limiter
// counts the matching ledger rows instead. It never fails open.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/samims/concierge/internal/clock"
	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/internal/metrics"
	"github.com/samims/concierge/internal/storage"
)

const (
	BackendRedis  = "redis"
	BackendLedger = "ledger"
)

// Counter atomically increments key and returns the count within the
// current window. Connection failures wrap appErr.ErrBackingStoreUnavailable.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int, error)
}

type Decision struct {
	Allowed bool
	// Count includes the action being checked.
	Count   int
	Backend string
}

type Limiter struct {
	counter  Counter
	fallback storage.WindowCounter
	clock    clock.Clock
	l        *slog.Logger
}

func NewLimiter(counter Counter, fallback storage.WindowCounter, clk clock.Clock, logger *slog.Logger) *Limiter {
	return &Limiter{
		counter:  counter,
		fallback: fallback,
		clock:    clk,
		l:        logger.With("component", "ratelimit"),
	}
}

// CheckAndIncrement counts one action against key.
func (l *Limiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	d, release, err := l.check(ctx, key, limit, window)
	if err != nil {
		return Decision{}, err
	}
	release()
	return d, nil
}

// Allow is CheckAndIncrement for callers that only need a yes or no. A
// denied action returns appErr.ErrRateLimited.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) error {
	release, err := l.Hold(ctx, key, limit, window)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Hold is Allow for callers that write the action's ledger row themselves.
// In ledger mode key stays locked until release is called, so the row must
// be written before releasing for later decisions to count it.
func (l *Limiter) Hold(ctx context.Context, key string, limit int, window time.Duration) (release func(), err error) {
	d, release, err := l.check(ctx, key, limit, window)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		release()
		return nil, appErr.ErrRateLimited
	}
	return release, nil
}

func (l *Limiter) check(ctx context.Context, key string, limit int, window time.Duration) (Decision, func(), error) {
	count, err := l.counter.Incr(ctx, key, window)
	if err == nil {
		d := Decision{Allowed: count <= limit, Count: count, Backend: BackendRedis}
		record(d)
		return d, func() {}, nil
	}
	if !appErr.IsBackingStoreUnavailable(err) {
		metrics.RateLimitDecisions.WithLabelValues(BackendRedis, "error").Inc()
		return Decision{}, nil, err
	}

	l.l.WarnContext(ctx, "Counter store unavailable, counting ledger rows",
		slog.String("key", key), slog.Any("error", err))

	unlock, err := l.fallback.LockKey(ctx, key)
	if err != nil {
		return Decision{}, nil, l.fallbackFailed(ctx, key, err)
	}
	// Ledger rows are written only for allowed actions, so the current one
	// is not among them yet.
	n, err := l.fallback.CountSince(ctx, key, l.clock.Now().Add(-window))
	if err != nil {
		unlock()
		return Decision{}, nil, l.fallbackFailed(ctx, key, err)
	}
	d := Decision{Allowed: n < limit, Count: n + 1, Backend: BackendLedger}
	record(d)
	return d, unlock, nil
}

func (l *Limiter) fallbackFailed(ctx context.Context, key string, err error) error {
	metrics.RateLimitDecisions.WithLabelValues(BackendLedger, "error").Inc()
	l.l.ErrorContext(ctx, "Rate limit fallback failed",
		slog.String("key", key), slog.Any("error", err))
	return appErr.NewDurable("rate limit fallback", err)
}

func record(d Decision) {
	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	metrics.RateLimitDecisions.WithLabelValues(d.Backend, outcome).Inc()
}
