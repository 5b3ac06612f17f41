// Package claim runs the admit / claim / execute / commit protocol that keeps
// side effects at-most-once across concurrent sweep runners.
//
// A unit is claimed inside one ledger transaction, executed outside of any
// lock, then either committed (done) or released (claim cleared). A runner
// that dies between claim and commit leaves a claim that becomes eligible
// again once it is older than the stale timeout.
package claim

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/samims/concierge/internal/clock"
	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/internal/metrics"
	"github.com/samims/concierge/pkg/tracing"
)

// Unit is anything the coordinator can claim.
type Unit interface {
	ClaimKey() string
}

// Store is the ledger side of the protocol for one unit type.
type Store[T Unit] interface {
	Claim(ctx context.Context, now, staleBefore time.Time, limit int) ([]T, error)
	Commit(ctx context.Context, unit T, now time.Time) error
	Release(ctx context.Context, unit T) error
}

// StoreFuncs adapts three functions to a Store.
type StoreFuncs[T Unit] struct {
	ClaimFn   func(ctx context.Context, now, staleBefore time.Time, limit int) ([]T, error)
	CommitFn  func(ctx context.Context, unit T, now time.Time) error
	ReleaseFn func(ctx context.Context, unit T) error
}

func (f StoreFuncs[T]) Claim(ctx context.Context, now, staleBefore time.Time, limit int) ([]T, error) {
	return f.ClaimFn(ctx, now, staleBefore, limit)
}

func (f StoreFuncs[T]) Commit(ctx context.Context, unit T, now time.Time) error {
	return f.CommitFn(ctx, unit, now)
}

func (f StoreFuncs[T]) Release(ctx context.Context, unit T) error {
	return f.ReleaseFn(ctx, unit)
}

// Executor performs the side effect for one claimed unit and returns the
// unit as it should be committed.
type Executor[T Unit] func(ctx context.Context, unit T) (T, error)

type Options struct {
	// Name labels logs and metrics, e.g. "escalation".
	Name         string
	StaleTimeout time.Duration
	BatchSize    int
	Workers      int
}

// Result summarises one pass.
type Result struct {
	Claimed    int
	Delivered  int
	Failed     int
	Superseded int
}

type Coordinator[T Unit] struct {
	store  Store[T]
	opts   Options
	clock  clock.Clock
	tracer *tracing.Tracer
	l      *slog.Logger
}

func New[T Unit](store Store[T], opts Options, clk clock.Clock, tracer *tracing.Tracer, logger *slog.Logger) *Coordinator[T] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Coordinator[T]{
		store:  store,
		opts:   opts,
		clock:  clk,
		tracer: tracer,
		l:      logger.With("component", "claim", "unit", opts.Name),
	}
}

// Admit runs an insert-if-absent. A conflict means another runner admitted
// the unit first; it is reported as admitted=false, not as an error.
func Admit(ctx context.Context, insert func(ctx context.Context) error) (admitted bool, err error) {
	if err := insert(ctx); err != nil {
		if appErr.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// StaleBefore is the cutoff below which an outstanding claim may be taken
// over.
func (c *Coordinator[T]) StaleBefore(now time.Time) time.Time {
	return now.Add(-c.opts.StaleTimeout)
}

// Run claims every eligible unit, batch by batch, and processes it. It stops
// when a claim returns fewer units than the batch size, or when a batch had
// failures, since released units would otherwise be claimed again at once.
func (c *Coordinator[T]) Run(ctx context.Context, exec Executor[T]) (Result, error) {
	var total Result
	for {
		now := c.clock.Now()
		units, err := c.store.Claim(ctx, now, c.StaleBefore(now), c.opts.BatchSize)
		if err != nil {
			return total, err
		}
		res, err := c.Process(ctx, units, exec)
		total.add(res)
		if err != nil {
			return total, err
		}
		if len(units) < c.opts.BatchSize || res.Failed > 0 || res.Superseded > 0 {
			return total, nil
		}
	}
}

// Process executes already claimed units with bounded concurrency. Delivery
// failures release the unit and do not fail the pass. Ledger failures do.
func (c *Coordinator[T]) Process(ctx context.Context, units []T, exec Executor[T]) (Result, error) {
	res := Result{Claimed: len(units)}
	if len(units) == 0 {
		return res, nil
	}
	metrics.ClaimsTotal.WithLabelValues(c.opts.Name).Add(float64(len(units)))

	outcomes := make([]outcome, len(units))
	eg, egCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, c.opts.Workers)

	for i, unit := range units {
		i, unit := i, unit
		sem <- struct{}{}
		eg.Go(func() error {
			defer func() { <-sem }()
			o, err := c.processOne(egCtx, unit, exec)
			outcomes[i] = o
			return err
		})
	}
	err := eg.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeDelivered:
			res.Delivered++
		case outcomeFailed:
			res.Failed++
		case outcomeSuperseded:
			res.Superseded++
		}
	}
	return res, err
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeDelivered
	outcomeFailed
	outcomeSuperseded
)

func (c *Coordinator[T]) processOne(ctx context.Context, unit T, exec Executor[T]) (outcome, error) {
	ctx, span := c.tracer.StartClientSpan(ctx, "claim."+c.opts.Name,
		attribute.String("claim.unit", c.opts.Name),
		attribute.String("claim.key", unit.ClaimKey()),
	)
	defer span.End()

	start := c.clock.Now()
	done, err := exec(ctx, unit)
	if err != nil {
		c.tracer.RecordError(span, err)
		metrics.DeliveriesTotal.WithLabelValues(c.opts.Name, "failed").Inc()
		c.l.WarnContext(ctx, "Delivery failed, releasing claim",
			slog.String("key", unit.ClaimKey()), slog.Any("error", err))
		if relErr := c.store.Release(ctx, unit); relErr != nil {
			c.l.ErrorContext(ctx, "Failed to release claim after delivery error",
				slog.String("key", unit.ClaimKey()), slog.Any("delivery_error", err), slog.Any("release_error", relErr))
			return outcomeFailed, relErr
		}
		return outcomeFailed, nil
	}

	if err := c.store.Commit(ctx, done, c.clock.Now()); err != nil {
		if appErr.IsAlreadyClaimed(err) {
			c.l.WarnContext(ctx, "Unit committed elsewhere or superseded, releasing",
				slog.String("key", unit.ClaimKey()), slog.Any("error", err))
			metrics.DeliveriesTotal.WithLabelValues(c.opts.Name, "superseded").Inc()
			if relErr := c.store.Release(ctx, unit); relErr != nil {
				return outcomeSuperseded, relErr
			}
			return outcomeSuperseded, nil
		}
		c.tracer.RecordError(span, err)
		c.l.ErrorContext(ctx, "Failed to commit delivered unit",
			slog.String("key", unit.ClaimKey()), slog.Any("error", err))
		return outcomeNone, err
	}

	metrics.DeliveriesTotal.WithLabelValues(c.opts.Name, "delivered").Inc()
	c.l.InfoContext(ctx, "Unit delivered",
		slog.String("key", unit.ClaimKey()), slog.Duration("duration", c.clock.Now().Sub(start)))
	return outcomeDelivered, nil
}

func (r *Result) add(o Result) {
	r.Claimed += o.Claimed
	r.Delivered += o.Delivered
	r.Failed += o.Failed
	r.Superseded += o.Superseded
}
