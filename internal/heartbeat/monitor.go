// Package heartbeat records the outcome of every sweep pass so an external
// monitor can alert on silent failures.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/samims/concierge/internal/clock"
	"github.com/samims/concierge/internal/metrics"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/storage"
)

const maxDetails = 500

type Monitor struct {
	store storage.HeartbeatStore
	clock clock.Clock
	l     *slog.Logger
}

func NewMonitor(store storage.HeartbeatStore, clk clock.Clock, logger *slog.Logger) *Monitor {
	return &Monitor{store: store, clock: clk, l: logger.With("component", "heartbeat")}
}

// Track runs fn and records OK or FAILED under name. The pass error is
// returned unchanged. Failing to record is logged, never returned, so a
// heartbeat outage can not mask the pass result.
func (m *Monitor) Track(ctx context.Context, name string, fn func(ctx context.Context) (string, error)) error {
	start := m.clock.Now()
	details, err := fn(ctx)

	hb := model.Heartbeat{
		Name:    name,
		LastRun: m.clock.Now(),
		Status:  model.HeartbeatOK,
		Details: details,
	}
	if err != nil {
		hb.Status = model.HeartbeatFailed
		hb.Details = err.Error()
	}
	if len(hb.Details) > maxDetails {
		hb.Details = hb.Details[:maxDetails]
	}

	metrics.SweepPasses.WithLabelValues(name, hb.Status).Inc()
	metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	// The pass context may already be cancelled; the record must still land.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if recErr := m.store.RecordHeartbeat(recCtx, hb); recErr != nil {
		m.l.ErrorContext(ctx, "Failed to record heartbeat",
			slog.String("sweep", name), slog.Any("error", recErr))
	}
	return err
}

// Get returns the last recorded heartbeat for a sweep.
func (m *Monitor) Get(ctx context.Context, name string) (*model.Heartbeat, error) {
	return m.store.GetHeartbeat(ctx, name)
}

func (m *Monitor) List(ctx context.Context) ([]model.Heartbeat, error) {
	return m.store.ListHeartbeats(ctx)
}

// Stale reports whether the sweep has not succeeded within maxAge.
func (m *Monitor) Stale(ctx context.Context, name string, maxAge time.Duration) (bool, error) {
	hb, err := m.store.GetHeartbeat(ctx, name)
	if err != nil {
		return true, err
	}
	return hb.Status != model.HeartbeatOK || m.clock.Now().Sub(hb.LastRun) > maxAge, nil
}
