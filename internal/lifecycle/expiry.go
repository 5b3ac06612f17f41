package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samims/concierge/internal/clock"
	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/internal/heartbeat"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/storage"
)

const expiryBatch = 500

// ExpirySweep expires CREATED requests nobody acknowledged within the
// horizon.
type ExpirySweep struct {
	machine *Machine
	store   storage.RequestStore
	monitor *heartbeat.Monitor
	horizon time.Duration
	clock   clock.Clock
	l       *slog.Logger
}

func NewExpirySweep(machine *Machine, store storage.RequestStore, monitor *heartbeat.Monitor, horizon time.Duration, clk clock.Clock, logger *slog.Logger) *ExpirySweep {
	return &ExpirySweep{
		machine: machine,
		store:   store,
		monitor: monitor,
		horizon: horizon,
		clock:   clk,
		l:       logger.With("component", "expiry"),
	}
}

// RunPass expires every overdue request. A request acknowledged between the
// listing and the lock is skipped, not failed.
func (s *ExpirySweep) RunPass(ctx context.Context) (int, error) {
	expired := 0
	err := s.monitor.Track(ctx, model.SweepExpiry, func(ctx context.Context) (string, error) {
		now := s.clock.Now()
		reqs, err := s.store.ListOverdueRequests(ctx, now.Add(-s.horizon), expiryBatch)
		if err != nil {
			return "", err
		}
		for _, req := range reqs {
			if !IsOverdue(req, s.horizon, now) {
				continue
			}
			if _, err := s.machine.Expire(ctx, req.ID); err != nil {
				if appErr.IsInvalidTransition(err) || appErr.IsNotFound(err) {
					s.l.InfoContext(ctx, "Request left CREATED before expiry", slog.String("request_id", req.ID))
					continue
				}
				return fmt.Sprintf("expired=%d", expired), err
			}
			expired++
		}
		return fmt.Sprintf("expired=%d", expired), nil
	})
	if expired > 0 {
		s.l.InfoContext(ctx, "Expired stale requests", slog.Int("count", expired))
	}
	return expired, err
}
