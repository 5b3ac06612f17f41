package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samims/concierge/internal/clock"
	"github.com/samims/concierge/internal/heartbeat"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/storage"
)

// PurgeSweep deletes codes past the retention window. Retention is
// independent of, and much longer than, the verification expiry.
type PurgeSweep struct {
	store     storage.CodeStore
	monitor   *heartbeat.Monitor
	retention time.Duration
	clock     clock.Clock
	l         *slog.Logger
}

func NewPurgeSweep(store storage.CodeStore, monitor *heartbeat.Monitor, retention time.Duration, clk clock.Clock, logger *slog.Logger) *PurgeSweep {
	return &PurgeSweep{store: store, monitor: monitor, retention: retention, clock: clk, l: logger.With("component", "code_purge")}
}

func (p *PurgeSweep) RunPass(ctx context.Context) (int64, error) {
	var n int64
	err := p.monitor.Track(ctx, model.SweepCodePurge, func(ctx context.Context) (string, error) {
		var err error
		n, err = p.store.PurgeCodes(ctx, p.clock.Now().Add(-p.retention))
		return fmt.Sprintf("purged=%d", n), err
	})
	if err == nil && n > 0 {
		p.l.InfoContext(ctx, "Purged expired codes", slog.Int64("count", n))
	}
	return n, err
}
