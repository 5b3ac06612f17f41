package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samims/concierge/internal/clock"
	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/storage"
)

func newMonitor() (*Monitor, *storage.MemoryLedger, *clock.Manual) {
	ledger := storage.NewMemoryLedger()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewMonitor(ledger, clk, slog.Default()), ledger, clk
}

func TestTrackRecordsOK(t *testing.T) {
	m, _, clk := newMonitor()
	ctx := context.Background()

	err := m.Track(ctx, model.SweepEscalations, func(ctx context.Context) (string, error) {
		return "delivered=2", nil
	})
	require.NoError(t, err)

	hb, err := m.Get(ctx, model.SweepEscalations)
	require.NoError(t, err)
	assert.Equal(t, model.HeartbeatOK, hb.Status)
	assert.Equal(t, "delivered=2", hb.Details)
	assert.Equal(t, clk.Now(), hb.LastRun)
}

func TestTrackRecordsFailedAndReturnsError(t *testing.T) {
	m, _, _ := newMonitor()
	ctx := context.Background()
	passErr := appErr.NewDurable("claim escalations", errors.New("connection reset"))

	err := m.Track(ctx, model.SweepEscalations, func(ctx context.Context) (string, error) {
		return "", passErr
	})
	assert.ErrorIs(t, err, passErr)

	hb, err := m.Get(ctx, model.SweepEscalations)
	require.NoError(t, err)
	assert.Equal(t, model.HeartbeatFailed, hb.Status)
	assert.Contains(t, hb.Details, "connection reset")
}

func TestTrackTruncatesDetails(t *testing.T) {
	m, _, _ := newMonitor()
	ctx := context.Background()

	_ = m.Track(ctx, model.SweepFallback, func(ctx context.Context) (string, error) {
		return strings.Repeat("x", 2000), nil
	})
	hb, err := m.Get(ctx, model.SweepFallback)
	require.NoError(t, err)
	assert.Len(t, hb.Details, maxDetails)
}

func TestGetUnknownSweep(t *testing.T) {
	m, _, _ := newMonitor()
	_, err := m.Get(context.Background(), "nope")
	assert.True(t, appErr.IsNotFound(err))
}

func TestStale(t *testing.T) {
	m, _, clk := newMonitor()
	ctx := context.Background()
	require.NoError(t, m.Track(ctx, model.SweepEscalations, func(ctx context.Context) (string, error) { return "", nil }))

	stale, err := m.Stale(ctx, model.SweepEscalations, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, stale)

	clk.Advance(11 * time.Minute)
	stale, err = m.Stale(ctx, model.SweepEscalations, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, stale)
}
