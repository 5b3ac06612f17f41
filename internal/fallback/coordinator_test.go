package fallback

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/samims/concierge/internal/clock"
	"github.com/samims/concierge/internal/config"
	"github.com/samims/concierge/internal/heartbeat"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/notify"
	"github.com/samims/concierge/internal/otpcode"
	"github.com/samims/concierge/internal/storage"
	"github.com/samims/concierge/pkg/tracing"
)

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, target notify.Target, msg notify.Message) (notify.Receipt, error) {
	args := m.Called(ctx, target, msg)
	return args.Get(0).(notify.Receipt), args.Error(1)
}

// countingSender counts SMS sends and remembers the last code body.
type countingSender struct {
	calls atomic.Int64
	delay time.Duration
	mu    sync.Mutex
	last  string
}

func (s *countingSender) Send(_ context.Context, _ notify.Target, msg notify.Message) (notify.Receipt, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.calls.Add(1)
	s.mu.Lock()
	s.last = msg.Body
	s.mu.Unlock()
	return notify.Receipt{MessageID: "sms-1"}, nil
}

func testConfig() config.FallbackConfig {
	return config.FallbackConfig{
		PrimaryTimeout: 10 * time.Second,
		StaleClaim:     60 * time.Second,
		BatchSize:      10,
		Workers:        2,
	}
}

func newTestCoordinator(ledger *storage.MemoryLedger, sender notify.Sender, clk clock.Clock, cfg config.FallbackConfig) *Coordinator {
	monitor := heartbeat.NewMonitor(ledger, clk, slog.Default())
	return NewCoordinator(ledger, sender, monitor, cfg, 6, clk, tracing.NewTracer(nil), slog.Default())
}

func seedCode(t *testing.T, ledger *storage.MemoryLedger, createdAt time.Time, messageID string) int64 {
	t.Helper()
	hash, err := otpcode.Hash("111111")
	require.NoError(t, err)
	c := &model.DeliverableCode{
		Phone:     "+15550001",
		TenantID:  "tenant-1",
		CodeHash:  hash,
		Channel:   model.ChannelWhatsApp,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(10 * time.Minute),
	}
	require.NoError(t, ledger.CreateCode(context.Background(), c))
	if messageID != "" {
		require.NoError(t, ledger.SetPrimaryMessageID(context.Background(), c.ID, messageID))
	}
	return c.ID
}

func TestRunPassRespectsPrimaryTimeout(t *testing.T) {
	ctx := context.Background()
	ledger := storage.NewMemoryLedger()
	clk := clock.NewManual(t0)
	sender := &countingSender{}
	c := newTestCoordinator(ledger, sender, clk, testConfig())
	id := seedCode(t, ledger, t0, "wa-1")

	clk.Advance(5 * time.Second)
	res, err := c.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	clk.Advance(6 * time.Second)
	res, err = c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	code, ok := ledger.Code(id)
	require.True(t, ok)
	assert.True(t, code.FallbackDelivered)
	assert.Nil(t, code.FallbackClaimedAt)
	assert.Equal(t, model.ChannelSMS, code.Channel)

	// The stored hash matches the code that went out over SMS.
	sent := sender.last[strings.LastIndex(sender.last, " ")+1:]
	assert.True(t, otpcode.Compare(code.CodeHash, sent))
	assert.False(t, otpcode.Compare(code.CodeHash, "111111"))

	hb, err := ledger.GetHeartbeat(ctx, model.SweepFallback)
	require.NoError(t, err)
	assert.Equal(t, model.HeartbeatOK, hb.Status)
}

func TestIneligibleCodesAreSkipped(t *testing.T) {
	ctx := context.Background()
	ledger := storage.NewMemoryLedger()
	clk := clock.NewManual(t0)
	sender := &countingSender{}
	c := newTestCoordinator(ledger, sender, clk, testConfig())

	confirmed := seedCode(t, ledger, t0, "wa-confirmed")
	consumed := seedCode(t, ledger, t0, "wa-consumed")
	seedCode(t, ledger, t0.Add(-20*time.Minute), "wa-expired")

	require.NoError(t, c.ConfirmPrimary(ctx, "wa-confirmed"))
	ok, err := ledger.ConsumeCode(ctx, consumed)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(time.Minute)
	res, err := c.RunPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Zero(t, sender.calls.Load())

	code, _ := ledger.Code(confirmed)
	assert.False(t, code.FallbackDelivered)
}

func TestSweepAndCallbackRaceSendsOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		ledger := storage.NewMemoryLedger()
		clk := clock.NewManual(t0)
		sender := &countingSender{delay: time.Millisecond}
		c := newTestCoordinator(ledger, sender, clk, testConfig())
		id := seedCode(t, ledger, t0, "wa-race")
		clk.Advance(11 * time.Second)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := c.RunPass(context.Background())
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, c.HandleReport(context.Background(), model.DeliveryReport{MessageID: "wa-race", Status: model.DeliveryStatusFailed}))
		}()
		go func() {
			defer wg.Done()
			_, err := c.FallbackNow(context.Background(), id)
			assert.NoError(t, err)
		}()
		wg.Wait()

		assert.EqualValues(t, 1, sender.calls.Load())
		code, _ := ledger.Code(id)
		assert.True(t, code.FallbackDelivered)
	}
}

func TestFailedSendReleasesClaim(t *testing.T) {
	ctx := context.Background()
	ledger := storage.NewMemoryLedger()
	clk := clock.NewManual(t0)
	sender := &MockSender{}
	sender.On("Send", mock.Anything, mock.MatchedBy(func(tg notify.Target) bool {
		return tg.Channel == notify.ChannelSMS && tg.Phone == "+15550001"
	}), mock.Anything).Return(notify.Receipt{}, errors.New("sms gateway 503")).Once()
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(notify.Receipt{MessageID: "sms-2"}, nil).Once()

	c := newTestCoordinator(ledger, sender, clk, testConfig())
	id := seedCode(t, ledger, t0, "wa-1")

	res, err := c.HandlePrimaryFailure(ctx, "wa-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	code, _ := ledger.Code(id)
	assert.Nil(t, code.FallbackClaimedAt)
	assert.False(t, code.FallbackDelivered)
	assert.False(t, code.Consumed, "a failed fallback never consumes the code")

	clk.Advance(15 * time.Second)
	res, err = c.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	sender.AssertExpectations(t)
}

func TestConfirmationWinsOverLaterFailureReport(t *testing.T) {
	ctx := context.Background()
	ledger := storage.NewMemoryLedger()
	clk := clock.NewManual(t0)
	sender := &countingSender{}
	c := newTestCoordinator(ledger, sender, clk, testConfig())
	seedCode(t, ledger, t0, "wa-1")

	require.NoError(t, c.HandleReport(ctx, model.DeliveryReport{MessageID: "wa-1", Status: model.DeliveryStatusRead}))
	require.NoError(t, c.HandleReport(ctx, model.DeliveryReport{MessageID: "wa-1", Status: model.DeliveryStatusFailed}))
	require.NoError(t, c.HandleReport(ctx, model.DeliveryReport{MessageID: "wa-1", Status: model.DeliveryStatusSent}))
	assert.Zero(t, sender.calls.Load())
}

// confirmingSender confirms the primary while the SMS is in flight.
type confirmingSender struct {
	ledger    *storage.MemoryLedger
	messageID string
}

func (s *confirmingSender) Send(ctx context.Context, _ notify.Target, _ notify.Message) (notify.Receipt, error) {
	_, err := s.ledger.ConfirmPrimary(ctx, s.messageID)
	return notify.Receipt{}, err
}

func TestCommitRecheck(t *testing.T) {
	tests := []struct {
		name          string
		recheck       bool
		wantDelivered bool
	}{
		{name: "default commits regardless", recheck: false, wantDelivered: true},
		{name: "recheck skips commit", recheck: true, wantDelivered: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := storage.NewMemoryLedger()
			clk := clock.NewManual(t0)
			cfg := testConfig()
			cfg.CommitRecheck = tt.recheck
			c := newTestCoordinator(ledger, &confirmingSender{ledger: ledger, messageID: "wa-1"}, clk, cfg)
			id := seedCode(t, ledger, t0, "wa-1")

			res, err := c.HandlePrimaryFailure(context.Background(), "wa-1")
			require.NoError(t, err)

			code, _ := ledger.Code(id)
			assert.Equal(t, tt.wantDelivered, code.FallbackDelivered)
			assert.Nil(t, code.FallbackClaimedAt)
			if tt.recheck {
				assert.Equal(t, 1, res.Superseded)
			}
		})
	}
}

func TestPurgeSweep(t *testing.T) {
	ctx := context.Background()
	ledger := storage.NewMemoryLedger()
	clk := clock.NewManual(t0)
	monitor := heartbeat.NewMonitor(ledger, clk, slog.Default())
	old := seedCode(t, ledger, t0.Add(-25*time.Hour), "")
	fresh := seedCode(t, ledger, t0.Add(-time.Hour), "")

	n, err := NewPurgeSweep(ledger, monitor, 24*time.Hour, clk, slog.Default()).RunPass(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, ok := ledger.Code(old)
	assert.False(t, ok)
	_, ok = ledger.Code(fresh)
	assert.True(t, ok)

	hb, err := monitor.Get(ctx, model.SweepCodePurge)
	require.NoError(t, err)
	assert.Equal(t, "purged=1", hb.Details)
}
