package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/samims/concierge/internal/clock"
	"github.com/samims/concierge/internal/config"
	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/internal/escalation"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/ratelimit"
	"github.com/samims/concierge/internal/storage"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event model.RequestEvent) error {
	return m.Called(ctx, event).Error(0)
}

var t0 = time.Date(2026, 8, 3, 22, 0, 0, 0, time.UTC)

func newRequestService(t *testing.T) (RequestService, *storage.MemoryLedger, *MockPublisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ledger := storage.NewMemoryLedger()
	ledger.PutTenant(model.Tenant{ID: "tenant-1", Active: true, EscalationEnabled: true, TierMinutes: []int{20, 40}})
	ledger.PutTenant(model.Tenant{ID: "quiet", Active: true})

	clk := clock.NewManual(t0)
	pub := &MockPublisher{}
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisCounter(client), ledger, clk, slog.Default())
	cfg := config.RequestConfig{RoomLimit: 5, StayLimit: 10, Window: time.Hour}
	return NewRequestService(ledger, ledger, limiter, escalation.StaticTiers{15, 30, 60}, pub, cfg, clk, slog.Default()), ledger, pub
}

func TestCreateRequest(t *testing.T) {
	ctx := context.Background()
	svc, ledger, pub := newRequestService(t)
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(e model.RequestEvent) bool {
		return e.Type == model.EventRequestCreated && e.Status == model.StatusCreated
	})).Return(errors.New("redis down")).Once()

	req, err := svc.Create(ctx, CreateRequestInput{TenantID: "tenant-1", DepartmentID: "housekeeping", RoomNumber: "101", AfterHours: true})
	require.NoError(t, err, "publish failures never fail intake")
	assert.NotEmpty(t, req.ID)
	require.NotNil(t, req.ResponseDueAt)
	assert.Equal(t, t0.Add(20*time.Minute), *req.ResponseDueAt)

	stored, err := ledger.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, stored.Status)
	assert.True(t, stored.AfterHours)
	pub.AssertExpectations(t)
}

func TestCreateRequestWithoutEscalation(t *testing.T) {
	svc, _, pub := newRequestService(t)
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	req, err := svc.Create(context.Background(), CreateRequestInput{TenantID: "quiet", DepartmentID: "d", RoomNumber: "1"})
	require.NoError(t, err)
	assert.Nil(t, req.ResponseDueAt)
}

func TestCreateRequestLimits(t *testing.T) {
	ctx := context.Background()
	svc, _, pub := newRequestService(t)
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	for i := 0; i < 5; i++ {
		_, err := svc.Create(ctx, CreateRequestInput{TenantID: "tenant-1", DepartmentID: "d", RoomNumber: "101"})
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, CreateRequestInput{TenantID: "tenant-1", DepartmentID: "d", RoomNumber: "101"})
	assert.True(t, appErr.IsRateLimited(err))

	_, err = svc.Create(ctx, CreateRequestInput{TenantID: "tenant-1", DepartmentID: "d", RoomNumber: "102"})
	assert.NoError(t, err, "limits are per room")
}

func TestConcurrentCreatesHonourLimitWithoutRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	ledger := storage.NewMemoryLedger()
	ledger.PutTenant(model.Tenant{ID: "tenant-1", Active: true})
	clk := clock.NewManual(t0)
	pub := &MockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisCounter(client), ledger, clk, slog.Default())
	svc := NewRequestService(ledger, ledger, limiter, escalation.StaticTiers{15}, pub,
		config.RequestConfig{RoomLimit: 5, StayLimit: 10, Window: time.Hour}, clk, slog.Default())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		limited int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(ctx, CreateRequestInput{TenantID: "tenant-1", DepartmentID: "d", RoomNumber: "101", StayID: "stay-1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				allowed++
			case appErr.IsRateLimited(err):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, allowed)
	assert.Equal(t, 3, limited)
}

func TestCreateRequestValidation(t *testing.T) {
	svc, _, _ := newRequestService(t)

	tests := []struct {
		name  string
		in    CreateRequestInput
		check func(error) bool
	}{
		{name: "missing room", in: CreateRequestInput{TenantID: "tenant-1", DepartmentID: "d"}, check: appErr.IsInvalid},
		{name: "unknown tenant", in: CreateRequestInput{TenantID: "nope", DepartmentID: "d", RoomNumber: "1"}, check: appErr.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.in)
			require.Error(t, err)
			assert.True(t, tt.check(err))
		})
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestReadiness(t *testing.T) {
	ok := NewHealthService(slog.Default(), pinger{}, pinger{})
	assert.NoError(t, ok.Readiness(context.Background()))
	assert.NoError(t, ok.Liveness(context.Background()))

	bad := NewHealthService(slog.Default(), pinger{}, pinger{err: errors.New("db down")})
	assert.Error(t, bad.Readiness(context.Background()))
}
