package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samims/concierge/internal/clock"
	"github.com/samims/concierge/internal/config"
	"github.com/samims/concierge/internal/escalation"
	"github.com/samims/concierge/internal/fallback"
	"github.com/samims/concierge/internal/handler"
	"github.com/samims/concierge/internal/heartbeat"
	"github.com/samims/concierge/internal/lifecycle"
	customMiddleware "github.com/samims/concierge/internal/middleware"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/notify"
	"github.com/samims/concierge/internal/otp"
	"github.com/samims/concierge/internal/ratelimit"
	"github.com/samims/concierge/internal/service"
	"github.com/samims/concierge/internal/storage"
	"github.com/samims/concierge/pkg/tracing"
)

const (
	secret     = "router-secret"
	hookSecret = "hook-secret"
)

type stubSender struct {
	mu   sync.Mutex
	last string
}

func (s *stubSender) Send(_ context.Context, _ notify.Target, msg notify.Message) (notify.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = msg.Body[strings.LastIndex(msg.Body, " ")+1:]
	return notify.Receipt{MessageID: "wa-42"}, nil
}

type app struct {
	handler http.Handler
	ledger  *storage.MemoryLedger
	clock   *clock.Manual
	sender  *stubSender
	monitor *heartbeat.Monitor
}

func newApp(t *testing.T) *app {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.Default()
	tracer := tracing.NewTracer(nil)
	ledger := storage.NewMemoryLedger()
	ledger.PutTenant(model.Tenant{ID: "tenant-1", Active: true, EscalationEnabled: true})
	clk := clock.NewManual(time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC))
	sender := &stubSender{}
	monitor := heartbeat.NewMonitor(ledger, clk, logger)
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisCounter(client), ledger, clk, logger)

	machine := lifecycle.NewMachine(ledger, nil, clk, logger)
	intake := service.NewRequestService(ledger, ledger, limiter, escalation.StaticTiers{15, 30, 60}, nil,
		config.RequestConfig{RoomLimit: 5, StayLimit: 10, Window: time.Hour}, clk, logger)
	fb := fallback.NewCoordinator(ledger, sender, monitor, config.FallbackConfig{PrimaryTimeout: 10 * time.Second, StaleClaim: time.Minute}, 6, clk, tracer, logger)
	otpSvc := otp.NewService(ledger, limiter, sender, fb,
		config.OTPConfig{CodeLength: 6, Expiry: 10 * time.Minute, MaxAttempts: 5, PerPhone: 3, PerIP: 5, Window: time.Hour}, clk, logger)

	h := NewRouter(Handlers{
		Requests:   handler.NewRequestHandler(machine, intake, ledger, tracer, logger),
		Heartbeats: handler.NewHeartbeatHandler(monitor, map[string]time.Duration{model.SweepEscalations: 15 * time.Minute}, logger),
		OTP:        handler.NewOTPHandler(otpSvc, fb, logger),
		Health:     handler.NewHealthHandler(service.NewHealthService(logger, ledger), logger),
	}, secret, hookSecret)
	return &app{handler: h, ledger: ledger, clock: clk, sender: sender, monitor: monitor}
}

func token(t *testing.T, actor, tenant string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": actor, "tenant_id": tenant, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func (a *app) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *app) report(t *testing.T, hook string, report model.DeliveryReport) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(report))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/delivery-reports", &buf)
	if hook != "" {
		req.Header.Set(customMiddleware.WebhookSecretHeader, hook)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	a := newApp(t)
	staff := token(t, "staff-1", "tenant-1")

	rec := a.do(t, http.MethodPost, "/requests/", staff, map[string]any{"department_id": "spa", "room_number": "204"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created model.Request
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.NotNil(t, created.ResponseDueAt)

	rec = a.do(t, http.MethodGet, "/requests/"+created.ID, staff, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := a.ledger.GetRequest(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, stored.Status, "viewing never acknowledges")

	rec = a.do(t, http.MethodPost, "/requests/"+created.ID+"/resolve", staff, map[string]string{"status": "CONFIRMED", "reason": "SOLD_OUT"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	for i := 0; i < 2; i++ {
		rec = a.do(t, http.MethodPost, "/requests/"+created.ID+"/acknowledge", staff, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ACKNOWLEDGED"}`, rec.Body.String())
	}

	rec = a.do(t, http.MethodPost, "/requests/"+created.ID+"/resolve", staff, map[string]string{"status": "NOT_AVAILABLE", "reason": "SOLD_OUT"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/requests/"+created.ID+"/activity", staff, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acts []model.Activity
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&acts))
	assert.Len(t, acts, 2)
}

func TestRequestsAreTenantScoped(t *testing.T) {
	a := newApp(t)
	req := &model.Request{TenantID: "tenant-1", DepartmentID: "d", RoomNumber: "1", CreatedAt: a.clock.Now()}
	require.NoError(t, a.ledger.CreateRequest(context.Background(), req))

	other := token(t, "staff-9", "tenant-2")
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/requests/"+req.ID, other, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, "/requests/"+req.ID+"/acknowledge", other, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/requests/"+req.ID, "", nil).Code)
}

func TestOTPOverHTTP(t *testing.T) {
	a := newApp(t)

	rec := a.do(t, http.MethodPost, "/otp/send", "", map[string]string{"phone": "+15550100"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"channel":"WHATSAPP"}`, rec.Body.String())

	rec = a.report(t, hookSecret, model.DeliveryReport{MessageID: "wa-42", Status: model.DeliveryStatusDelivered})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	code, ok := a.ledger.Code(1)
	require.True(t, ok)
	assert.True(t, code.PrimaryConfirmed)

	rec = a.do(t, http.MethodPost, "/otp/verify", "", map[string]string{"phone": "+15550100", "code": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/otp/verify", "", map[string]string{"phone": "+15550100", "code": a.sender.last})
	assert.Equal(t, http.StatusOK, rec.Code)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/otp/send", "", map[string]string{"phone": "+15550100"}).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, a.do(t, http.MethodPost, "/otp/send", "", map[string]string{"phone": "+15550100"}).Code)
}

func TestDeliveryReportsRequireWebhookSecret(t *testing.T) {
	tests := []struct {
		name string
		hook string
		want int
	}{
		{name: "missing", hook: "", want: http.StatusForbidden},
		{name: "wrong", hook: "guess", want: http.StatusForbidden},
		{name: "prefix", hook: hookSecret[:4], want: http.StatusForbidden},
		{name: "shared", hook: hookSecret, want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newApp(t)
			require.Equal(t, http.StatusAccepted, a.do(t, http.MethodPost, "/otp/send", "", map[string]string{"phone": "+15550100"}).Code)

			rec := a.report(t, tt.hook, model.DeliveryReport{MessageID: "wa-42", Status: model.DeliveryStatusDelivered})
			assert.Equal(t, tt.want, rec.Code)

			code, ok := a.ledger.Code(1)
			require.True(t, ok)
			assert.Equal(t, tt.want == http.StatusNoContent, code.PrimaryConfirmed)
		})
	}
}

func TestHeartbeatsOverHTTP(t *testing.T) {
	a := newApp(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/heartbeats/"+model.SweepEscalations, "", nil).Code)

	require.NoError(t, a.monitor.Track(ctx, model.SweepEscalations, func(context.Context) (string, error) { return "ok", nil }))
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/heartbeats/"+model.SweepEscalations, "", nil).Code)

	a.clock.Advance(20 * time.Minute)
	assert.Equal(t, http.StatusServiceUnavailable, a.do(t, http.MethodGet, "/heartbeats/"+model.SweepEscalations, "", nil).Code)

	_ = a.monitor.Track(ctx, model.SweepFallback, func(context.Context) (string, error) { return "", errors.New("ledger down") })
	rec := a.do(t, http.MethodGet, "/heartbeats/"+model.SweepFallback, "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = a.do(t, http.MethodGet, "/heartbeats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 2)
}

func TestHealthEndpoints(t *testing.T) {
	a := newApp(t)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/readyz", "", nil).Code)

	a.ledger.SetFailure(errors.New("db down"))
	assert.Equal(t, http.StatusServiceUnavailable, a.do(t, http.MethodGet, "/readyz", "", nil).Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/metrics", "", nil).Code)
}
