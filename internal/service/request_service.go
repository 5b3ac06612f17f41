package service

import (
	"context"
	"log/slog"

	"github.com/samims/concierge/internal/clock"
	"github.com/samims/concierge/internal/config"
	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/internal/escalation"
	"github.com/samims/concierge/internal/lifecycle"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/notify"
	"github.com/samims/concierge/internal/ratelimit"
	"github.com/samims/concierge/internal/storage"
)

type CreateRequestInput struct {
	TenantID     string `json:"-"`
	DepartmentID string `json:"department_id"`
	RoomNumber   string `json:"room_number"`
	StayID       string `json:"stay_id,omitempty"`
	AfterHours   bool   `json:"after_hours"`
}

// RequestService is the intake path: it throttles per room and per stay,
// stamps the response due time and writes the CREATED row.
type RequestService interface {
	Create(ctx context.Context, in CreateRequestInput) (*model.Request, error)
}

type requestService struct {
	store     storage.RequestStore
	tenants   storage.TenantStore
	limiter   *ratelimit.Limiter
	tiers     escalation.TierSource
	publisher notify.Publisher
	cfg       config.RequestConfig
	clock     clock.Clock
	logger    *slog.Logger
}

func NewRequestService(
	store storage.RequestStore,
	tenants storage.TenantStore,
	limiter *ratelimit.Limiter,
	tiers escalation.TierSource,
	publisher notify.Publisher,
	cfg config.RequestConfig,
	clk clock.Clock,
	logger *slog.Logger,
) RequestService {
	l := logger.With("layer", "service", "component", "requestService")
	return &requestService{
		store:     store,
		tenants:   tenants,
		limiter:   limiter,
		tiers:     tiers,
		publisher: publisher,
		cfg:       cfg,
		clock:     clk,
		logger:    l,
	}
}

// holdLimits checks the room and stay limits. The returned release must run
// once the request row is written.
func (s *requestService) holdLimits(ctx context.Context, in CreateRequestInput) (func(), error) {
	releaseRoom, err := s.limiter.Hold(ctx, model.RateKeyRoom(in.TenantID, in.RoomNumber), s.cfg.RoomLimit, s.cfg.Window)
	if err != nil {
		return nil, err
	}
	if in.StayID == "" {
		return releaseRoom, nil
	}
	releaseStay, err := s.limiter.Hold(ctx, model.RateKeyStay(in.StayID), s.cfg.StayLimit, s.cfg.Window)
	if err != nil {
		releaseRoom()
		return nil, err
	}
	return func() {
		releaseStay()
		releaseRoom()
	}, nil
}

func (s *requestService) Create(ctx context.Context, in CreateRequestInput) (*model.Request, error) {
	if in.TenantID == "" || in.DepartmentID == "" || in.RoomNumber == "" {
		return nil, appErr.NewInvalid("tenant, department and room are required")
	}

	tenant, err := s.tenants.GetTenant(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}

	release, err := s.holdLimits(ctx, in)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	req := &model.Request{
		TenantID:     in.TenantID,
		DepartmentID: in.DepartmentID,
		RoomNumber:   in.RoomNumber,
		StayID:       in.StayID,
		Status:       model.StatusCreated,
		AfterHours:   in.AfterHours,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if tenant.EscalationEnabled {
		req.ResponseDueAt = lifecycle.ComputeResponseDueAt(escalation.ResolveTiers(*tenant, s.tiers), now)
	}

	err = s.store.CreateRequest(ctx, req)
	release()
	if err != nil {
		s.logger.Error("Failed to create request", slog.String("tenant_id", in.TenantID), slog.Any("error", err))
		return nil, err
	}

	s.logger.InfoContext(ctx, "Request created",
		slog.String("request_id", req.ID),
		slog.String("tenant_id", req.TenantID),
		slog.String("department_id", req.DepartmentID))
	notify.PublishQuietly(ctx, s.publisher, s.logger, model.RequestEvent{
		Type:         model.EventRequestCreated,
		TenantID:     req.TenantID,
		RequestID:    req.ID,
		DepartmentID: req.DepartmentID,
		Status:       req.Status,
		OccurredAt:   now,
	})
	return req, nil
}
