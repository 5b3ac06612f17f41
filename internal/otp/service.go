// Package otp issues and verifies one-time codes for phone sign-in. The
// primary channel is WhatsApp; SMS is the fallback, driven through the
// fallback coordinator's claim path.
package otp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samims/concierge/internal/claim"
	"github.com/samims/concierge/internal/clock"
	"github.com/samims/concierge/internal/config"
	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/notify"
	"github.com/samims/concierge/internal/otpcode"
	"github.com/samims/concierge/internal/ratelimit"
	"github.com/samims/concierge/internal/storage"
)

// Fallback runs the SMS fallback for one code right away.
type Fallback interface {
	FallbackNow(ctx context.Context, codeID int64) (claim.Result, error)
}

type SendRequest struct {
	Phone    string
	IP       string
	TenantID string
}

type SendResult struct {
	CodeID  int64
	Channel model.Channel
}

type Service struct {
	store    storage.CodeStore
	limiter  *ratelimit.Limiter
	sender   notify.Sender
	fallback Fallback
	cfg      config.OTPConfig
	clock    clock.Clock
	l        *slog.Logger
}

func NewService(
	store storage.CodeStore,
	limiter *ratelimit.Limiter,
	sender notify.Sender,
	fallback Fallback,
	cfg config.OTPConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:    store,
		limiter:  limiter,
		sender:   sender,
		fallback: fallback,
		cfg:      cfg,
		clock:    clk,
		l:        logger.With("component", "otp"),
	}
}

// Send issues a new code. A code whose primary send fails synchronously is
// handed to the fallback immediately. When both channels fail the code is
// consumed and ErrDeliveryFailed is returned; the row stays for rate
// limiting. A code the sweep claimed or delivered in the meantime is left
// to it and reported as sent over SMS.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.Phone == "" {
		return nil, appErr.NewInvalid("phone is required")
	}
	var ipHash string
	if req.IP != "" {
		ipHash = otpcode.HashIP(req.IP)
	}
	release, err := s.holdLimits(ctx, req.Phone, ipHash)
	if err != nil {
		return nil, err
	}

	code, err := otpcode.Generate(s.cfg.CodeLength)
	if err != nil {
		release()
		return nil, appErr.NewInternal("generate code: %v", err)
	}
	hash, err := otpcode.Hash(code)
	if err != nil {
		release()
		return nil, appErr.NewInternal("hash code: %v", err)
	}

	now := s.clock.Now()
	dc := &model.DeliverableCode{
		Phone:     req.Phone,
		TenantID:  req.TenantID,
		CodeHash:  hash,
		Channel:   model.ChannelWhatsApp,
		IPHash:    ipHash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Expiry),
	}
	err = s.store.CreateCode(ctx, dc)
	release()
	if err != nil {
		return nil, err
	}

	receipt, err := s.sender.Send(ctx, notify.Target{
		Channel:  notify.ChannelWhatsApp,
		Audience: notify.AudienceDirect,
		TenantID: req.TenantID,
		Phone:    req.Phone,
	}, notify.Message{
		Kind: notify.KindOTP,
		Body: fmt.Sprintf("Your verification code is %s", code),
	})
	if err == nil {
		if err := s.store.SetPrimaryMessageID(ctx, dc.ID, receipt.MessageID); err != nil {
			return nil, err
		}
		return &SendResult{CodeID: dc.ID, Channel: model.ChannelWhatsApp}, nil
	}

	s.l.WarnContext(ctx, "Primary OTP send failed, falling back to SMS",
		slog.Int64("code_id", dc.ID), slog.Any("error", err))

	res, ferr := s.fallback.FallbackNow(ctx, dc.ID)
	if ferr != nil {
		return nil, ferr
	}
	if res.Delivered == 1 {
		return &SendResult{CodeID: dc.ID, Channel: model.ChannelSMS}, nil
	}

	consumed, err := s.store.ConsumeCode(ctx, dc.ID)
	if err != nil {
		return nil, err
	}
	if !consumed {
		// The sweep took the code after our release and owns SMS delivery.
		s.l.InfoContext(ctx, "OTP fallback taken over by sweep", slog.Int64("code_id", dc.ID))
		return &SendResult{CodeID: dc.ID, Channel: model.ChannelSMS}, nil
	}
	s.l.ErrorContext(ctx, "Both OTP channels failed", slog.Int64("code_id", dc.ID))
	return nil, appErr.NewDeliveryFailed("code %d", dc.ID)
}

// holdLimits checks the phone limit and, when the caller's IP is known, the
// IP limit. The returned release must run once the code row is written.
func (s *Service) holdLimits(ctx context.Context, phone, ipHash string) (func(), error) {
	releasePhone, err := s.limiter.Hold(ctx, model.RateKeyPhone(phone), s.cfg.PerPhone, s.cfg.Window)
	if err != nil {
		return nil, err
	}
	if ipHash == "" {
		return releasePhone, nil
	}
	releaseIP, err := s.limiter.Hold(ctx, model.RateKeyIP(ipHash), s.cfg.PerIP, s.cfg.Window)
	if err != nil {
		releasePhone()
		return nil, err
	}
	return func() {
		releaseIP()
		releasePhone()
	}, nil
}

// Verify checks code against the newest live code for phone, scoped to the
// tenant when one is given. A wrong code counts an attempt even though the
// call fails.
func (s *Service) Verify(ctx context.Context, phone, code, tenantID string) (*model.DeliverableCode, error) {
	dc, err := s.store.VerifyCode(ctx, phone, tenantID, s.clock.Now(), s.cfg.MaxAttempts, func(hash string) bool {
		return otpcode.Compare(hash, code)
	})
	if err != nil {
		return nil, err
	}
	s.l.InfoContext(ctx, "OTP verified", slog.Int64("code_id", dc.ID), slog.String("channel", string(dc.Channel)))
	return dc, nil
}
