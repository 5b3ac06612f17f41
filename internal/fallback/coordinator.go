// Package fallback re-delivers verification codes over SMS when the primary
// channel has not confirmed delivery in time or reported a failure. The
// timeout sweep and the failure callback share one claim path so a code is
// sent over SMS at most once.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/samims/concierge/internal/claim"
	"github.com/samims/concierge/internal/clock"
	"github.com/samims/concierge/internal/config"
	"github.com/samims/concierge/internal/heartbeat"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/notify"
	"github.com/samims/concierge/internal/otpcode"
	"github.com/samims/concierge/internal/storage"
	"github.com/samims/concierge/pkg/tracing"
)

type Coordinator struct {
	store      storage.CodeStore
	sender     notify.Sender
	monitor    *heartbeat.Monitor
	clock      clock.Clock
	tracer     *tracing.Tracer
	cfg        config.FallbackConfig
	codeLength int
	coord      *claim.Coordinator[model.DeliverableCode]
	l          *slog.Logger
}

func NewCoordinator(
	store storage.CodeStore,
	sender notify.Sender,
	monitor *heartbeat.Monitor,
	cfg config.FallbackConfig,
	codeLength int,
	clk clock.Clock,
	tracer *tracing.Tracer,
	logger *slog.Logger,
) *Coordinator {
	c := &Coordinator{
		store:      store,
		sender:     sender,
		monitor:    monitor,
		clock:      clk,
		tracer:     tracer,
		cfg:        cfg,
		codeLength: codeLength,
		l:          logger.With("component", "fallback"),
	}
	cs := claim.StoreFuncs[model.DeliverableCode]{
		ClaimFn: func(ctx context.Context, now, staleBefore time.Time, limit int) ([]model.DeliverableCode, error) {
			return store.ClaimFallback(ctx, storage.FallbackQuery{
				Now:           now,
				StaleBefore:   staleBefore,
				CreatedBefore: now.Add(-cfg.PrimaryTimeout),
				Limit:         limit,
			})
		},
		CommitFn: func(ctx context.Context, dc model.DeliverableCode, now time.Time) error {
			return store.CommitFallback(ctx, dc, now, cfg.CommitRecheck)
		},
		ReleaseFn: store.ReleaseFallback,
	}
	c.coord = claim.New[model.DeliverableCode](cs, claim.Options{
		Name:         "otp_fallback",
		StaleTimeout: cfg.StaleClaim,
		BatchSize:    cfg.BatchSize,
		Workers:      cfg.Workers,
	}, clk, tracer, logger)
	return c
}

// RunPass claims every code whose primary delivery is unconfirmed past the
// primary timeout and sends it over SMS.
func (c *Coordinator) RunPass(ctx context.Context) (claim.Result, error) {
	ctx, span := c.tracer.StartServerSpan(ctx, "fallback.RunPass")
	defer span.End()

	var res claim.Result
	err := c.monitor.Track(ctx, model.SweepFallback, func(ctx context.Context) (string, error) {
		var err error
		res, err = c.coord.Run(ctx, c.send)
		return fmt.Sprintf("claimed=%d delivered=%d failed=%d", res.Claimed, res.Delivered, res.Failed), err
	})
	c.tracer.AddSweepAttributes(span, model.SweepFallback, res.Claimed)
	if err != nil {
		c.tracer.RecordError(span, err)
		c.l.ErrorContext(ctx, "Fallback pass failed", slog.Any("error", err))
	}
	return res, err
}

// HandlePrimaryFailure runs the fallback for the code sent under messageID.
// It is a no-op when the code is confirmed, already delivered, or currently
// claimed by the sweep.
func (c *Coordinator) HandlePrimaryFailure(ctx context.Context, messageID string) (claim.Result, error) {
	if messageID == "" {
		return claim.Result{}, nil
	}
	return c.claimAndProcess(ctx, storage.FallbackQuery{MessageID: messageID})
}

// FallbackNow runs the fallback for one code right away, used when the
// primary send failed synchronously.
func (c *Coordinator) FallbackNow(ctx context.Context, codeID int64) (claim.Result, error) {
	return c.claimAndProcess(ctx, storage.FallbackQuery{CodeID: codeID})
}

func (c *Coordinator) claimAndProcess(ctx context.Context, q storage.FallbackQuery) (claim.Result, error) {
	q.Now = c.clock.Now()
	q.StaleBefore = c.coord.StaleBefore(q.Now)
	q.Limit = 1
	codes, err := c.store.ClaimFallback(ctx, q)
	if err != nil {
		return claim.Result{}, err
	}
	return c.coord.Process(ctx, codes, c.send)
}

// ConfirmPrimary marks the code sent under messageID as delivered on the
// primary channel. From then on it is never eligible for fallback.
func (c *Coordinator) ConfirmPrimary(ctx context.Context, messageID string) error {
	found, err := c.store.ConfirmPrimary(ctx, messageID)
	if err != nil {
		return err
	}
	if !found {
		c.l.DebugContext(ctx, "Delivery confirmation for unknown message", slog.String("message_id", messageID))
	}
	return nil
}

// HandleReport routes a provider delivery report.
func (c *Coordinator) HandleReport(ctx context.Context, report model.DeliveryReport) error {
	switch report.Status {
	case model.DeliveryStatusDelivered, model.DeliveryStatusRead:
		return c.ConfirmPrimary(ctx, report.MessageID)
	case model.DeliveryStatusFailed:
		_, err := c.HandlePrimaryFailure(ctx, report.MessageID)
		return err
	default:
		return nil
	}
}

// send issues a fresh code over SMS. The returned unit carries the new hash,
// which the commit writes together with the delivered flag.
func (c *Coordinator) send(ctx context.Context, dc model.DeliverableCode) (model.DeliverableCode, error) {
	ctx, span := c.tracer.StartClientSpan(ctx, "fallback.send",
		attribute.Int64("otp.code_id", dc.ID),
		attribute.String(tracing.AttrTenantID, dc.TenantID),
	)
	defer span.End()

	code, err := otpcode.Generate(c.codeLength)
	if err != nil {
		return dc, err
	}
	hash, err := otpcode.Hash(code)
	if err != nil {
		return dc, err
	}

	_, err = c.sender.Send(ctx, notify.Target{
		Channel:  notify.ChannelSMS,
		Audience: notify.AudienceDirect,
		TenantID: dc.TenantID,
		Phone:    dc.Phone,
	}, notify.Message{
		Kind: notify.KindOTP,
		Body: fmt.Sprintf("Your verification code is %s", code),
	})
	if err != nil {
		c.tracer.RecordError(span, err)
		return dc, err
	}

	dc.CodeHash = hash
	dc.Channel = model.ChannelSMS
	return dc, nil
}
