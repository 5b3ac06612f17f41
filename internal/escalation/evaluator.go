// Package escalation notifies staff when a guest request sits unacknowledged
// past the thresholds of its tenant's tier ladder.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/samims/concierge/internal/claim"
	"github.com/samims/concierge/internal/clock"
	"github.com/samims/concierge/internal/heartbeat"
	"github.com/samims/concierge/internal/metrics"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/notify"
	"github.com/samims/concierge/internal/storage"
	"github.com/samims/concierge/pkg/tracing"
)

type Deps struct {
	Tenants   storage.TenantStore
	Requests  storage.RequestStore
	Events    storage.EscalationStore
	Sender    notify.Sender
	Publisher notify.Publisher
	Monitor   *heartbeat.Monitor
	Tiers     TierSource
	Clock     clock.Clock
	Tracer    *tracing.Tracer
	Logger    *slog.Logger
}

type Evaluator struct {
	Deps
	coord *claim.Coordinator[model.EscalationEvent]
	l     *slog.Logger
}

// PassResult summarises one evaluator pass.
type PassResult struct {
	Tenants  int
	Admitted int
	claim.Result
}

func NewEvaluator(d Deps, opts claim.Options) *Evaluator {
	if opts.Name == "" {
		opts.Name = "escalation"
	}
	store := claim.StoreFuncs[model.EscalationEvent]{
		ClaimFn:   d.Events.ClaimEscalations,
		CommitFn:  d.Events.CommitEscalation,
		ReleaseFn: d.Events.ReleaseEscalation,
	}
	return &Evaluator{
		Deps:  d,
		coord: claim.New[model.EscalationEvent](store, opts, d.Clock, d.Tracer, d.Logger),
		l:     d.Logger.With("component", "escalation"),
	}
}

// RunPass admits every crossed tier of every CREATED request of every
// escalation-enabled tenant, then delivers every pending event, including
// ones admitted by earlier passes or other runners.
func (e *Evaluator) RunPass(ctx context.Context) (PassResult, error) {
	ctx, span := e.Tracer.StartServerSpan(ctx, "escalation.RunPass")
	defer span.End()

	var res PassResult
	err := e.Monitor.Track(ctx, model.SweepEscalations, func(ctx context.Context) (string, error) {
		tenants, admitted, err := e.admit(ctx)
		res.Tenants, res.Admitted = tenants, admitted
		if err != nil {
			return "", err
		}

		cr, err := e.coord.Run(ctx, e.deliver)
		res.Result = cr
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("tenants=%d admitted=%d delivered=%d failed=%d",
			res.Tenants, res.Admitted, res.Delivered, res.Failed), nil
	})
	e.Tracer.AddSweepAttributes(span, model.SweepEscalations, res.Claimed)
	if err != nil {
		e.Tracer.RecordError(span, err)
		e.l.ErrorContext(ctx, "Escalation pass failed", slog.Any("error", err))
		return res, err
	}

	e.l.InfoContext(ctx, "Escalation pass complete",
		slog.Int("tenants", res.Tenants),
		slog.Int("admitted", res.Admitted),
		slog.Int("delivered", res.Delivered),
		slog.Int("failed", res.Failed))
	return res, nil
}

func (e *Evaluator) admit(ctx context.Context) (tenantCount, admitted int, err error) {
	tenants, err := e.Tenants.ListEscalationTenants(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, tenant := range tenants {
		tiers := ResolveTiers(tenant, e.Tiers)
		if len(tiers) == 0 {
			continue
		}
		tenantCount++

		now := e.Clock.Now()
		cutoff := now.Add(-time.Duration(tiers[0]) * time.Minute)
		reqs, err := e.Requests.ListPendingRequests(ctx, tenant.ID, cutoff)
		if err != nil {
			return tenantCount, admitted, err
		}

		for _, req := range reqs {
			for _, tier := range CrossedTiers(tiers, now.Sub(req.CreatedAt)) {
				reqID, tier := req.ID, tier
				ok, err := claim.Admit(ctx, func(ctx context.Context) error {
					return e.Events.AdmitEscalation(ctx, reqID, tier, now)
				})
				if err != nil {
					return tenantCount, admitted, err
				}
				if ok {
					admitted++
					metrics.EscalationsAdmitted.WithLabelValues(strconv.Itoa(tier)).Inc()
					e.l.InfoContext(ctx, "Escalation admitted",
						slog.String("request_id", reqID),
						slog.String("tenant_id", tenant.ID),
						slog.Int("tier", tier))
				}
			}
		}
	}
	return tenantCount, admitted, nil
}

func (e *Evaluator) deliver(ctx context.Context, ev model.EscalationEvent) (model.EscalationEvent, error) {
	ctx, span := e.Tracer.StartClientSpan(ctx, "escalation.deliver",
		attribute.String(tracing.AttrTenantID, ev.TenantID),
		attribute.Int("escalation.tier", ev.Tier),
	)
	defer span.End()

	target := notify.Target{
		Channel:      notify.ChannelPush,
		Audience:     notify.AudienceDepartment,
		TenantID:     ev.TenantID,
		DepartmentID: ev.DepartmentID,
	}
	msg := notify.Message{
		Kind:  notify.KindEscalation,
		Title: fmt.Sprintf("Request waiting (tier %d)", ev.Tier),
		Body:  fmt.Sprintf("A request from room %s has not been acknowledged.", ev.RoomNumber),
		Data: map[string]string{
			"request_id": ev.RequestID,
			"tier":       strconv.Itoa(ev.Tier),
		},
	}
	if _, err := e.Sender.Send(ctx, target, msg); err != nil {
		e.Tracer.RecordError(span, err)
		return ev, err
	}

	notify.PublishQuietly(ctx, e.Publisher, e.l, model.RequestEvent{
		Type:         model.EventRequestEscalated,
		TenantID:     ev.TenantID,
		RequestID:    ev.RequestID,
		DepartmentID: ev.DepartmentID,
		Tier:         ev.Tier,
		OccurredAt:   e.Clock.Now(),
	})
	return ev, nil
}
