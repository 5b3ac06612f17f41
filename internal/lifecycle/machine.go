// Package lifecycle owns the request status graph:
//
//	CREATED -> ACKNOWLEDGED -> {CONFIRMED, NOT_AVAILABLE, NO_SHOW, ALREADY_BOOKED_OFFLINE}
//	CREATED -> EXPIRED (system only)
//
// Terminal states never change again. Every transition writes exactly one
// activity row in the same transaction as the status change.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/samims/concierge/internal/clock"
	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/internal/metrics"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/notify"
	"github.com/samims/concierge/internal/storage"
)

var transitions = map[model.Status][]model.Status{
	model.StatusCreated: {model.StatusAcknowledged, model.StatusExpired},
	model.StatusAcknowledged: {
		model.StatusConfirmed,
		model.StatusNotAvailable,
		model.StatusNoShow,
		model.StatusAlreadyBookedOffline,
	},
}

// reasons is the per-outcome allow-list for resolution reasons.
var reasons = map[model.Status]map[string]bool{
	model.StatusConfirmed:            {"WALK_IN": true},
	model.StatusNotAvailable:         {"SOLD_OUT": true, "MAINTENANCE": true, "SEASONAL": true},
	model.StatusNoShow:               {"GUEST_UNREACHABLE": true},
	model.StatusAlreadyBookedOffline: {"WALK_IN": true},
}

// CanTransition reports whether the graph has an edge from -> to.
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateReason checks an optional resolution reason against the
// allow-list of the target outcome.
func ValidateReason(to model.Status, reason string) error {
	if reason == "" {
		return nil
	}
	if reason == string(to) {
		return appErr.NewInvalidTransition("reason %s repeats the status", reason)
	}
	if !reasons[to][reason] {
		return appErr.NewInvalidTransition("reason %s not allowed for %s", reason, to)
	}
	return nil
}

// IsOverdue reports whether a CREATED request has waited longer than horizon.
func IsOverdue(req model.Request, horizon time.Duration, now time.Time) bool {
	return req.Status == model.StatusCreated && now.Sub(req.CreatedAt) > horizon
}

// ComputeResponseDueAt is when staff should have answered, derived from the
// first tier of the ladder that applies to the tenant.
func ComputeResponseDueAt(tierMinutes []int, now time.Time) *time.Time {
	if len(tierMinutes) == 0 {
		return nil
	}
	t := now.Add(time.Duration(tierMinutes[0]) * time.Minute)
	return &t
}

type Machine struct {
	store     storage.RequestStore
	publisher notify.Publisher
	clock     clock.Clock
	l         *slog.Logger
}

func NewMachine(store storage.RequestStore, publisher notify.Publisher, clk clock.Clock, logger *slog.Logger) *Machine {
	return &Machine{
		store:     store,
		publisher: publisher,
		clock:     clk,
		l:         logger.With("component", "lifecycle"),
	}
}

// Get reads a request. It never changes status.
func (m *Machine) Get(ctx context.Context, id string) (*model.Request, error) {
	return m.store.GetRequest(ctx, id)
}

// Acknowledge moves CREATED to ACKNOWLEDGED. Acknowledging an already
// acknowledged request is a no-op that writes nothing.
func (m *Machine) Acknowledge(ctx context.Context, id, actorID string) (*model.Request, error) {
	var changed bool
	req, err := m.store.MutateRequest(ctx, id, func(req *model.Request) (*model.Activity, error) {
		if req.Status == model.StatusAcknowledged {
			return nil, nil
		}
		if !CanTransition(req.Status, model.StatusAcknowledged) {
			return nil, appErr.NewInvalidTransition("%s -> %s", req.Status, model.StatusAcknowledged)
		}
		now := m.clock.Now()
		act := m.apply(req, model.StatusAcknowledged, model.ActionAcknowledged, actorID, now)
		req.AcknowledgedAt = &now
		changed = true
		return act, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.afterTransition(ctx, req, model.StatusCreated)
	}
	return req, nil
}

// Resolve moves an ACKNOWLEDGED request to a staff-chosen outcome.
func (m *Machine) Resolve(ctx context.Context, id, actorID string, to model.Status, reason string) (*model.Request, error) {
	if !to.IsResolution() {
		return nil, appErr.NewInvalidTransition("%s is not a resolution", to)
	}
	if err := ValidateReason(to, reason); err != nil {
		return nil, err
	}
	var from model.Status
	req, err := m.store.MutateRequest(ctx, id, func(req *model.Request) (*model.Activity, error) {
		if !CanTransition(req.Status, to) {
			return nil, appErr.NewInvalidTransition("%s -> %s", req.Status, to)
		}
		from = req.Status
		now := m.clock.Now()
		act := m.apply(req, to, model.ActionResolved, actorID, now)
		req.RespondedAt = &now
		req.Reason = reason
		if reason != "" {
			act.Details["reason"] = reason
		}
		return act, nil
	})
	if err != nil {
		return nil, err
	}
	m.afterTransition(ctx, req, from)
	return req, nil
}

// Expire is the system-only CREATED -> EXPIRED move.
func (m *Machine) Expire(ctx context.Context, id string) (*model.Request, error) {
	req, err := m.store.MutateRequest(ctx, id, func(req *model.Request) (*model.Activity, error) {
		if !CanTransition(req.Status, model.StatusExpired) {
			return nil, appErr.NewInvalidTransition("%s -> %s", req.Status, model.StatusExpired)
		}
		act := m.apply(req, model.StatusExpired, model.ActionExpired, "", m.clock.Now())
		act.Details["source"] = "system"
		return act, nil
	})
	if err != nil {
		return nil, err
	}
	m.afterTransition(ctx, req, model.StatusCreated)
	return req, nil
}

func (m *Machine) apply(req *model.Request, to model.Status, action, actorID string, now time.Time) *model.Activity {
	act := &model.Activity{
		Action:     action,
		FromStatus: req.Status,
		ToStatus:   to,
		ActorID:    actorID,
		Details:    map[string]string{},
		CreatedAt:  now,
	}
	req.Status = to
	req.UpdatedAt = now
	return act
}

func (m *Machine) afterTransition(ctx context.Context, req *model.Request, from model.Status) {
	metrics.Transitions.WithLabelValues(string(from), string(req.Status)).Inc()
	m.l.InfoContext(ctx, "Request transitioned",
		slog.String("request_id", req.ID),
		slog.String("tenant_id", req.TenantID),
		slog.String("from", string(from)),
		slog.String("to", string(req.Status)))
	notify.PublishQuietly(ctx, m.publisher, m.l, model.RequestEvent{
		Type:         model.EventRequestUpdated,
		TenantID:     req.TenantID,
		RequestID:    req.ID,
		DepartmentID: req.DepartmentID,
		Status:       req.Status,
		OccurredAt:   req.UpdatedAt,
	})
}
