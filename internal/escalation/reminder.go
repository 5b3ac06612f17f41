package escalation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samims/concierge/internal/claim"
	"github.com/samims/concierge/internal/heartbeat"
	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/internal/notify"
	"github.com/samims/concierge/internal/storage"
)

// ReminderSweep sends one reminder per request whose response due time has
// passed while it is still CREATED. The reminder columns on the request row
// carry the claim.
type ReminderSweep struct {
	coord   *claim.Coordinator[model.Reminder]
	sender  notify.Sender
	monitor *heartbeat.Monitor
	l       *slog.Logger
}

func NewReminderSweep(store storage.RequestStore, d Deps, opts claim.Options) *ReminderSweep {
	if opts.Name == "" {
		opts.Name = "reminder"
	}
	cs := claim.StoreFuncs[model.Reminder]{
		ClaimFn:   store.ClaimReminders,
		CommitFn:  store.CommitReminder,
		ReleaseFn: store.ReleaseReminder,
	}
	return &ReminderSweep{
		coord:   claim.New[model.Reminder](cs, opts, d.Clock, d.Tracer, d.Logger),
		sender:  d.Sender,
		monitor: d.Monitor,
		l:       d.Logger.With("component", "reminder"),
	}
}

func (s *ReminderSweep) RunPass(ctx context.Context) (claim.Result, error) {
	var res claim.Result
	err := s.monitor.Track(ctx, model.SweepReminders, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.coord.Run(ctx, s.remind)
		return fmt.Sprintf("delivered=%d failed=%d", res.Delivered, res.Failed), err
	})
	return res, err
}

func (s *ReminderSweep) remind(ctx context.Context, r model.Reminder) (model.Reminder, error) {
	_, err := s.sender.Send(ctx, notify.Target{
		Channel:      notify.ChannelPush,
		Audience:     notify.AudienceDepartment,
		TenantID:     r.TenantID,
		DepartmentID: r.DepartmentID,
	}, notify.Message{
		Kind:  notify.KindReminder,
		Title: "Response due",
		Body:  fmt.Sprintf("The request from room %s is due for a response.", r.RoomNumber),
		Data:  map[string]string{"request_id": r.RequestID},
	})
	return r, err
}
