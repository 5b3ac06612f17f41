// Package notify holds the outbound delivery contracts. Transports live
// behind Sender; real-time fan-out lives behind Publisher.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samims/concierge/internal/model"
)

type Channel string

const (
	ChannelPush     Channel = "push"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

type Audience string

const (
	// AudienceDepartment reaches the department's staff and the tenant admins.
	AudienceDepartment Audience = "department_and_admins"
	// AudienceDirect reaches the single phone number on the target.
	AudienceDirect Audience = "direct"
)

type Target struct {
	Channel      Channel  `json:"channel"`
	Audience     Audience `json:"audience"`
	TenantID     string   `json:"tenant_id,omitempty"`
	DepartmentID string   `json:"department_id,omitempty"`
	Phone        string   `json:"phone,omitempty"`
}

type Message struct {
	Kind  string            `json:"kind"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

const (
	KindEscalation = "escalation"
	KindReminder   = "reminder"
	KindOTP        = "otp"
)

// Receipt identifies an accepted message at the provider. MessageID is what
// later delivery reports refer to.
type Receipt struct {
	MessageID string `json:"message_id"`
}

// Sender delivers one message. Any error means the message was not delivered.
type Sender interface {
	Send(ctx context.Context, target Target, msg Message) (Receipt, error)
}

// Publisher pushes real-time events to connected clients.
type Publisher interface {
	Publish(ctx context.Context, event model.RequestEvent) error
}

type multiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher fans an event out to every publisher and joins their
// errors.
func NewMultiPublisher(publishers ...Publisher) Publisher {
	return &multiPublisher{publishers: publishers}
}

func (m *multiPublisher) Publish(ctx context.Context, event model.RequestEvent) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishQuietly publishes and only logs a failure. Real-time events are
// best effort and never fail the transition that produced them.
func PublishQuietly(ctx context.Context, p Publisher, l *slog.Logger, event model.RequestEvent) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, event); err != nil {
		l.WarnContext(ctx, "Failed to publish event",
			slog.String("type", event.Type),
			slog.String("request_id", event.RequestID),
			slog.Any("error", err))
	}
}
