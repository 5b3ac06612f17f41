package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type logSender struct {
	log *slog.Logger
}

// NewLogSender returns a Sender that only logs. It is used when no gateway
// is configured.
func NewLogSender(log *slog.Logger) Sender {
	return &logSender{log: log}
}

func (s *logSender) Send(ctx context.Context, target Target, msg Message) (Receipt, error) {
	id := uuid.NewString()
	s.log.InfoContext(ctx, "Simulating delivery",
		slog.String("kind", msg.Kind),
		slog.String("channel", string(target.Channel)),
		slog.String("tenant_id", target.TenantID),
		slog.String("message_id", id))
	return Receipt{MessageID: id}, nil
}
