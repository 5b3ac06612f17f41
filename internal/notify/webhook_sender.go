package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	appErr "github.com/samims/concierge/internal/errors"
)

type webhookSender struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// NewWebhookSender posts every message as JSON to a notification gateway.
// The client timeout bounds each send so a slow gateway fails fast instead
// of holding a claim.
func NewWebhookSender(url string, timeout time.Duration, log *slog.Logger) Sender {
	return &webhookSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

type webhookPayload struct {
	Target  Target  `json:"target"`
	Message Message `json:"message"`
}

func (s *webhookSender) Send(ctx context.Context, target Target, msg Message) (Receipt, error) {
	body, err := json.Marshal(webhookPayload{Target: target, Message: msg})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, appErr.NewDeliveryFailed("gateway request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.log.WarnContext(ctx, "Gateway rejected notification",
			slog.Int("status", resp.StatusCode),
			slog.String("kind", msg.Kind),
			slog.String("body", string(snippet)))
		return Receipt{}, appErr.NewDeliveryFailed("gateway status %d", resp.StatusCode)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil && err != io.EOF {
		s.log.WarnContext(ctx, "Gateway response not decodable", slog.Any("error", err))
	}
	return receipt, nil
}
