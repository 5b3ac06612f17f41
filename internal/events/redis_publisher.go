// Package events fans request events out to connected staff clients over
// Redis pub/sub. The websocket edge subscribes to one channel per tenant.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/samims/concierge/internal/model"
)

type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "tenant"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel is the pub/sub channel for a tenant's request events.
func (p *RedisPublisher) Channel(tenantID string) string {
	return fmt.Sprintf("%s:%s:requests", p.prefix, tenantID)
}

func (p *RedisPublisher) Publish(ctx context.Context, event model.RequestEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(event.TenantID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}
