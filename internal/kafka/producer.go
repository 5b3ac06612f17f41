package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"

	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/pkg/tracing"
)

// EventProducer publishes request events to Kafka for downstream consumers
// (dashboards, analytics). It satisfies notify.Publisher.
type EventProducer struct {
	asyncProducer sarama.AsyncProducer
	topic         string
	log           *slog.Logger
	wg            *sync.WaitGroup
	closeOnce     sync.Once
	tracer        *tracing.Tracer
}

func NewEventProducer(asyncProducer sarama.AsyncProducer, topic string, log *slog.Logger, wg *sync.WaitGroup, tracer *tracing.Tracer) *EventProducer {
	if asyncProducer == nil || log == nil || wg == nil || tracer == nil {
		panic("NewEventProducer: nil dependencies provided")
	}
	if topic == "" {
		panic("NewEventProducer: topic must not be empty")
	}
	return &EventProducer{
		asyncProducer: asyncProducer,
		topic:         topic,
		log:           log.With("component", "kafka_producer"),
		wg:            wg,
		tracer:        tracer,
	}
}

// Start launches the success and error drain loops.
func (p *EventProducer) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.handleSuccess(ctx)
	go p.handleErrors(ctx)
}

func (p *EventProducer) handleSuccess(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case msg, ok := <-p.asyncProducer.Successes():
			if !ok {
				return
			}
			p.log.Debug("Event delivered",
				slog.String("topic", msg.Topic),
				slog.Int("partition", int(msg.Partition)),
				slog.Int64("offset", msg.Offset))
		case <-ctx.Done():
			return
		}
	}
}

func (p *EventProducer) handleErrors(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case err, ok := <-p.asyncProducer.Errors():
			if !ok {
				return
			}
			p.log.Error("Event delivery failed",
				slog.String("topic", err.Msg.Topic),
				slog.Any("error", err.Err))
		case <-ctx.Done():
			return
		}
	}
}

// Publish queues the event keyed by tenant, so one tenant's events stay in
// order on one partition.
func (p *EventProducer) Publish(ctx context.Context, event model.RequestEvent) error {
	ctx, span := p.tracer.StartClientSpan(ctx, "kafka.Publish",
		attribute.String(tracing.AttrMessagingSystem, "kafka"),
		attribute.String(tracing.AttrMessagingDestination, p.topic),
		attribute.String(tracing.AttrMessagingOperation, "publish"),
		attribute.String(tracing.AttrTenantID, event.TenantID),
	)
	defer span.End()

	data, err := json.Marshal(event)
	if err != nil {
		p.tracer.RecordError(span, err)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(event.TenantID),
		Value:     sarama.ByteEncoder(data),
		Timestamp: event.OccurredAt,
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}
	tracing.InjectTraceContext(ctx, msg)

	select {
	case p.asyncProducer.Input() <- msg:
		return nil
	case <-ctx.Done():
		p.tracer.RecordError(span, ctx.Err())
		return ctx.Err()
	}
}

// Close flushes the producer and waits for the drain loops.
func (p *EventProducer) Close() {
	p.closeOnce.Do(func() {
		p.log.Info("Closing Kafka producer")
		p.asyncProducer.AsyncClose()
		p.wg.Wait()
	})
}
