// Package kafka carries request events out to Kafka and primary-channel
// delivery reports in.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/samims/concierge/internal/model"
	"github.com/samims/concierge/pkg/tracing"
)

// ReportHandler applies one delivery report.
type ReportHandler interface {
	HandleReport(ctx context.Context, report model.DeliveryReport) error
}

// ReportConsumer reads delivery reports from a consumer group.
type ReportConsumer struct {
	topic         string
	handler       ReportHandler
	consumerGroup sarama.ConsumerGroup
	tracer        *tracing.Tracer
	log           *slog.Logger
}

func NewReportConsumer(topic string, consumerGroup sarama.ConsumerGroup, handler ReportHandler, tracer *tracing.Tracer, log *slog.Logger) *ReportConsumer {
	return &ReportConsumer{
		topic:         topic,
		consumerGroup: consumerGroup,
		handler:       handler,
		tracer:        tracer,
		log:           log.With("component", "kafka_consumer"),
	}
}

// Start blocks until ctx is cancelled or the group is closed.
func (c *ReportConsumer) Start(ctx context.Context) error {
	defer func() {
		if err := c.consumerGroup.Close(); err != nil {
			c.log.Warn("Failed to close consumer group", slog.Any("error", err))
		}
	}()

	c.log.Info("Kafka consumer started", slog.String("topic", c.topic))

	backoff := time.Second
	for {
		err := c.consumerGroup.Consume(ctx, []string{c.topic}, c)
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return err
			}
			c.log.Error("Error consuming messages", slog.Any("error", err))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		backoff = time.Second
	}
}

func (c *ReportConsumer) Setup(session sarama.ConsumerGroupSession) error {
	for topic, partitions := range session.Claims() {
		c.log.Info("Partition assignment",
			slog.String("topic", topic),
			slog.Any("partitions", partitions))
	}
	return nil
}

func (c *ReportConsumer) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim applies reports in partition order. A report that fails with
// a ledger error is logged and skipped like a malformed one: committing a
// later offset would pass it anyway. Its code stays unconfirmed, so the
// fallback sweep still covers it once the primary timeout passes.
func (c *ReportConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		ctx, span := c.tracer.StartServerSpan(tracing.ExtractTraceContext(session.Context(), message), "kafka.ConsumeReport")
		c.tracer.AddKafkaAttributes(span, message.Topic, "receive", message.Partition, message.Offset)

		var report model.DeliveryReport
		if err := json.Unmarshal(message.Value, &report); err != nil || report.MessageID == "" {
			c.log.Error("Skipping malformed delivery report",
				slog.Int64("offset", message.Offset), slog.Any("error", err))
			session.MarkMessage(message, "")
			span.End()
			continue
		}

		if err := c.handler.HandleReport(ctx, report); err != nil {
			c.tracer.RecordError(span, err)
			c.log.ErrorContext(ctx, "Delivery report handling failed",
				slog.String("message_id", report.MessageID),
				slog.String("status", report.Status),
				slog.Any("error", err))
			session.MarkMessage(message, "")
			span.End()
			continue
		}
		session.MarkMessage(message, "")
		span.End()
	}
	return nil
}
