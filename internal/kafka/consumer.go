package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"companion/internal/errs"
	"companion/internal/logger"
	"companion/internal/metrics"
	"companion/internal/models"
)

// TelemetryHandler ingests one decoded device message.
type TelemetryHandler interface {
	HandleTelemetry(ctx context.Context, msg models.TelemetryMessage, source string) error
}

// Consumer reads device telemetry from a topic in a consumer group and hands
// each message to the handler.
type Consumer struct {
	reader  *kafka.Reader
	handler TelemetryHandler
	log     zerolog.Logger
}

// NewConsumer creates a consumer group reader for topic.
func NewConsumer(brokers []string, topic, group string, handler TelemetryHandler) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" || group == "" {
		return nil, errors.New("topic and consumer group are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	return &Consumer{
		reader:  reader,
		handler: handler,
		log:     logger.WithComponent("kafka_consumer").With().Str("topic", topic).Logger(),
	}, nil
}

// Run consumes until ctx is cancelled. Undecodable and rejected messages are
// logged and committed past; they are never redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Msg("telemetry consumer started")
	defer c.log.Info().Msg("telemetry consumer stopped")

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error().Err(err).Msg("fetch failed")
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		c.handle(ctx, m)

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Int64("offset", m.Offset).Msg("commit failed")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	msg, err := models.DecodeTelemetry(m.Value)
	if err != nil {
		metrics.KafkaConsumedTotal.WithLabelValues("decode_error").Inc()
		c.log.Warn().Err(err).
			Int("partition", m.Partition).
			Int64("offset", m.Offset).
			Msg("skipping undecodable telemetry")
		return
	}

	if err := c.handler.HandleTelemetry(ctx, msg, "kafka"); err != nil {
		metrics.KafkaConsumedTotal.WithLabelValues("rejected").Inc()
		ev := c.log.Warn()
		if errors.Is(err, errs.ErrTransientStore) {
			ev = c.log.Error()
		}
		ev.Err(err).
			Str("kind", string(msg.Kind)).
			Int64("offset", m.Offset).
			Msg("telemetry rejected")
		return
	}
	metrics.KafkaConsumedTotal.WithLabelValues("ok").Inc()
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
