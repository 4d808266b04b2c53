package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"companion/internal/config"
	"companion/internal/logger"
	"companion/internal/metrics"
	"companion/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize record")
)

// Producer publishes stream records to Kafka through a pool of writers, with retry.
type Producer struct {
	cfg     config.ProducerConfig
	topic   string
	writers []*kafka.Writer
	pool    chan *kafka.Writer
	closed  atomic.Bool

	recordsSent   atomic.Uint64
	recordsFailed atomic.Uint64
	bytesWritten  atomic.Uint64
}

// NewProducer creates a producer for topic.
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	p := &Producer{
		cfg:     cfg,
		topic:   topic,
		writers: make([]*kafka.Writer, cfg.PoolSize),
		pool:    make(chan *kafka.Writer, cfg.PoolSize),
	}

	compression := getCompression(cfg.Compression)

	for i := 0; i < cfg.PoolSize; i++ {
		writer := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // entity key keeps per-entity order
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  compression,
			MaxAttempts:  1, // retries are ours
		}
		p.writers[i] = writer
		p.pool <- writer
	}

	return p, nil
}

func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// toMessage encodes a record keyed by its entity.
func toMessage(rec *models.StreamRecord) (kafka.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	return kafka.Message{
		Key:   []byte(rec.PartitionKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
			{Key: "entity_id", Value: []byte(rec.EntityID())},
			{Key: "node", Value: []byte(rec.Node)},
		},
		Time: rec.RecordedAt,
	}, nil
}

// Publish sends one record.
func (p *Producer) Publish(ctx context.Context, rec *models.StreamRecord) error {
	return p.PublishBatch(ctx, []*models.StreamRecord{rec})
}

// PublishBatch sends records in one write. Records that fail to serialize are
// dropped and counted; the rest are still sent.
func (p *Producer) PublishBatch(ctx context.Context, records []*models.StreamRecord) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(records) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")

	messages := make([]kafka.Message, 0, len(records))
	var bytesTotal uint64
	for _, rec := range records {
		msg, err := toMessage(rec)
		if err != nil {
			log.Error().Err(err).
				Str("kind", string(rec.Kind)).
				Str("entity_id", rec.EntityID()).
				Msg("dropping unserializable record")
			p.recordsFailed.Add(1)
			metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
			continue
		}
		bytesTotal += uint64(len(msg.Value))
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return nil
	}

	var writer *kafka.Writer
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.recordsFailed.Add(uint64(len(messages)))
		return ctx.Err()
	}

	if err := p.writeWithRetry(ctx, writer, messages); err != nil {
		p.recordsFailed.Add(uint64(len(messages)))
		metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(messages)))
		return err
	}

	p.recordsSent.Add(uint64(len(messages)))
	p.bytesWritten.Add(bytesTotal)
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(messages)))
	return nil
}

// writeWithRetry writes messages with exponential backoff.
func (p *Producer) writeWithRetry(ctx context.Context, writer *kafka.Writer, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	var lastErr error
	backoff := p.cfg.RetryBackoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(messages)).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")

			metrics.KafkaPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	log.Error().
		Err(lastErr).
		Int("attempts", p.cfg.MaxRetries+1).
		Int("batch_size", len(messages)).
		Msg("kafka publish failed after all retries")

	return fmt.Errorf("failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns producer statistics.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		RecordsSent:   p.recordsSent.Load(),
		RecordsFailed: p.recordsFailed.Load(),
		BytesWritten:  p.bytesWritten.Load(),
	}
}

// ProducerStats holds producer counters.
type ProducerStats struct {
	RecordsSent   uint64 `json:"records_sent"`
	RecordsFailed uint64 `json:"records_failed"`
	BytesWritten  uint64 `json:"bytes_written"`
}
