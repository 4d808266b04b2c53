package kafka

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"companion/internal/config"
	"companion/internal/errs"
	"companion/internal/logger"
	"companion/internal/models"
)

// skipIfNoKafka skips the test if Kafka is not available
func skipIfNoKafka(t *testing.T) {
	if os.Getenv("KAFKA_TEST") != "1" {
		t.Skip("Skipping Kafka integration test. Set KAFKA_TEST=1 to run.")
	}
}

func testRecord(entity string) *models.StreamRecord {
	hr := 88.0
	return models.NewBiometricRecord(&models.BiometricReading{
		DeviceID:   "W001",
		EntityID:   entity,
		HeartRate:  &hr,
		CapturedAt: time.Now().UTC(),
	}, "test-node")
}

func TestToMessageKeysByEntity(t *testing.T) {
	msg, err := toMessage(testRecord("S1"))
	if err != nil {
		t.Fatalf("toMessage: %v", err)
	}
	if string(msg.Key) != "S1" {
		t.Errorf("key = %q, want S1", msg.Key)
	}

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["kind"] != "biometric" || headers["entity_id"] != "S1" || headers["node"] != "test-node" {
		t.Errorf("unexpected headers: %v", headers)
	}
}

func TestNewProducerValidation(t *testing.T) {
	cfg := config.Default().Kafka.Producer
	if _, err := NewProducer(nil, "topic", cfg); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewProducer([]string{"localhost:9092"}, "", cfg); err == nil {
		t.Error("expected error without topic")
	}
}

func TestProducerClosed(t *testing.T) {
	cfg := config.Default()
	producer, err := NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Producer)
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}

	if err := producer.Close(); err != nil {
		t.Errorf("failed to close producer: %v", err)
	}
	if err := producer.Publish(context.Background(), testRecord("S1")); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
}

func TestProducerPublishBatch(t *testing.T) {
	skipIfNoKafka(t)

	cfg := config.Default()
	producer, err := NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Producer)
	if err != nil {
		t.Fatalf("failed to create producer: %v", err)
	}
	defer producer.Close()

	records := make([]*models.StreamRecord, 10)
	for i := range records {
		records[i] = testRecord("S1")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := producer.PublishBatch(ctx, records); err != nil {
		t.Fatalf("failed to publish batch: %v", err)
	}
	if stats := producer.Stats(); stats.RecordsSent != 10 {
		t.Errorf("expected 10 records sent, got %d", stats.RecordsSent)
	}
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []models.TelemetryMessage
	err  error
}

func (h *recordingHandler) HandleTelemetry(ctx context.Context, msg models.TelemetryMessage, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return h.err
}

func TestConsumerHandleDecodesAndDispatches(t *testing.T) {
	h := &recordingHandler{}
	c := &Consumer{handler: h, log: logger.WithComponent("test")}

	c.handle(context.Background(), kafka.Message{
		Value: []byte(`{"kind":"biometric","reading":{"device_id":"W001","student_id":1,"heart_rate":130}}`),
	})

	if len(h.msgs) != 1 {
		t.Fatalf("expected 1 dispatched message, got %d", len(h.msgs))
	}
	msg := h.msgs[0]
	if msg.Kind != models.StreamBiometric || msg.Biometric.EntityID != "1" || *msg.Biometric.HeartRate != 130 {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestConsumerHandleSkipsGarbage(t *testing.T) {
	h := &recordingHandler{}
	c := &Consumer{handler: h, log: logger.WithComponent("test")}

	c.handle(context.Background(), kafka.Message{Value: []byte(`not json`)})
	c.handle(context.Background(), kafka.Message{Value: []byte(`{"kind":"emotion","reading":{}}`)})

	if len(h.msgs) != 0 {
		t.Errorf("garbage should not reach the handler, got %d", len(h.msgs))
	}
}

func TestConsumerHandleSurvivesRejection(t *testing.T) {
	h := &recordingHandler{err: errs.NotFound("ingest", "entity 9")}
	c := &Consumer{handler: h, log: logger.WithComponent("test")}

	c.handle(context.Background(), kafka.Message{
		Value: []byte(`{"kind":"location","reading":{"device_id":"W009","entity_id":"9","latitude":1,"longitude":2}}`),
	})
	if len(h.msgs) != 1 {
		t.Errorf("expected the handler to be called once, got %d", len(h.msgs))
	}
}
