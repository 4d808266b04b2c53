// Package mqtt receives device telemetry published to an MQTT broker.
//
// Devices publish bare JSON readings to <prefix>/<device id>/biometric and
// <prefix>/<device id>/location; the kind comes from the topic and a missing
// device_id is taken from it too.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"companion/internal/config"
	"companion/internal/errs"
	"companion/internal/logger"
	"companion/internal/metrics"
	"companion/internal/models"
)

// TelemetryHandler ingests one decoded device message.
type TelemetryHandler interface {
	HandleTelemetry(ctx context.Context, msg models.TelemetryMessage, source string) error
}

// ErrBadTopic is returned for topics outside the <prefix>/<device>/<kind> layout.
var ErrBadTopic = errors.New("unexpected telemetry topic")

// Subscriber owns the broker connection and its subscriptions.
type Subscriber struct {
	client  paho.Client
	cfg     config.MQTTConfig
	handler TelemetryHandler
	ctx     context.Context
	log     zerolog.Logger
}

// NewSubscriber prepares a client for cfg; Start connects it.
func NewSubscriber(cfg config.MQTTConfig, handler TelemetryHandler) *Subscriber {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "companion/devices"
	}
	s := &Subscriber{
		cfg:     cfg,
		handler: handler,
		ctx:     context.Background(),
		log:     logger.WithComponent("mqtt").With().Str("broker", cfg.Broker).Logger(),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	// clean sessions drop subscriptions, so every (re)connect subscribes again
	opts.SetOnConnectHandler(func(c paho.Client) {
		if err := s.subscribe(c); err != nil {
			s.log.Error().Err(err).Msg("subscribe failed")
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.log.Warn().Err(err).Msg("connection lost")
	})

	s.client = paho.NewClient(opts)
	return s
}

// Topics returns the subscription filters.
func (s *Subscriber) Topics() []string {
	return []string{
		s.cfg.TopicPrefix + "/+/" + string(models.StreamBiometric),
		s.cfg.TopicPrefix + "/+/" + string(models.StreamLocation),
	}
}

// Start connects and subscribes. Messages are ingested under ctx.
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx = ctx
	token := s.client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return fmt.Errorf("connect to MQTT broker %s: timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT broker %s: %w", s.cfg.Broker, err)
	}
	s.log.Info().Strs("topics", s.Topics()).Msg("mqtt subscriber started")
	return nil
}

func (s *Subscriber) subscribe(c paho.Client) error {
	filters := make(map[string]byte, 2)
	for _, t := range s.Topics() {
		filters[t] = s.cfg.QoS
	}
	token := c.SubscribeMultiple(filters, func(_ paho.Client, m paho.Message) {
		s.HandleMessage(m.Topic(), m.Payload())
	})
	token.Wait()
	return token.Error()
}

// HandleMessage decodes and ingests one message. Failures are logged and counted.
func (s *Subscriber) HandleMessage(topic string, payload []byte) {
	msg, err := decode(s.cfg.TopicPrefix, topic, payload)
	if err != nil {
		metrics.MQTTMessagesTotal.WithLabelValues("decode_error").Inc()
		s.log.Warn().Err(err).Str("topic", topic).Msg("skipping undecodable telemetry")
		return
	}

	if err := s.handler.HandleTelemetry(s.ctx, msg, "mqtt"); err != nil {
		metrics.MQTTMessagesTotal.WithLabelValues("rejected").Inc()
		ev := s.log.Warn()
		if errors.Is(err, errs.ErrTransientStore) {
			ev = s.log.Error()
		}
		ev.Err(err).Str("topic", topic).Msg("telemetry rejected")
		return
	}
	metrics.MQTTMessagesTotal.WithLabelValues("ok").Inc()
}

func decode(prefix, topic string, payload []byte) (models.TelemetryMessage, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return models.TelemetryMessage{}, fmt.Errorf("%w: %s", ErrBadTopic, topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return models.TelemetryMessage{}, fmt.Errorf("%w: %s", ErrBadTopic, topic)
	}
	deviceID, kind := parts[0], models.StreamKind(parts[1])

	msg, err := models.DecodeReading(kind, payload)
	if err != nil {
		return models.TelemetryMessage{}, err
	}
	switch {
	case msg.Biometric != nil && msg.Biometric.DeviceID == "":
		msg.Biometric.DeviceID = deviceID
	case msg.Location != nil && msg.Location.DeviceID == "":
		msg.Location.DeviceID = deviceID
	}
	return msg, nil
}

// Close disconnects, waiting briefly for in-flight work.
func (s *Subscriber) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.log.Info().Msg("mqtt subscriber stopped")
}
