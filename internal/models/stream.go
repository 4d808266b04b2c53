package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// StreamKind identifies what a stream record carries.
type StreamKind string

const (
	StreamBiometric StreamKind = "biometric"
	StreamLocation  StreamKind = "location"
	StreamAlert     StreamKind = "alert"
)

// StreamRecord wraps a reading or alert with metadata for the outbound event stream.
type StreamRecord struct {
	Kind      StreamKind        `json:"kind"`
	Biometric *BiometricReading `json:"biometric,omitempty"`
	Location  *LocationReading  `json:"location,omitempty"`
	Alert     *Alert            `json:"alert,omitempty"`

	// Internal processing metadata
	RecordedAt   time.Time `json:"recorded_at"`
	Node         string    `json:"node"`
	PartitionKey string    `json:"partition_key"`
}

// NewBiometricRecord wraps a biometric reading.
func NewBiometricRecord(r *BiometricReading, node string) *StreamRecord {
	return newRecord(StreamBiometric, r.EntityID, node, func(s *StreamRecord) { s.Biometric = r })
}

// NewLocationRecord wraps a location reading.
func NewLocationRecord(r *LocationReading, node string) *StreamRecord {
	return newRecord(StreamLocation, r.EntityID, node, func(s *StreamRecord) { s.Location = r })
}

// NewAlertRecord wraps an alert snapshot.
func NewAlertRecord(a *Alert, node string) *StreamRecord {
	return newRecord(StreamAlert, a.EntityID, node, func(s *StreamRecord) { s.Alert = a })
}

func newRecord(kind StreamKind, entityID, node string, set func(*StreamRecord)) *StreamRecord {
	rec := &StreamRecord{
		Kind:         kind,
		RecordedAt:   time.Now().UTC(),
		Node:         node,
		PartitionKey: entityID, // partition by entity for ordering
	}
	set(rec)
	return rec
}

// EntityID returns the entity the record belongs to.
func (s *StreamRecord) EntityID() string { return s.PartitionKey }

// ErrUnknownTelemetryKind is returned for device messages that are neither biometric nor location.
var ErrUnknownTelemetryKind = errors.New("unknown telemetry kind")

// TelemetryMessage is one inbound device message, as carried by Kafka or MQTT.
type TelemetryMessage struct {
	Kind      StreamKind
	Biometric *BiometricReading
	Location  *LocationReading
}

// DecodeTelemetry parses {"kind": "biometric"|"location", "reading": {...}}.
func DecodeTelemetry(data []byte) (TelemetryMessage, error) {
	var w struct {
		Kind    StreamKind      `json:"kind"`
		Reading json.RawMessage `json:"reading"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return TelemetryMessage{}, fmt.Errorf("decode telemetry: %w", err)
	}
	return DecodeReading(w.Kind, w.Reading)
}

// DecodeReading parses a bare reading whose kind is known from context (an MQTT topic, say).
func DecodeReading(kind StreamKind, data []byte) (TelemetryMessage, error) {
	msg := TelemetryMessage{Kind: kind}
	switch kind {
	case StreamBiometric:
		msg.Biometric = &BiometricReading{}
		if err := json.Unmarshal(data, msg.Biometric); err != nil {
			return TelemetryMessage{}, fmt.Errorf("decode biometric reading: %w", err)
		}
	case StreamLocation:
		msg.Location = &LocationReading{}
		if err := json.Unmarshal(data, msg.Location); err != nil {
			return TelemetryMessage{}, fmt.Errorf("decode location reading: %w", err)
		}
	default:
		return TelemetryMessage{}, fmt.Errorf("%w: %q", ErrUnknownTelemetryKind, kind)
	}
	return msg, nil
}
