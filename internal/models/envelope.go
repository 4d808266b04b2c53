package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventWelcome           EventType = "welcome"
	EventSubscribed        EventType = "subscribed"
	EventUnsubscribed      EventType = "unsubscribed"
	EventBiometricUpdate   EventType = "biometric_update"
	EventAlertNotification EventType = "alert_notification"
	EventAlertHandled      EventType = "alert_handled"
	EventError             EventType = "error"
)

// EventData is implemented by exactly one payload struct per EventType.
type EventData interface {
	EventType() EventType
}

// Event is the envelope delivered to connections:
// {"type": ..., "data": {...}, "timestamp": "<RFC 3339>"}.
type Event struct {
	Data      EventData
	Timestamp time.Time
}

// NewEvent wraps data in an envelope stamped with the current time.
func NewEvent(data EventData) Event {
	return Event{Data: data, Timestamp: time.Now().UTC()}
}

// Type returns the tag of the payload.
func (e Event) Type() EventType {
	if e.Data == nil {
		return ""
	}
	return e.Data.EventType()
}

// WelcomeData greets a freshly registered connection.
type WelcomeData struct {
	ConnectionID string `json:"connectionId"`
	Message      string `json:"message"`
}

// SubscribedData confirms a subscription.
type SubscribedData struct {
	EntityID string `json:"entityId"`
}

// UnsubscribedData confirms a subscription was cleared.
type UnsubscribedData struct {
	EntityID string `json:"entityId,omitempty"`
}

// BiometricUpdateData carries a raw reading to the entity's subscribers.
type BiometricUpdateData struct {
	EntityID    string    `json:"entityId"`
	DeviceID    string    `json:"deviceId"`
	HeartRate   *float64  `json:"heartRate,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	BloodOxygen *float64  `json:"bloodOxygen,omitempty"`
	Steps       *int      `json:"steps,omitempty"`
	Calories    *float64  `json:"calories,omitempty"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// NotificationScope says whether an alert notification went to the entity's
// subscribers or to every connection.
type NotificationScope string

const (
	ScopeEntity NotificationScope = "entity"
	ScopeGlobal NotificationScope = "global"
)

// AlertNotificationData announces a newly created alert.
type AlertNotificationData struct {
	Scope NotificationScope `json:"scope"`
	Alert Alert             `json:"alert"`
}

// AlertAction names a lifecycle transition.
type AlertAction string

const (
	ActionAcknowledged AlertAction = "acknowledged"
	ActionResolved     AlertAction = "resolved"
)

// AlertHandledData announces an acknowledgment or resolution.
type AlertHandledData struct {
	Action AlertAction `json:"action"`
	Alert  Alert       `json:"alert"`
}

// ErrorData reports a problem with a client command.
type ErrorData struct {
	Message string `json:"message"`
}

func (WelcomeData) EventType() EventType           { return EventWelcome }
func (SubscribedData) EventType() EventType        { return EventSubscribed }
func (UnsubscribedData) EventType() EventType      { return EventUnsubscribed }
func (BiometricUpdateData) EventType() EventType   { return EventBiometricUpdate }
func (AlertNotificationData) EventType() EventType { return EventAlertNotification }
func (AlertHandledData) EventType() EventType      { return EventAlertHandled }
func (ErrorData) EventType() EventType             { return EventError }

// NewBiometricUpdate builds the live-telemetry payload for a reading.
func NewBiometricUpdate(r *BiometricReading) BiometricUpdateData {
	return BiometricUpdateData{
		EntityID:    r.EntityID,
		DeviceID:    r.DeviceID,
		HeartRate:   r.HeartRate,
		Temperature: r.Temperature,
		BloodOxygen: r.BloodOxygen,
		Steps:       r.Steps,
		Calories:    r.Calories,
		CapturedAt:  r.CapturedAt,
	}
}

type wireEvent struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// MarshalJSON renders the envelope with an ISO-8601 timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("event has no payload")
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		Type:      e.Data.EventType(),
		Data:      data,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON decodes the payload into the struct matching the tag.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	var data EventData
	var err error
	switch w.Type {
	case EventWelcome:
		data, err = decodeData[WelcomeData](w.Data)
	case EventSubscribed:
		data, err = decodeData[SubscribedData](w.Data)
	case EventUnsubscribed:
		data, err = decodeData[UnsubscribedData](w.Data)
	case EventBiometricUpdate:
		data, err = decodeData[BiometricUpdateData](w.Data)
	case EventAlertNotification:
		data, err = decodeData[AlertNotificationData](w.Data)
	case EventAlertHandled:
		data, err = decodeData[AlertHandledData](w.Data)
	case EventError:
		data, err = decodeData[ErrorData](w.Data)
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", w.Type, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return ErrInvalidTimestamp
	}

	e.Data = data
	e.Timestamp = ts
	return nil
}

func decodeData[T EventData](raw json.RawMessage) (EventData, error) {
	var v T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// CommandType tags a message sent by a client over its connection.
type CommandType string

const (
	CommandSubscribe   CommandType = "subscribe"
	CommandUnsubscribe CommandType = "unsubscribe"
)

// Command is a client request: {"type": "subscribe", "payload": {"entityId": "S1"}}.
// Older dashboards send the target as payload.studentId.
type Command struct {
	Type    CommandType `json:"type"`
	Payload struct {
		EntityID  json.RawMessage `json:"entityId"`
		StudentID json.RawMessage `json:"studentId"`
	} `json:"payload"`
}

// EntityID returns the target entity of the command, accepting string or numeric ids.
// entityId wins when both names are present.
func (c *Command) EntityID() (string, error) {
	return entityID(c.Payload.EntityID, c.Payload.StudentID)
}
