package models

import (
	"encoding/json"
	"errors"
	"math"
	"time"
)

// BiometricReading is one vital-signs sample reported by a wearable device.
// Optional measurements are nil when the device did not report them.
type BiometricReading struct {
	ID          int64     `json:"id,omitempty"`
	DeviceID    string    `json:"device_id"`
	EntityID    string    `json:"entity_id"`
	HeartRate   *float64  `json:"heart_rate,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	BloodOxygen *float64  `json:"blood_oxygen,omitempty"`
	Steps       *int      `json:"steps,omitempty"`
	Calories    *float64  `json:"calories,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
}

// LocationReading is one position fix reported by a wearable device.
type LocationReading struct {
	ID           int64     `json:"id,omitempty"`
	DeviceID     string    `json:"device_id"`
	EntityID     string    `json:"entity_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Address      string    `json:"address,omitempty"`
	Accuracy     float64   `json:"accuracy,omitempty"`
	BatteryLevel int       `json:"battery_level,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`

	// set by UnmarshalJSON when the payload omitted latitude or longitude
	missingCoords bool
}

// Validation errors
var (
	ErrEmptyDeviceID    = errors.New("device ID cannot be empty")
	ErrEmptyEntityID    = errors.New("entity ID cannot be empty")
	ErrFutureTimestamp  = errors.New("capture time cannot be in the future")
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
	ErrNonFiniteValue   = errors.New("measurement must be a finite number")
	ErrLatitudeRange    = errors.New("latitude must be within [-90, 90]")
	ErrLongitudeRange   = errors.New("longitude must be within [-180, 180]")
	ErrNegativeSteps    = errors.New("steps cannot be negative")
	ErrMissingCoords    = errors.New("latitude and longitude are required")
)

// MaxClockSkew is how far in the future a capture time may be before it is rejected.
const MaxClockSkew = time.Minute

// Validate checks the reading has the identifiers and sane values the pipeline relies on.
func (r *BiometricReading) Validate() error {
	if r.DeviceID == "" {
		return ErrEmptyDeviceID
	}
	if r.EntityID == "" {
		return ErrEmptyEntityID
	}
	for _, v := range []*float64{r.HeartRate, r.Temperature, r.BloodOxygen, r.Calories} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return ErrNonFiniteValue
		}
	}
	if r.Steps != nil && *r.Steps < 0 {
		return ErrNegativeSteps
	}
	if r.CapturedAt.After(time.Now().Add(MaxClockSkew)) {
		return ErrFutureTimestamp
	}
	return nil
}

// Validate checks the fix carries identifiers and a coordinate on the globe.
func (r *LocationReading) Validate() error {
	if r.DeviceID == "" {
		return ErrEmptyDeviceID
	}
	if r.EntityID == "" {
		return ErrEmptyEntityID
	}
	if r.missingCoords {
		return ErrMissingCoords
	}
	if math.IsNaN(r.Latitude) || math.IsNaN(r.Longitude) {
		return ErrNonFiniteValue
	}
	if r.Latitude < -90 || r.Latitude > 90 {
		return ErrLatitudeRange
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		return ErrLongitudeRange
	}
	if r.CapturedAt.After(time.Now().Add(MaxClockSkew)) {
		return ErrFutureTimestamp
	}
	return nil
}

// Field returns the value of a rule target field and whether the reading carries it.
func (r *BiometricReading) Field(f Field) (float64, bool) {
	var v *float64
	switch f {
	case FieldHeartRate:
		v = r.HeartRate
	case FieldTemperature:
		v = r.Temperature
	case FieldBloodOxygen:
		v = r.BloodOxygen
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// UnmarshalJSON accepts the legacy student_id alias for entity_id, numeric
// identifiers, and a "timestamp" string in any supported format.
func (r *BiometricReading) UnmarshalJSON(data []byte) error {
	type plain BiometricReading
	aux := struct {
		*plain
		DeviceID   json.RawMessage `json:"device_id"`
		EntityID   json.RawMessage `json:"entity_id"`
		StudentID  json.RawMessage `json:"student_id"`
		CapturedAt string          `json:"captured_at"`
		Timestamp  string          `json:"timestamp"`
	}{plain: (*plain)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if r.DeviceID, err = flexID(aux.DeviceID); err != nil {
		return err
	}
	if r.EntityID, err = entityID(aux.EntityID, aux.StudentID); err != nil {
		return err
	}
	r.CapturedAt, err = captureTime(aux.CapturedAt, aux.Timestamp)
	return err
}

// UnmarshalJSON mirrors BiometricReading.UnmarshalJSON. A fix without both
// coordinates fails Validate with ErrMissingCoords rather than reading as (0, 0).
func (r *LocationReading) UnmarshalJSON(data []byte) error {
	type plain LocationReading
	aux := struct {
		*plain
		DeviceID   json.RawMessage `json:"device_id"`
		EntityID   json.RawMessage `json:"entity_id"`
		StudentID  json.RawMessage `json:"student_id"`
		Latitude   json.RawMessage `json:"latitude"`
		Longitude  json.RawMessage `json:"longitude"`
		CapturedAt string          `json:"captured_at"`
		Timestamp  string          `json:"timestamp"`
	}{plain: (*plain)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if r.DeviceID, err = flexID(aux.DeviceID); err != nil {
		return err
	}
	lat, latOK, err := coordinate(aux.Latitude)
	if err != nil {
		return err
	}
	lng, lngOK, err := coordinate(aux.Longitude)
	if err != nil {
		return err
	}
	r.Latitude, r.Longitude = lat, lng
	r.missingCoords = !latOK || !lngOK
	if r.EntityID, err = entityID(aux.EntityID, aux.StudentID); err != nil {
		return err
	}
	r.CapturedAt, err = captureTime(aux.CapturedAt, aux.Timestamp)
	return err
}

func coordinate(raw json.RawMessage) (float64, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func entityID(entity, student json.RawMessage) (string, error) {
	id, err := flexID(entity)
	if err != nil || id != "" {
		return id, err
	}
	return flexID(student)
}

func captureTime(values ...string) (time.Time, error) {
	for _, v := range values {
		if v == "" {
			continue
		}
		return ParseTimestamp(v)
	}
	return time.Time{}, nil
}

// flexID decodes an identifier sent either as a JSON string or a JSON number.
func flexID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
