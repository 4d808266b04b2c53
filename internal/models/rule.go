package models

import (
	"errors"
	"fmt"
	"math"
)

// Field names a biometric measurement a rule can target.
type Field string

const (
	FieldHeartRate   Field = "heart_rate"
	FieldTemperature Field = "temperature"
	FieldBloodOxygen Field = "blood_oxygen"
)

// Operator is the comparison a rule applies to the measured value.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpEqual        Operator = "="
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpNotEqual     Operator = "!="
	OpBetween      Operator = "between"
)

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertRule is an administrator-defined threshold on one biometric field.
type AlertRule struct {
	ID         int64    `json:"id"`
	Name       string   `json:"rule_name"`
	Type       string   `json:"rule_type"`
	Field      Field    `json:"condition_field"`
	Operator   Operator `json:"condition_operator"`
	Threshold1 *float64 `json:"condition_value1"`
	Threshold2 *float64 `json:"condition_value2,omitempty"`
	Severity   Severity `json:"severity"`
	Active     bool     `json:"is_active"`
}

// SafeZone is a circular geofence an entity is expected to stay inside.
type SafeZone struct {
	ID           int64   `json:"id"`
	EntityID     string  `json:"entity_id"`
	Name         string  `json:"zone_name"`
	CenterLat    float64 `json:"center_latitude"`
	CenterLng    float64 `json:"center_longitude"`
	RadiusMeters float64 `json:"radius_meters"`
	Active       bool    `json:"is_active"`
}

// Rule errors
var (
	ErrUnknownField        = errors.New("unknown rule field")
	ErrUnknownOperator     = errors.New("unknown rule operator")
	ErrInvalidSeverity     = errors.New("invalid severity level")
	ErrMissingThreshold    = errors.New("rule requires threshold 1")
	ErrBetweenThresholds   = errors.New("between requires both thresholds")
	ErrUnexpectedThreshold = errors.New("only between takes a second threshold")
	ErrInvalidRadius       = errors.New("zone radius must be positive")
)

// IsValid checks if the field is one the engine can read
func (f Field) IsValid() bool {
	switch f {
	case FieldHeartRate, FieldTemperature, FieldBloodOxygen:
		return true
	default:
		return false
	}
}

// IsValid checks if the operator is supported
func (o Operator) IsValid() bool {
	switch o {
	case OpGreater, OpLess, OpEqual, OpGreaterEqual, OpLessEqual, OpNotEqual, OpBetween:
		return true
	default:
		return false
	}
}

// IsValid checks if the severity level is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Validate enforces the threshold shape: between needs both thresholds,
// every other operator exactly the first.
func (r *AlertRule) Validate() error {
	if !r.Field.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownField, r.Field)
	}
	if !r.Operator.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownOperator, r.Operator)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidSeverity, r.Severity)
	}
	if r.Threshold1 == nil || math.IsNaN(*r.Threshold1) {
		return ErrMissingThreshold
	}
	if r.Operator == OpBetween {
		if r.Threshold2 == nil || math.IsNaN(*r.Threshold2) {
			return ErrBetweenThresholds
		}
	} else if r.Threshold2 != nil {
		return ErrUnexpectedThreshold
	}
	return nil
}

// Validate checks the zone describes a usable circle.
func (z *SafeZone) Validate() error {
	if z.EntityID == "" {
		return ErrEmptyEntityID
	}
	if z.RadiusMeters <= 0 || math.IsNaN(z.RadiusMeters) {
		return ErrInvalidRadius
	}
	if z.CenterLat < -90 || z.CenterLat > 90 {
		return ErrLatitudeRange
	}
	if z.CenterLng < -180 || z.CenterLng > 180 {
		return ErrLongitudeRange
	}
	return nil
}
