package models

import "time"

// AlertStatus is the lifecycle state of an alert. It only moves forward.
type AlertStatus string

const (
	AlertPending    AlertStatus = "pending"
	AlertProcessing AlertStatus = "processing"
	AlertResolved   AlertStatus = "resolved"
)

// AlertTypeLocation is the type of alerts raised by the geofence monitor.
const AlertTypeLocation = "location"

// Alert is a persisted, state-tracked violation.
type Alert struct {
	ID             int64       `json:"id"`
	EntityID       string      `json:"entity_id"`
	RuleID         *int64      `json:"rule_id"`
	Type           string      `json:"alert_type"`
	Title          string      `json:"title"`
	Message        string      `json:"message"`
	Severity       Severity    `json:"severity"`
	MeasuredValue  float64     `json:"data_value"`
	Threshold      float64     `json:"threshold"`
	Status         AlertStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	AcknowledgedBy string      `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	ResolvedBy     string      `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
}

// AlertCandidate is a potential alert produced by evaluation, not yet persisted.
type AlertCandidate struct {
	EntityID      string   `json:"entity_id"`
	RuleID        *int64   `json:"rule_id"`
	ZoneID        *int64   `json:"zone_id,omitempty"`
	Type          string   `json:"alert_type"`
	Severity      Severity `json:"severity"`
	MeasuredValue float64  `json:"data_value"`
	Threshold     float64  `json:"threshold"`
	Title         string   `json:"title"`
	Message       string   `json:"message"`
}

// IsGeofence reports whether the alert came from a safe zone rather than a rule.
func (a *Alert) IsGeofence() bool { return a.RuleID == nil }

// CanTransition reports whether from -> to is a legal forward move.
func CanTransition(from, to AlertStatus) bool {
	switch from {
	case AlertPending:
		return to == AlertProcessing || to == AlertResolved
	case AlertProcessing:
		return to == AlertResolved
	default:
		return false
	}
}
