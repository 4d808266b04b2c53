package models_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"companion/internal/models"
)

func f64(v float64) *float64 { return &v }

func TestBiometricReadingNormalize(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	r := &models.BiometricReading{
		DeviceID: "  dev-1  ",
		EntityID: "  S1  ",
	}

	r.Normalize(now)

	if r.DeviceID != "dev-1" {
		t.Errorf("DeviceID not trimmed: got %q", r.DeviceID)
	}
	if r.EntityID != "S1" {
		t.Errorf("EntityID not trimmed: got %q", r.EntityID)
	}
	if !r.CapturedAt.Equal(now) {
		t.Errorf("CapturedAt not stamped: got %v", r.CapturedAt)
	}
}

func TestBiometricReadingValidate(t *testing.T) {
	base := func() *models.BiometricReading {
		return &models.BiometricReading{
			DeviceID:   "dev-1",
			EntityID:   "S1",
			HeartRate:  f64(80),
			CapturedAt: time.Now(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(r *models.BiometricReading)
		wantErr error
	}{
		{"valid", func(r *models.BiometricReading) {}, nil},
		{"missing device", func(r *models.BiometricReading) { r.DeviceID = "" }, models.ErrEmptyDeviceID},
		{"missing entity", func(r *models.BiometricReading) { r.EntityID = "" }, models.ErrEmptyEntityID},
		{"nan heart rate", func(r *models.BiometricReading) { r.HeartRate = f64(math.NaN()) }, models.ErrNonFiniteValue},
		{"future", func(r *models.BiometricReading) { r.CapturedAt = time.Now().Add(time.Hour) }, models.ErrFutureTimestamp},
		{"negative steps", func(r *models.BiometricReading) { n := -1; r.Steps = &n }, models.ErrNegativeSteps},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(r)
			err := r.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLocationReadingValidate(t *testing.T) {
	r := &models.LocationReading{DeviceID: "dev-1", EntityID: "S1", Latitude: 91, Longitude: 0}
	if err := r.Validate(); !errors.Is(err, models.ErrLatitudeRange) {
		t.Errorf("expected latitude error, got %v", err)
	}

	r.Latitude, r.Longitude = 39.9042, 181
	if err := r.Validate(); !errors.Is(err, models.ErrLongitudeRange) {
		t.Errorf("expected longitude error, got %v", err)
	}

	r.Longitude = 116.4074
	if err := r.Validate(); err != nil {
		t.Errorf("expected valid reading, got %v", err)
	}
}

func TestLocationReadingMissingCoordinates(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"no coordinates", `{"device_id":"W001","student_id":1}`, models.ErrMissingCoords},
		{"no longitude", `{"device_id":"W001","entity_id":"1","latitude":39.9}`, models.ErrMissingCoords},
		{"null latitude", `{"device_id":"W001","entity_id":"1","latitude":null,"longitude":116.4}`, models.ErrMissingCoords},
		{"zero is a coordinate", `{"device_id":"W001","entity_id":"1","latitude":0,"longitude":0}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r models.LocationReading
			if err := json.Unmarshal([]byte(tt.body), &r); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			err := r.Validate()
			if tt.want == nil && err != nil {
				t.Errorf("expected valid reading, got %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLocationReadingUnmarshalCoordinates(t *testing.T) {
	var r models.LocationReading
	if err := json.Unmarshal([]byte(`{"device_id":"W001","entity_id":"1","latitude":39.9042,"longitude":116.4074}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Latitude != 39.9042 || r.Longitude != 116.4074 {
		t.Errorf("coordinates not decoded: %v, %v", r.Latitude, r.Longitude)
	}

	if err := json.Unmarshal([]byte(`{"device_id":"W001","entity_id":"1","latitude":"north","longitude":1}`), &r); err == nil {
		t.Error("expected error for non-numeric latitude")
	}
}

func TestBiometricReadingUnmarshalLegacyFields(t *testing.T) {
	body := `{"device_id": 12, "student_id": 3, "heart_rate": 130, "temperature": 36.6,
		"timestamp": "2024-01-15 10:30:00"}`

	var r models.BiometricReading
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if r.DeviceID != "12" || r.EntityID != "3" {
		t.Errorf("ids not decoded: device=%q entity=%q", r.DeviceID, r.EntityID)
	}
	if r.HeartRate == nil || *r.HeartRate != 130 {
		t.Errorf("heart rate not decoded: %v", r.HeartRate)
	}
	if r.BloodOxygen != nil {
		t.Errorf("absent field should stay nil, got %v", *r.BloodOxygen)
	}
	want := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	if !r.CapturedAt.Equal(want) {
		t.Errorf("CapturedAt = %v, want %v", r.CapturedAt, want)
	}
}

func TestBiometricReadingUnmarshalEntityWinsOverStudent(t *testing.T) {
	var r models.BiometricReading
	if err := json.Unmarshal([]byte(`{"device_id":"d","entity_id":"E1","student_id":"S1"}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.EntityID != "E1" {
		t.Errorf("expected entity_id to win, got %q", r.EntityID)
	}
}

func TestBiometricReadingUnmarshalBadTimestamp(t *testing.T) {
	var r models.BiometricReading
	err := json.Unmarshal([]byte(`{"device_id":"d","entity_id":"E1","timestamp":"yesterday"}`), &r)
	if !errors.Is(err, models.ErrInvalidTimestamp) {
		t.Errorf("expected ErrInvalidTimestamp, got %v", err)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"2024-01-15T10:30:00Z", false},
		{"2024-01-15T10:30:00.123456789Z", false},
		{"2024-01-15 10:30:00", false},
		{"  2024-01-15T10:30:00Z  ", false},
		{"invalid", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := models.ParseTimestamp(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseTimestamp(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestAlertRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    models.AlertRule
		wantErr error
	}{
		{
			name:    "greater than",
			rule:    models.AlertRule{Field: models.FieldHeartRate, Operator: models.OpGreater, Threshold1: f64(120), Severity: models.SeverityHigh},
			wantErr: nil,
		},
		{
			name:    "between with both",
			rule:    models.AlertRule{Field: models.FieldTemperature, Operator: models.OpBetween, Threshold1: f64(37.5), Threshold2: f64(42), Severity: models.SeverityHigh},
			wantErr: nil,
		},
		{
			name:    "between missing second",
			rule:    models.AlertRule{Field: models.FieldTemperature, Operator: models.OpBetween, Threshold1: f64(37.5), Severity: models.SeverityHigh},
			wantErr: models.ErrBetweenThresholds,
		},
		{
			name:    "second threshold on comparison",
			rule:    models.AlertRule{Field: models.FieldBloodOxygen, Operator: models.OpLess, Threshold1: f64(95), Threshold2: f64(99), Severity: models.SeverityMedium},
			wantErr: models.ErrUnexpectedThreshold,
		},
		{
			name:    "missing first",
			rule:    models.AlertRule{Field: models.FieldBloodOxygen, Operator: models.OpLess, Severity: models.SeverityMedium},
			wantErr: models.ErrMissingThreshold,
		},
		{
			name:    "unknown field",
			rule:    models.AlertRule{Field: "steps", Operator: models.OpLess, Threshold1: f64(1), Severity: models.SeverityLow},
			wantErr: models.ErrUnknownField,
		},
		{
			name:    "unknown operator",
			rule:    models.AlertRule{Field: models.FieldHeartRate, Operator: "~", Threshold1: f64(1), Severity: models.SeverityLow},
			wantErr: models.ErrUnknownOperator,
		},
		{
			name:    "bad severity",
			rule:    models.AlertRule{Field: models.FieldHeartRate, Operator: models.OpGreater, Threshold1: f64(1), Severity: "urgent"},
			wantErr: models.ErrInvalidSeverity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAlertRuleNormalize(t *testing.T) {
	r := models.AlertRule{Field: " Heart_Rate ", Operator: "BETWEEN", Severity: "HIGH"}
	r.Normalize()
	if r.Field != models.FieldHeartRate || r.Operator != models.OpBetween || r.Severity != models.SeverityHigh {
		t.Errorf("rule not normalized: %+v", r)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.AlertStatus
		want     bool
	}{
		{models.AlertPending, models.AlertProcessing, true},
		{models.AlertPending, models.AlertResolved, true},
		{models.AlertProcessing, models.AlertResolved, true},
		{models.AlertProcessing, models.AlertPending, false},
		{models.AlertResolved, models.AlertPending, false},
		{models.AlertResolved, models.AlertProcessing, false},
		{models.AlertResolved, models.AlertResolved, false},
		{models.AlertPending, models.AlertPending, false},
	}

	for _, tt := range tests {
		if got := models.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
