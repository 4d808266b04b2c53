package models

import (
	"strings"
	"time"
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// Normalize trims identifiers and stamps a missing capture time with now.
func (r *BiometricReading) Normalize(now time.Time) {
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	r.EntityID = strings.TrimSpace(r.EntityID)
	if r.CapturedAt.IsZero() {
		r.CapturedAt = now
	}
	r.CapturedAt = r.CapturedAt.UTC()
}

// Normalize trims identifiers and stamps a missing capture time with now.
func (r *LocationReading) Normalize(now time.Time) {
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	r.EntityID = strings.TrimSpace(r.EntityID)
	r.Address = strings.TrimSpace(r.Address)
	if r.CapturedAt.IsZero() {
		r.CapturedAt = now
	}
	r.CapturedAt = r.CapturedAt.UTC()
}

// Normalize lower-cases the enumerations of a rule so "Between" and "HIGH" match.
func (r *AlertRule) Normalize() {
	r.Field = Field(strings.ToLower(strings.TrimSpace(string(r.Field))))
	r.Operator = Operator(strings.ToLower(strings.TrimSpace(string(r.Operator))))
	r.Severity = Severity(strings.ToLower(strings.TrimSpace(string(r.Severity))))
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
