// Package geofence checks location readings against circular safe zones.
package geofence

import (
	"fmt"
	"math"

	"companion/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Distance returns the great-circle distance in meters between a and b (haversine).
func Distance(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push h a hair past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// SkippedZone is a zone that could not be checked because its definition is malformed.
type SkippedZone struct {
	ZoneID int64
	Err    error
}

// Result is the outcome of one geofence pass.
type Result struct {
	Candidates []models.AlertCandidate
	Skipped    []SkippedZone
}

// CheckZones returns one critical candidate per active zone of the reading's
// entity that the reading lies outside of.
func CheckZones(reading *models.LocationReading, zones []models.SafeZone) []models.AlertCandidate {
	return CheckZonesDetailed(reading, zones).Candidates
}

// CheckZonesDetailed is CheckZones plus the malformed zones that were skipped.
func CheckZonesDetailed(reading *models.LocationReading, zones []models.SafeZone) Result {
	var res Result
	if reading == nil {
		return res
	}
	at := Point{Lat: reading.Latitude, Lng: reading.Longitude}

	for i := range zones {
		zone := &zones[i]
		if !zone.Active || zone.EntityID != reading.EntityID {
			continue
		}
		if err := zone.Validate(); err != nil {
			res.Skipped = append(res.Skipped, SkippedZone{ZoneID: zone.ID, Err: err})
			continue
		}

		dist := Distance(at, Point{Lat: zone.CenterLat, Lng: zone.CenterLng})
		if dist <= zone.RadiusMeters {
			continue
		}

		rounded := math.Round(dist)
		zoneID := zone.ID
		res.Candidates = append(res.Candidates, models.AlertCandidate{
			EntityID:      reading.EntityID,
			ZoneID:        &zoneID,
			Type:          models.AlertTypeLocation,
			Severity:      models.SeverityCritical,
			MeasuredValue: rounded,
			Threshold:     zone.RadiusMeters,
			Title:         "Left safe zone",
			Message:       fmt.Sprintf("left safe zone %s, %d meters from center", zone.Name, int64(rounded)),
		})
	}
	return res
}
