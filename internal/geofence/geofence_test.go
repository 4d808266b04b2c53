package geofence

import (
	"math"
	"strings"
	"testing"

	"companion/internal/models"
)

var beijing = Point{Lat: 39.9042, Lng: 116.4074}

// north moves p by meters along its meridian.
func north(p Point, meters float64) Point {
	return Point{Lat: p.Lat + meters/EarthRadiusMeters*180/math.Pi, Lng: p.Lng}
}

func TestDistanceZeroAndSymmetric(t *testing.T) {
	points := []Point{
		beijing,
		{Lat: 0, Lng: 0},
		{Lat: -33.8688, Lng: 151.2093},
		{Lat: 51.5074, Lng: -0.1278},
		{Lat: 89.9, Lng: 179.9},
	}

	for _, a := range points {
		if d := Distance(a, a); d != 0 {
			t.Errorf("Distance(%v, %v) = %v, want 0", a, a, d)
		}
		for _, b := range points {
			ab, ba := Distance(a, b), Distance(b, a)
			if math.Abs(ab-ba) > 1e-6 {
				t.Errorf("asymmetric: %v->%v = %v, reverse = %v", a, b, ab, ba)
			}
		}
	}
}

func TestDistanceKnownValue(t *testing.T) {
	// London to Paris is about 343.5 km
	d := Distance(Point{Lat: 51.5074, Lng: -0.1278}, Point{Lat: 48.8566, Lng: 2.3522})
	if math.Abs(d-343_500) > 1_500 {
		t.Errorf("London-Paris = %.0f m", d)
	}
}

func zone(id int64, entity string, center Point, radius float64) models.SafeZone {
	return models.SafeZone{
		ID:           id,
		EntityID:     entity,
		Name:         "school",
		CenterLat:    center.Lat,
		CenterLng:    center.Lng,
		RadiusMeters: radius,
		Active:       true,
	}
}

func TestCheckZonesInsideAndOutside(t *testing.T) {
	zones := []models.SafeZone{zone(1, "S1", beijing, 50)}

	inside := &models.LocationReading{EntityID: "S1", Latitude: beijing.Lat, Longitude: beijing.Lng}
	if got := CheckZones(inside, zones); len(got) != 0 {
		t.Fatalf("expected no candidate at zone center, got %+v", got)
	}

	away := north(beijing, 500)
	outside := &models.LocationReading{EntityID: "S1", Latitude: away.Lat, Longitude: away.Lng}
	got := CheckZones(outside, zones)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}

	c := got[0]
	if c.Severity != models.SeverityCritical || c.Type != models.AlertTypeLocation {
		t.Errorf("unexpected candidate: %+v", c)
	}
	if math.Abs(c.MeasuredValue-500) > 1 {
		t.Errorf("measured distance = %v, want about 500", c.MeasuredValue)
	}
	if c.Threshold != 50 {
		t.Errorf("threshold = %v, want 50", c.Threshold)
	}
	if c.RuleID != nil || c.ZoneID == nil || *c.ZoneID != 1 {
		t.Errorf("candidate should carry the zone, not a rule: %+v", c)
	}
	if !strings.Contains(c.Message, "school") || !strings.Contains(c.Message, "500") {
		t.Errorf("message missing zone name or distance: %q", c.Message)
	}
}

func TestCheckZonesOnePerViolatedZone(t *testing.T) {
	zones := []models.SafeZone{
		zone(1, "S1", beijing, 50),
		zone(2, "S1", north(beijing, 100), 80),
		zone(3, "S1", north(beijing, 2000), 3000), // still inside this one
		zone(4, "S2", beijing, 50),                // another entity
	}
	away := north(beijing, 1000)

	got := CheckZones(&models.LocationReading{EntityID: "S1", Latitude: away.Lat, Longitude: away.Lng}, zones)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if *got[0].ZoneID != 1 || *got[1].ZoneID != 2 {
		t.Errorf("unexpected zones: %d, %d", *got[0].ZoneID, *got[1].ZoneID)
	}
}

func TestCheckZonesSkipsInactiveAndMalformed(t *testing.T) {
	inactive := zone(1, "S1", beijing, 50)
	inactive.Active = false
	broken := zone(2, "S1", beijing, 0)
	good := zone(3, "S1", beijing, 50)
	away := north(beijing, 500)

	res := CheckZonesDetailed(&models.LocationReading{EntityID: "S1", Latitude: away.Lat, Longitude: away.Lng},
		[]models.SafeZone{inactive, broken, good})

	if len(res.Candidates) != 1 || *res.Candidates[0].ZoneID != 3 {
		t.Errorf("expected only zone 3 to fire, got %+v", res.Candidates)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].ZoneID != 2 {
		t.Errorf("expected zone 2 skipped, got %+v", res.Skipped)
	}
}
