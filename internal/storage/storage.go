package storage

import (
	"context"
	"strconv"

	"companion/internal/models"
)

// Store is the persistence collaborator consumed by the pipeline and the alert lifecycle.
//
// Implementations report a reading for an unknown entity and a conditional status
// update that matched nothing as errs.ErrNotFound; every other failure is
// errs.ErrTransientStore. The pipeline never retries.
type Store interface {
	// SaveBiometricReading appends a reading and assigns its ID.
	SaveBiometricReading(ctx context.Context, r *models.BiometricReading) error
	// SaveLocationReading appends a reading and assigns its ID.
	SaveLocationReading(ctx context.Context, r *models.LocationReading) error

	LoadActiveRules(ctx context.Context) ([]models.AlertRule, error)
	LoadActiveZones(ctx context.Context) ([]models.SafeZone, error)

	// SaveAlert inserts a new alert and assigns its ID and creation time.
	SaveAlert(ctx context.Context, a *models.Alert) error
	GetAlert(ctx context.Context, id int64) (*models.Alert, error)
	// UpdateAlertStatus writes a's status, actor fields and message, but only if the
	// stored status is one of from.
	UpdateAlertStatus(ctx context.Context, a *models.Alert, from ...models.AlertStatus) error

	LoadEntityRoster(ctx context.Context) ([]models.Entity, error)
	LoadDeviceRoster(ctx context.Context) ([]models.Device, error)

	Ping(ctx context.Context) error
	Close() error
}

// Fixtures is a set of rows loaded into a store for development and tests.
type Fixtures struct {
	Entities []models.Entity
	Devices  []models.Device
	Rules    []models.AlertRule
	Zones    []models.SafeZone
}

// DemoFixtures returns a small roster with the default threshold rules and one
// safe zone per entity around the generator's base point.
func DemoFixtures(baseLat, baseLng float64) Fixtures {
	f := func(v float64) *float64 { return &v }

	fx := Fixtures{
		Rules: []models.AlertRule{
			{ID: 1, Name: "Heart rate too high", Type: "heart_rate", Field: models.FieldHeartRate,
				Operator: models.OpGreater, Threshold1: f(120), Severity: models.SeverityHigh, Active: true},
			{ID: 2, Name: "Heart rate too low", Type: "heart_rate", Field: models.FieldHeartRate,
				Operator: models.OpLess, Threshold1: f(50), Severity: models.SeverityHigh, Active: true},
			{ID: 3, Name: "Fever", Type: "temperature", Field: models.FieldTemperature,
				Operator: models.OpBetween, Threshold1: f(37.5), Threshold2: f(42), Severity: models.SeverityMedium, Active: true},
			{ID: 4, Name: "Low blood oxygen", Type: "blood_oxygen", Field: models.FieldBloodOxygen,
				Operator: models.OpLess, Threshold1: f(95), Severity: models.SeverityCritical, Active: true},
		},
	}

	names := []string{"Alice", "Bruno", "Chen", "Dara"}
	for i, name := range names {
		id := i + 1
		entityID := strconv.Itoa(id)
		fx.Entities = append(fx.Entities, models.Entity{ID: entityID, Name: name, Active: true})
		fx.Devices = append(fx.Devices, models.Device{ID: "W00" + entityID, EntityID: entityID})
		fx.Zones = append(fx.Zones, models.SafeZone{
			ID:           int64(id),
			EntityID:     entityID,
			Name:         "campus",
			CenterLat:    baseLat,
			CenterLng:    baseLng,
			RadiusMeters: 200,
			Active:       true,
		})
	}
	return fx
}
