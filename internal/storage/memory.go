package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"companion/internal/errs"
	"companion/internal/models"
)

// Memory is an in-process Store for development and tests. Reads return copies,
// so callers never alias stored rows.
type Memory struct {
	mu sync.RWMutex

	entities map[string]models.Entity
	devices  map[string]models.Device
	rules    []models.AlertRule
	zones    []models.SafeZone
	alerts   map[int64]models.Alert

	biometrics []models.BiometricReading
	locations  []models.LocationReading

	nextReadingID int64
	nextAlertID   int64
	now           func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entities: make(map[string]models.Entity),
		devices:  make(map[string]models.Device),
		alerts:   make(map[int64]models.Alert),
		now:      time.Now,
	}
}

// Seed loads fixtures, replacing rows with the same key.
func (m *Memory) Seed(fx Fixtures) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range fx.Entities {
		m.entities[e.ID] = e
	}
	for _, d := range fx.Devices {
		m.devices[d.ID] = d
	}
	m.rules = append(m.rules, fx.Rules...)
	m.zones = append(m.zones, fx.Zones...)
}

// SaveBiometricReading appends r after checking its entity exists.
func (m *Memory) SaveBiometricReading(ctx context.Context, r *models.BiometricReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entities[r.EntityID]; !ok {
		return errs.NotFound("storage.save_biometric", "entity "+r.EntityID)
	}
	m.nextReadingID++
	r.ID = m.nextReadingID
	m.biometrics = append(m.biometrics, *r)
	return nil
}

// SaveLocationReading appends r after checking its entity exists.
func (m *Memory) SaveLocationReading(ctx context.Context, r *models.LocationReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entities[r.EntityID]; !ok {
		return errs.NotFound("storage.save_location", "entity "+r.EntityID)
	}
	m.nextReadingID++
	r.ID = m.nextReadingID
	m.locations = append(m.locations, *r)
	return nil
}

func (m *Memory) LoadActiveRules(ctx context.Context) ([]models.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) LoadActiveZones(ctx context.Context) ([]models.SafeZone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.SafeZone, 0, len(m.zones))
	for _, z := range m.zones {
		if z.Active {
			out = append(out, z)
		}
	}
	return out, nil
}

func (m *Memory) SaveAlert(ctx context.Context, a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entities[a.EntityID]; !ok {
		return errs.NotFound("storage.save_alert", "entity "+a.EntityID)
	}
	m.nextAlertID++
	a.ID = m.nextAlertID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	m.alerts[a.ID] = *a
	return nil
}

func (m *Memory) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, errs.NotFound("storage.get_alert", "alert")
	}
	return &a, nil
}

func (m *Memory) UpdateAlertStatus(ctx context.Context, a *models.Alert, from ...models.AlertStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.alerts[a.ID]
	if !ok || !slices.Contains(from, cur.Status) {
		return errs.NotFound("storage.update_alert", "alert in expected state")
	}
	cur.Status = a.Status
	cur.Message = a.Message
	cur.AcknowledgedBy = a.AcknowledgedBy
	cur.AcknowledgedAt = a.AcknowledgedAt
	cur.ResolvedBy = a.ResolvedBy
	cur.ResolvedAt = a.ResolvedAt
	m.alerts[a.ID] = cur
	return nil
}

func (m *Memory) LoadEntityRoster(ctx context.Context) ([]models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		if e.Active {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) LoadDeviceRoster(ctx context.Context) ([]models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Counts reports how many readings and alerts are stored, for stats and tests.
func (m *Memory) Counts() (biometrics, locations, alerts int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.biometrics), len(m.locations), len(m.alerts)
}

// BiometricReadings returns a copy of the stored biometric readings in insertion order.
func (m *Memory) BiometricReadings() []models.BiometricReading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.biometrics)
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }
