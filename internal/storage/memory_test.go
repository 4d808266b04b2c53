package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/errs"
	"companion/internal/models"
)

func seededMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	m.Seed(DemoFixtures(39.9042, 116.4074))
	return m
}

func TestMemoryRejectsUnknownEntity(t *testing.T) {
	m := seededMemory(t)
	ctx := context.Background()

	err := m.SaveBiometricReading(ctx, &models.BiometricReading{DeviceID: "W001", EntityID: "404"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	r := &models.BiometricReading{DeviceID: "W001", EntityID: "1"}
	require.NoError(t, m.SaveBiometricReading(ctx, r))
	assert.NotZero(t, r.ID)

	b, l, a := m.Counts()
	assert.Equal(t, 1, b)
	assert.Zero(t, l)
	assert.Zero(t, a)
}

func TestMemoryUpdateAlertStatusIsConditional(t *testing.T) {
	m := seededMemory(t)
	ctx := context.Background()

	a := &models.Alert{EntityID: "1", Status: models.AlertPending, Severity: models.SeverityHigh}
	require.NoError(t, m.SaveAlert(ctx, a))
	require.NotZero(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())

	a.Status = models.AlertResolved
	require.NoError(t, m.UpdateAlertStatus(ctx, a, models.AlertPending, models.AlertProcessing))

	a.Status = models.AlertProcessing
	err := m.UpdateAlertStatus(ctx, a, models.AlertPending)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	stored, err := m.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, stored.Status)
}

func TestMemoryGetAlertReturnsCopy(t *testing.T) {
	m := seededMemory(t)
	ctx := context.Background()

	a := &models.Alert{EntityID: "1", Status: models.AlertPending, Message: "original"}
	require.NoError(t, m.SaveAlert(ctx, a))

	got, err := m.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	got.Message = "mutated"

	again, _ := m.GetAlert(ctx, a.ID)
	assert.Equal(t, "original", again.Message)
}

func TestMemoryRosterAndRules(t *testing.T) {
	m := seededMemory(t)
	ctx := context.Background()

	entities, err := m.LoadEntityRoster(ctx)
	require.NoError(t, err)
	assert.Len(t, entities, 4)
	assert.Equal(t, "1", entities[0].ID)

	devices, _ := m.LoadDeviceRoster(ctx)
	assert.Len(t, devices, 4)

	rules, _ := m.LoadActiveRules(ctx)
	for _, r := range rules {
		assert.NoError(t, r.Validate(), "demo rule %d", r.ID)
	}

	zones, _ := m.LoadActiveZones(ctx)
	assert.Len(t, zones, 4)
}
