package generator

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/config"
	"companion/internal/errs"
	"companion/internal/ingest"
	"companion/internal/models"
	"companion/internal/storage"
)

type countingIngestor struct {
	mu        sync.Mutex
	perEntity map[string]int
	locations atomic.Int32
	failFor   string
}

func newCountingIngestor() *countingIngestor {
	return &countingIngestor{perEntity: make(map[string]int)}
}

func (c *countingIngestor) IngestBiometric(_ context.Context, r *models.BiometricReading) (ingest.BiometricResult, error) {
	if r.EntityID == c.failFor {
		return ingest.BiometricResult{}, errs.Store("test", errors.New("boom"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perEntity[r.EntityID]++
	return ingest.BiometricResult{}, nil
}

func (c *countingIngestor) IngestLocation(context.Context, *models.LocationReading) (ingest.LocationResult, error) {
	c.locations.Add(1)
	return ingest.LocationResult{}, nil
}

func (c *countingIngestor) counts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.perEntity))
	for k, v := range c.perEntity {
		out[k] = v
	}
	return out
}

func demoRoster() *storage.Memory {
	m := storage.NewMemory()
	m.Seed(storage.DemoFixtures(39.9042, 116.4074))
	return m
}

func newTestController(in Ingestor, cfg config.GeneratorConfig) *Controller {
	return NewController(in, demoRoster(), cfg,
		WithRand(rand.New(rand.NewPCG(1, 2))),
		WithHour(func() int { return 10 }),
	)
}

func TestStatusBeforeStart(t *testing.T) {
	c := newTestController(newCountingIngestor(), config.GeneratorConfig{})
	st := c.Status()
	assert.False(t, st.Running)
	assert.Zero(t, st.Ticks)

	c.Stop() // never started
	assert.False(t, c.Status().Running)
}

func TestConcurrentStartCreatesOneTimer(t *testing.T) {
	in := newCountingIngestor()
	c := newTestController(in, config.GeneratorConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Start(ctx, 100*time.Millisecond))
			assert.True(t, c.Status().Running)
		}()
	}
	wg.Wait()

	time.Sleep(350 * time.Millisecond)
	c.Stop()

	st := c.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 4, st.EntityCount)
	assert.Equal(t, 4, st.DeviceCount)

	// one timer at 100ms over ~350ms fires three times; two timers would double it
	ticks := int(st.Ticks)
	assert.GreaterOrEqual(t, ticks, 2)
	assert.LessOrEqual(t, ticks, 4)
	for entity, n := range in.counts() {
		assert.Equal(t, ticks, n, "entity %s", entity)
	}
}

func TestStopHaltsTicks(t *testing.T) {
	in := newCountingIngestor()
	c := newTestController(in, config.GeneratorConfig{})

	require.NoError(t, c.Start(context.Background(), 20*time.Millisecond))
	time.Sleep(70 * time.Millisecond)
	c.Stop()

	after := c.Status().Ticks
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, c.Status().Ticks, "no tick may fire after Stop returns")

	// restartable
	require.NoError(t, c.Start(context.Background(), 20*time.Millisecond))
	assert.True(t, c.Status().Running)
	c.Stop()
}

func TestStartRejectsBadInterval(t *testing.T) {
	c := newTestController(newCountingIngestor(), config.GeneratorConfig{})
	err := c.Start(context.Background(), 0)
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.False(t, c.Status().Running)
}

func TestGenerateOnceIsolatesFailures(t *testing.T) {
	in := newCountingIngestor()
	in.failFor = "2"
	c := newTestController(in, config.GeneratorConfig{IncludeLocation: true})

	res, err := c.GenerateOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Readings)
	assert.Equal(t, 1, res.Failures)
	assert.Equal(t, map[string]int{"1": 1, "3": 1, "4": 1}, in.counts())
	assert.EqualValues(t, 3, in.locations.Load())
}

type panickyIngestor struct{ *countingIngestor }

func (p *panickyIngestor) IngestBiometric(ctx context.Context, r *models.BiometricReading) (ingest.BiometricResult, error) {
	if r.EntityID == "1" {
		panic("bad reading")
	}
	return p.countingIngestor.IngestBiometric(ctx, r)
}

func TestGenerateOnceRecoversPanics(t *testing.T) {
	in := &panickyIngestor{countingIngestor: newCountingIngestor()}
	c := newTestController(in, config.GeneratorConfig{})

	res, err := c.GenerateOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Readings)
	assert.Equal(t, 1, res.Failures)
}

func TestRosterSkipsInactiveAndDuplicateDevices(t *testing.T) {
	m := storage.NewMemory()
	m.Seed(storage.Fixtures{
		Entities: []models.Entity{{ID: "1", Active: true}, {ID: "2", Active: false}},
		Devices:  []models.Device{{ID: "B", EntityID: "1"}, {ID: "A", EntityID: "1"}, {ID: "C", EntityID: "2"}},
	})
	c := NewController(newCountingIngestor(), m, config.GeneratorConfig{})

	devices, err := c.loadRoster(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "A", devices[0].ID)
}

func TestSynthesisRanges(t *testing.T) {
	for _, hour := range []int{3, 10, 18} {
		s := &synthesizer{rng: rand.New(rand.NewPCG(7, uint64(hour))), hour: func() int { return hour }}
		for i := 0; i < 2000; i++ {
			r := s.biometric(models.Device{ID: "W001", EntityID: "7"})
			hr := *r.HeartRate
			assert.True(t, (hr >= 60 && hr <= 140) || (hr >= 137 && hr <= 167), "heart rate %v", hr)
			assert.True(t, *r.Temperature >= 36.2 && *r.Temperature <= 38.5, "temperature %v", *r.Temperature)
			assert.True(t, *r.BloodOxygen >= 97 && *r.BloodOxygen <= 99, "spo2 %v", *r.BloodOxygen)
			assert.Zero(t, *r.Steps%5)
			assert.True(t, *r.Calories >= 0.1 && *r.Calories <= 0.15)
		}
	}
}

func TestBaselineIsStable(t *testing.T) {
	assert.Equal(t, 87.0, baseline("7"))
	assert.Equal(t, 80.0, baseline("20"))
	assert.Equal(t, baseline("S1"), baseline("S1"))
	b := baseline("S1")
	assert.True(t, b >= 80 && b < 100)
}
