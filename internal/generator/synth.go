package generator

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strconv"

	"companion/internal/models"
)

// Tail probabilities injected to exercise the alerting path.
const (
	heartRateOutlierRate = 0.01
	feverRate            = 0.005
	locationJitter       = 0.001
)

// synthesizer draws readings from rng. It is not safe for concurrent use.
type synthesizer struct {
	rng  *rand.Rand
	hour func() int
}

// baseline derives a stable resting heart rate in [80, 100) from the entity id.
func baseline(entityID string) float64 {
	if n, err := strconv.Atoi(entityID); err == nil {
		if n < 0 {
			n = -n
		}
		return float64(80 + n%20)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return float64(80 + h.Sum32()%20)
}

func daytime(hour int) bool { return hour >= 8 && hour <= 16 }

func (s *synthesizer) heartRate(entityID string) float64 {
	base := baseline(entityID)
	hour := s.hour()

	var variation float64
	switch {
	case daytime(hour):
		variation = s.rng.Float64()*20 + 10
	case hour >= 17 && hour <= 20:
		variation = s.rng.Float64()*10 - 5
	default:
		variation = s.rng.Float64()*15 - 10
	}

	if s.rng.Float64() < heartRateOutlierRate {
		return math.Round(base + 50 + s.rng.Float64()*30)
	}
	return math.Max(60, math.Min(140, math.Round(base+variation)))
}

func (s *synthesizer) temperature() float64 {
	t := 36.5 + (s.rng.Float64()-0.5)*0.5
	if s.rng.Float64() < feverRate {
		t = 37.5 + s.rng.Float64()
	}
	return math.Round(t*10) / 10
}

func (s *synthesizer) bloodOxygen() float64 {
	return math.Round(98 + s.rng.Float64()*2 - 1)
}

// steps covers a five minute window.
func (s *synthesizer) steps() int {
	if daytime(s.hour()) {
		return (s.rng.IntN(15) + 5) * 5
	}
	return s.rng.IntN(5) * 5
}

func (s *synthesizer) calories() float64 {
	return math.Round((0.1+s.rng.Float64()*0.05)*100) / 100
}

func (s *synthesizer) biometric(d models.Device) *models.BiometricReading {
	hr := s.heartRate(d.EntityID)
	temp := s.temperature()
	spo2 := s.bloodOxygen()
	steps := s.steps()
	cal := s.calories()
	return &models.BiometricReading{
		DeviceID:    d.ID,
		EntityID:    d.EntityID,
		HeartRate:   &hr,
		Temperature: &temp,
		BloodOxygen: &spo2,
		Steps:       &steps,
		Calories:    &cal,
	}
}

func (s *synthesizer) location(d models.Device, baseLat, baseLng float64) *models.LocationReading {
	round6 := func(v float64) float64 { return math.Round(v*1e6) / 1e6 }
	return &models.LocationReading{
		DeviceID:     d.ID,
		EntityID:     d.EntityID,
		Latitude:     round6(baseLat + (s.rng.Float64()-0.5)*locationJitter),
		Longitude:    round6(baseLng + (s.rng.Float64()-0.5)*locationJitter),
		Accuracy:     s.rng.Float64()*10 + 5,
		BatteryLevel: s.rng.IntN(30) + 70,
	}
}
