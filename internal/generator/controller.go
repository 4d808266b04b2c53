// Package generator produces synthetic device readings on a timer and routes
// them through the ingest pipeline exactly like real telemetry.
package generator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"companion/internal/config"
	"companion/internal/errs"
	"companion/internal/ingest"
	"companion/internal/logger"
	"companion/internal/metrics"
	"companion/internal/models"
)

// Ingestor is the pipeline entry point. *ingest.Service satisfies it.
type Ingestor interface {
	IngestBiometric(ctx context.Context, r *models.BiometricReading) (ingest.BiometricResult, error)
	IngestLocation(ctx context.Context, r *models.LocationReading) (ingest.LocationResult, error)
}

// Roster loads the entities and devices to simulate.
type Roster interface {
	LoadEntityRoster(ctx context.Context) ([]models.Entity, error)
	LoadDeviceRoster(ctx context.Context) ([]models.Device, error)
}

// ErrInvalidInterval is returned by Start for a non-positive interval.
var ErrInvalidInterval = errors.New("generator interval must be positive")

// Status is a snapshot of the controller.
type Status struct {
	Running     bool          `json:"running"`
	EntityCount int           `json:"entityCount"`
	DeviceCount int           `json:"deviceCount"`
	Interval    time.Duration `json:"-"`
	IntervalMs  int64         `json:"intervalMs"`
	Ticks       uint64        `json:"ticks"`
}

// TickResult summarizes one tick.
type TickResult struct {
	Readings int `json:"readings"`
	Alerts   int `json:"alerts"`
	Failures int `json:"failures"`
}

// Controller owns the generator state: the running flag, the active timer and
// the roster snapshot. Start and Stop are serialized by a lifecycle mutex;
// Status only reads atomics and never waits on a running tick.
type Controller struct {
	ingestor Ingestor
	roster   Roster
	cfg      config.GeneratorConfig

	lifecycle sync.Mutex
	running   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	interval atomic.Int64
	entities atomic.Int64
	devices  atomic.Int64
	ticks    atomic.Uint64

	// tickMu keeps ticks (timer driven and GenerateOnce) from overlapping and
	// guards synth, whose rng is not safe for concurrent use.
	tickMu sync.Mutex
	synth  *synthesizer

	log zerolog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithRand replaces the random source.
func WithRand(r *rand.Rand) Option {
	return func(c *Controller) { c.synth.rng = r }
}

// WithHour replaces the clock used for time-of-day variance.
func WithHour(hour func() int) Option {
	return func(c *Controller) { c.synth.hour = hour }
}

// NewController creates a stopped controller.
func NewController(ingestor Ingestor, roster Roster, cfg config.GeneratorConfig, opts ...Option) *Controller {
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 30 * time.Second
	}
	c := &Controller{
		ingestor: ingestor,
		roster:   roster,
		cfg:      cfg,
		synth: &synthesizer{
			rng:  rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
			hour: func() int { return time.Now().Hour() },
		},
		log: logger.WithComponent("generator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start loads the roster and fires a tick every interval. It is a no-op when
// already running, so concurrent calls never create a second timer. The timer
// is not tied to ctx, which only bounds the roster load.
func (c *Controller) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errs.Validation("generator.start", ErrInvalidInterval)
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.running.Load() {
		return nil
	}

	devices, err := c.loadRoster(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.interval.Store(int64(interval))
	c.running.Store(true)
	metrics.GeneratorRunning.Set(1)

	go c.loop(runCtx, interval, devices, c.done)

	c.log.Info().
		Dur("interval", interval).
		Int("devices", len(devices)).
		Msg("generator started")
	return nil
}

// Stop cancels the timer and waits for an in-progress tick to finish. It is a
// no-op when not running.
func (c *Controller) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.running.Load() {
		return
	}

	c.cancel()
	<-c.done
	c.running.Store(false)
	c.cancel = nil
	metrics.GeneratorRunning.Set(0)

	c.log.Info().Uint64("ticks", c.ticks.Load()).Msg("generator stopped")
}

// Status returns the current state without blocking.
func (c *Controller) Status() Status {
	interval := time.Duration(c.interval.Load())
	return Status{
		Running:     c.running.Load(),
		EntityCount: int(c.entities.Load()),
		DeviceCount: int(c.devices.Load()),
		Interval:    interval,
		IntervalMs:  interval.Milliseconds(),
		Ticks:       c.ticks.Load(),
	}
}

// GenerateOnce reloads the roster and runs a single tick synchronously.
func (c *Controller) GenerateOnce(ctx context.Context) (TickResult, error) {
	devices, err := c.loadRoster(ctx)
	if err != nil {
		return TickResult{}, err
	}
	return c.tick(ctx, devices), nil
}

func (c *Controller) loop(ctx context.Context, interval time.Duration, devices []models.Device, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a tick that became due while Stop was cancelling never starts
			if ctx.Err() != nil {
				return
			}
			tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TickTimeout)
			c.tick(tickCtx, devices)
			cancel()
		}
	}
}

// tick produces one reading per simulated device. A failure for one entity is
// logged and does not affect the others.
func (c *Controller) tick(ctx context.Context, devices []models.Device) TickResult {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	var res TickResult
	for _, d := range devices {
		alerts, err := c.generate(ctx, d)
		res.Alerts += alerts
		if err != nil {
			res.Failures++
			c.log.Warn().Err(err).
				Str("entity_id", d.EntityID).
				Str("device_id", d.ID).
				Msg("synthetic reading failed")
			continue
		}
		res.Readings++
	}

	c.ticks.Add(1)
	metrics.GeneratorTicksTotal.Inc()
	c.log.Debug().
		Int("readings", res.Readings).
		Int("alerts", res.Alerts).
		Int("failures", res.Failures).
		Msg("generator tick")
	return res
}

func (c *Controller) generate(ctx context.Context, d models.Device) (alerts int, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("generator").Inc()
			err = fmt.Errorf("panic generating reading: %v", r)
		}
	}()

	ctx = ingest.WithSource(ctx, "generator")

	res, err := c.ingestor.IngestBiometric(ctx, c.synth.biometric(d))
	alerts = len(res.Alerts)
	if err != nil {
		return alerts, err
	}

	if c.cfg.IncludeLocation {
		loc, err := c.ingestor.IngestLocation(ctx, c.synth.location(d, c.cfg.BaseLatitude, c.cfg.BaseLongitude))
		alerts += len(loc.Alerts)
		if err != nil {
			return alerts, err
		}
	}
	return alerts, nil
}

// loadRoster returns one device per active entity, the lowest device id when
// an entity wears several.
func (c *Controller) loadRoster(ctx context.Context) ([]models.Device, error) {
	entities, err := c.roster.LoadEntityRoster(ctx)
	if err != nil {
		return nil, errs.Store("generator.roster", err)
	}
	devices, err := c.roster.LoadDeviceRoster(ctx)
	if err != nil {
		return nil, errs.Store("generator.roster", err)
	}

	active := make(map[string]bool, len(entities))
	for _, e := range entities {
		if e.Active {
			active[e.ID] = true
		}
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	seen := make(map[string]bool, len(devices))
	selected := make([]models.Device, 0, len(active))
	for _, d := range devices {
		if !active[d.EntityID] || seen[d.EntityID] {
			continue
		}
		seen[d.EntityID] = true
		selected = append(selected, d)
	}

	c.entities.Store(int64(len(active)))
	c.devices.Store(int64(len(devices)))
	return selected, nil
}
