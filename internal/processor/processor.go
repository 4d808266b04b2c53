package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"companion/internal/alerts"
	"companion/internal/config"
	"companion/internal/generator"
	"companion/internal/handlers"
	"companion/internal/hub"
	"companion/internal/ingest"
	"companion/internal/kafka"
	"companion/internal/logger"
	"companion/internal/metrics"
	"companion/internal/mqtt"
	"companion/internal/rules"
	"companion/internal/state"
	"companion/internal/storage"
	"companion/internal/worker"
)

// Processor is the high-level coordinator: it builds every component from the
// config, runs the listeners and background loops, and shuts them down in order.
type Processor struct {
	cfg *config.Config
	log zerolog.Logger

	store     storage.Store
	memory    *storage.Memory
	state     state.DeviceState
	producer  *kafka.Producer
	pool      *worker.Pool
	consumer  *kafka.Consumer
	mqtt      *mqtt.Subscriber
	hub       *hub.Hub
	rules     *rules.Accessor
	alerts    *alerts.Manager
	ingest    *ingest.Service
	generator *generator.Controller

	httpServer *http.Server
	listener   net.Listener
	ready      chan struct{}
	wg         sync.WaitGroup
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return &Processor{
		cfg:   cfg,
		log:   logger.WithComponent("processor"),
		ready: make(chan struct{}),
	}
}

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info().Msg("processor starting")

	if err := p.init(ctx); err != nil {
		p.closeBackends()
		return err
	}

	if p.pool != nil {
		p.pool.Start()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.hub.Run(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.log.Info().Str("addr", p.listener.Addr().String()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(p.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if p.consumer != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.consumer.Run(ctx); err != nil {
				p.log.Error().Err(err).Msg("telemetry consumer stopped")
			}
		}()
	}

	if p.mqtt != nil {
		if err := p.mqtt.Start(ctx); err != nil {
			// the broker may come up later; paho keeps retrying in the background
			p.log.Warn().Err(err).Msg("mqtt subscriber not connected")
		}
	}

	if p.cfg.Generator.AutoStart {
		if err := p.generator.Start(ctx, p.cfg.Generator.Interval); err != nil {
			p.log.Error().Err(err).Msg("failed to auto-start generator")
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	close(p.ready)

	<-ctx.Done()
	p.log.Info().Msg("shutdown signal received")

	return p.shutdown()
}

// Addr returns the bound HTTP address once Run has started serving.
func (p *Processor) Addr() string {
	<-p.ready
	return p.listener.Addr().String()
}

func (p *Processor) init(ctx context.Context) error {
	node := p.cfg.NodeID
	if node == "" {
		node, _ = os.Hostname()
		if node == "" {
			node = "unknown"
		}
	}

	if err := p.initStore(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := p.initState(ctx); err != nil {
		return fmt.Errorf("failed to initialize device state: %w", err)
	}
	if err := p.initProducer(); err != nil {
		return fmt.Errorf("failed to initialize producer: %w", err)
	}

	p.hub = hub.New(p.cfg.Hub)
	p.rules = rules.NewAccessor(p.store, p.cfg.Rules.RefreshInterval)

	var sink alerts.Sink
	if p.pool != nil {
		sink = p.pool
	}
	p.alerts = alerts.NewManager(p.store, p.hub, alerts.WithSink(sink, node))
	p.ingest = ingest.New(ingest.Deps{
		Store:     p.store,
		Rules:     p.rules,
		Alerts:    p.alerts,
		Publisher: p.hub,
		Sink:      sink,
		State:     p.state,
		NodeID:    node,
	})
	p.generator = generator.NewController(p.ingest, p.store, p.cfg.Generator)

	if err := p.initConsumers(); err != nil {
		return fmt.Errorf("failed to initialize telemetry consumers: %w", err)
	}
	if err := p.initHTTPServer(); err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}
	return nil
}

// initStore uses Postgres when a DSN is configured and the seeded in-memory
// store otherwise.
func (p *Processor) initStore(ctx context.Context) error {
	if p.cfg.Postgres.DSN == "" {
		p.memory = storage.NewMemory()
		p.memory.Seed(storage.DemoFixtures(p.cfg.Generator.BaseLatitude, p.cfg.Generator.BaseLongitude))
		p.store = p.memory
		p.log.Warn().Msg("no postgres DSN configured, using in-memory store with demo data")
		return nil
	}

	pg, err := storage.NewPostgres(ctx, p.cfg.Postgres)
	if err != nil {
		return err
	}
	p.store = pg

	if p.cfg.Postgres.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}
	if p.cfg.Postgres.SeedDemo {
		if err := pg.Seed(ctx, storage.DemoFixtures(p.cfg.Generator.BaseLatitude, p.cfg.Generator.BaseLongitude)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) initState(ctx context.Context) error {
	if p.cfg.Redis.Addr == "" {
		p.state = state.NewNoop()
		return nil
	}
	r, err := state.NewRedis(ctx, p.cfg.Redis)
	if err != nil {
		return err
	}
	p.state = r
	return nil
}

// initProducer initializes the Kafka producer and the worker pool feeding it.
// With no brokers configured the outbound stream is disabled.
func (p *Processor) initProducer() error {
	if len(p.cfg.Kafka.Brokers) == 0 {
		p.log.Info().Msg("no kafka brokers configured, outbound stream disabled")
		return nil
	}

	producer, err := kafka.NewProducer(p.cfg.Kafka.Brokers, p.cfg.Kafka.Topic, p.cfg.Kafka.Producer)
	if err != nil {
		return err
	}
	p.producer = producer

	p.pool = worker.NewPool(worker.Config{
		Publisher:    producer,
		QueueSize:    p.cfg.Worker.QueueSize,
		Workers:      p.cfg.Kafka.Producer.PoolSize,
		BatchSize:    p.cfg.Kafka.Producer.BatchSize,
		BatchTimeout: p.cfg.Kafka.Producer.BatchTimeout,
	})

	p.log.Info().
		Strs("brokers", p.cfg.Kafka.Brokers).
		Str("topic", p.cfg.Kafka.Topic).
		Int("workers", p.cfg.Kafka.Producer.PoolSize).
		Msg("kafka producer initialized")
	return nil
}

func (p *Processor) initConsumers() error {
	if len(p.cfg.Kafka.Brokers) > 0 && p.cfg.Kafka.TelemetryTopic != "" {
		c, err := kafka.NewConsumer(p.cfg.Kafka.Brokers, p.cfg.Kafka.TelemetryTopic, p.cfg.Kafka.ConsumerGroup, p.ingest)
		if err != nil {
			return err
		}
		p.consumer = c
	}
	if p.cfg.MQTT.Broker != "" {
		p.mqtt = mqtt.NewSubscriber(p.cfg.MQTT, p.ingest)
	}
	return nil
}

// initHTTPServer binds the listener so a bad address fails Run immediately.
func (p *Processor) initHTTPServer() error {
	api := handlers.New(handlers.Deps{
		Ingest:          p.ingest,
		Alerts:          p.alerts,
		Simulator:       p.generator,
		Hub:             p.hub,
		Health:          p.store.Ping,
		Stats:           func() any { return p.Stats() },
		DefaultInterval: p.cfg.Generator.Interval,
		MaxBodySize:     p.cfg.HTTP.MaxBodySize,
		WSWriteTimeout:  p.cfg.Hub.WriteTimeout,
	})

	ln, err := net.Listen("tcp", p.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	p.listener = ln

	p.httpServer = &http.Server{
		Handler:      api.Router(),
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  p.cfg.HTTP.IdleTimeout,
	}
	return nil
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	p.log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		p.log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop producing readings
	p.generator.Stop()
	if p.mqtt != nil {
		p.mqtt.Close()
	}

	// 3. Wait for the consumer, hub and stats loops, which exit on ctx
	p.wg.Wait()

	// 4. Drain the stream queue (with timeout)
	if p.pool != nil {
		done := make(chan struct{})
		go func() {
			p.pool.Stop()
			close(done)
		}()

		select {
		case <-done:
			p.log.Info().Msg("workers stopped gracefully")
		case <-time.After(15 * time.Second):
			p.log.Warn().Msg("worker shutdown timeout - forcing exit")
		}
	}

	// 5. Close backends
	p.closeBackends()

	p.log.Info().Msg("processor stopped gracefully")
	return nil
}

func (p *Processor) closeBackends() {
	if p.consumer != nil {
		if err := p.consumer.Close(); err != nil {
			p.log.Error().Err(err).Msg("consumer close error")
		}
	}
	if p.producer != nil {
		p.log.Info().Msg("closing kafka producer")
		if err := p.producer.Close(); err != nil {
			p.log.Error().Err(err).Msg("producer close error")
		}
	}
	if p.state != nil {
		if err := p.state.Close(); err != nil {
			p.log.Error().Err(err).Msg("device state close error")
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.log.Error().Err(err).Msg("store close error")
		}
	}
	if p.listener != nil && p.httpServer == nil {
		p.listener.Close()
	}
}

// Stats is the body of GET /stats.
type Stats struct {
	Hub       hub.Stats            `json:"hub"`
	Generator generator.Status     `json:"generator"`
	Worker    *worker.Stats        `json:"worker,omitempty"`
	Producer  *kafka.ProducerStats `json:"producer,omitempty"`
	Store     *StoreStats          `json:"store,omitempty"`
	RulesAge  float64              `json:"rules_age_seconds"`
}

// StoreStats counts rows held by the in-memory store.
type StoreStats struct {
	Biometrics int `json:"biometric_readings"`
	Locations  int `json:"location_readings"`
	Alerts     int `json:"alerts"`
}

// Stats returns a snapshot of every component.
func (p *Processor) Stats() Stats {
	s := Stats{
		Hub:       p.hub.Stats(),
		Generator: p.generator.Status(),
		RulesAge:  p.rules.Age().Seconds(),
	}
	if p.pool != nil {
		ws := p.pool.Stats()
		s.Worker = &ws
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		s.Producer = &ps
	}
	if p.memory != nil {
		b, l, a := p.memory.Counts()
		s.Store = &StoreStats{Biometrics: b, Locations: l, Alerts: a}
	}
	return s
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			metrics.RuleSnapshotAge.Set(s.RulesAge)

			ev := p.log.Info().
				Int("connections", s.Hub.Connections).
				Int("subscribed", s.Hub.Subscribed).
				Bool("generator_running", s.Generator.Running).
				Uint64("generator_ticks", s.Generator.Ticks)
			if s.Worker != nil {
				metrics.WorkerQueueSize.Set(float64(s.Worker.Queued))
				ev = ev.Uint64("worker_processed", s.Worker.Processed).
					Uint64("worker_failed", s.Worker.Failed).
					Uint64("worker_dropped", s.Worker.Dropped)
			}
			if s.Producer != nil {
				ev = ev.Uint64("producer_sent", s.Producer.RecordsSent).
					Uint64("producer_failed", s.Producer.RecordsFailed).
					Uint64("producer_bytes", s.Producer.BytesWritten)
			}
			ev.Msg("stats")
		}
	}
}
