package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"companion/internal/logger"
	"companion/internal/metrics"
	"companion/internal/models"
)

// Publisher defines the interface for publishing stream records
type Publisher interface {
	Publish(ctx context.Context, rec *models.StreamRecord) error
	PublishBatch(ctx context.Context, records []*models.StreamRecord) error
}

// Pool drains a bounded queue of stream records into batches for the publisher.
// The pipeline enqueues without blocking; a full queue drops the record.
type Pool struct {
	publisher    Publisher
	queue        chan *models.StreamRecord
	workers      int
	batchSize    int
	batchTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publisher    Publisher
	QueueSize    int
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())
	metrics.WorkerQueueCapacity.Set(float64(cfg.QueueSize))

	return &Pool{
		publisher:    cfg.Publisher,
		queue:        make(chan *models.StreamRecord, cfg.QueueSize),
		workers:      cfg.Workers,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Enqueue offers a record without blocking and reports whether it was accepted.
func (p *Pool) Enqueue(rec *models.StreamRecord) bool {
	select {
	case p.queue <- rec:
		metrics.WorkerQueueSize.Set(float64(len(p.queue)))
		return true
	default:
		p.dropped.Add(1)
		metrics.WorkerDroppedTotal.Inc()
		return false
	}
}

// Start begins processing records
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop flushes what is already batched and stops all workers
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().
		Uint64("processed", p.processed.Load()).
		Uint64("failed", p.failed.Load()).
		Uint64("dropped", p.dropped.Load()).
		Msg("worker pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	batch := make([]*models.StreamRecord, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.drain(&batch)
			if len(batch) > 0 {
				p.publishBatch(batch)
			}
			return

		case rec := <-p.queue:
			metrics.WorkerQueueSize.Set(float64(len(p.queue)))
			batch = append(batch, rec)

			if len(batch) >= p.batchSize {
				p.publishBatch(batch)
				batch = batch[:0]
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				p.publishBatch(batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

// drain moves whatever is still queued into batch without blocking.
func (p *Pool) drain(batch *[]*models.StreamRecord) {
	for {
		select {
		case rec := <-p.queue:
			*batch = append(*batch, rec)
		default:
			return
		}
	}
}

func (p *Pool) publishBatch(batch []*models.StreamRecord) {
	if len(batch) == 0 {
		return
	}

	log := logger.WithComponent("worker")
	start := time.Now()

	// p.ctx may already be cancelled during shutdown; the final flush still gets its window
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), 10*time.Second)
	defer cancel()

	err := p.publisher.PublishBatch(ctx, batch)
	duration := time.Since(start)
	metrics.WorkerBatchPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Dur("duration", duration).
			Msg("failed to publish batch")

		p.failed.Add(uint64(len(batch)))
		metrics.WorkerFailedTotal.Add(float64(len(batch)))

		p.publishIndividually(ctx, batch)
		return
	}

	log.Debug().
		Int("batch_size", len(batch)).
		Dur("duration", duration).
		Msg("batch published")

	p.processed.Add(uint64(len(batch)))
	metrics.WorkerProcessedTotal.Add(float64(len(batch)))
}

// publishIndividually retries a failed batch one record at a time
func (p *Pool) publishIndividually(ctx context.Context, batch []*models.StreamRecord) {
	log := logger.WithComponent("worker")

	for _, rec := range batch {
		if err := p.publisher.Publish(ctx, rec); err != nil {
			log.Error().
				Err(err).
				Str("kind", string(rec.Kind)).
				Str("entity_id", rec.EntityID()).
				Msg("failed to publish record individually")
			continue
		}
		p.failed.Add(^uint64(0)) // Subtract 1
		p.processed.Add(1)
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}
