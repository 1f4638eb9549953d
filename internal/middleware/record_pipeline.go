package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"MarketPulse/internal/domain/models"
	domrepo "MarketPulse/internal/domain/repository"
	applogger "MarketPulse/pkg/logger"
)

// BatchProcessor is the downstream the pipeline flushes into.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, records []models.Record) error
}

// RecordPipeline sits between the hot path and persistence. Enqueue never
// blocks; a background worker batches records and flushes them with retry.
// When the buffer is full the record is dropped and counted.
type RecordPipeline struct {
	proc    BatchProcessor
	metrics domrepo.Metrics
	l       *applogger.Logger

	bufSize      int
	batchSize    int
	batchTimeout time.Duration
	retryMax     time.Duration

	mu      sync.RWMutex
	bufCh   chan models.Record
	started bool
	closed  bool
	done    chan struct{}
}

type PipelineOption func(*RecordPipeline)

// WithBufferSize sets how many records may wait for the worker.
func WithBufferSize(n int) PipelineOption {
	return func(p *RecordPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

func WithBatch(size int, timeout time.Duration) PipelineOption {
	return func(p *RecordPipeline) {
		if size > 0 {
			p.batchSize = size
		}
		if timeout > 0 {
			p.batchTimeout = timeout
		}
	}
}

// WithRetryWindow bounds how long one batch is retried before it is dropped.
func WithRetryWindow(d time.Duration) PipelineOption {
	return func(p *RecordPipeline) { p.retryMax = d }
}

func WithPipelineLogger(l *applogger.Logger) PipelineOption {
	return func(p *RecordPipeline) { p.l = l }
}

func NewRecordPipeline(proc BatchProcessor, metrics domrepo.Metrics, opts ...PipelineOption) *RecordPipeline {
	p := &RecordPipeline{
		proc:         proc,
		metrics:      metrics,
		l:            applogger.NewNop(),
		bufSize:      1000,
		batchSize:    100,
		batchTimeout: time.Second,
		retryMax:     10 * time.Second,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan models.Record, p.bufSize)
	return p
}

// Start launches the background worker.
func (p *RecordPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Enqueue validates r and hands it to the worker. It reports false when the
// record was rejected or dropped.
func (p *RecordPipeline) Enqueue(r models.Record) bool {
	if err := r.Validate(); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.bufCh <- r:
		return true
	default:
		p.metrics.RecordError("pipeline_buffer_full")
		return false
	}
}

// Stop stops accepting records and waits for the worker to flush what is
// buffered, bounded by ctx.
func (p *RecordPipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	close(p.bufCh)
	p.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush record pipeline: %w", ctx.Err())
	}
}

// Depth is the number of buffered records.
func (p *RecordPipeline) Depth() int {
	return len(p.bufCh)
}

func (p *RecordPipeline) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.batchTimeout)
	defer ticker.Stop()

	batch := make([]models.Record, 0, p.batchSize)
	for {
		select {
		case r, ok := <-p.bufCh:
			if !ok {
				// buffered records still go out on shutdown
				p.flush(context.WithoutCancel(ctx), batch)
				return
			}
			batch = append(batch, r)
			if len(batch) >= p.batchSize {
				p.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *RecordPipeline) flush(ctx context.Context, batch []models.Record) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = p.retryMax

	attempt := 0
	op := func() error {
		attempt++
		err := p.proc.ProcessBatch(ctx, batch)
		if err != nil {
			p.metrics.RecordError("pipeline_flush")
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		p.metrics.RecordError("pipeline_batch_drop")
		p.l.Error("dropping record batch",
			applogger.Int("records", len(batch)),
			applogger.Int("attempts", attempt),
			applogger.Error(err),
		)
		return
	}
	p.metrics.RecordLatency("pipeline_flush", time.Since(start).Seconds())
}
