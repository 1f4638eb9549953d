package usecase

import (
	"context"
	"fmt"
	"time"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	applogger "MarketPulse/pkg/logger"
)

const (
	BackendNone       = "none"
	BackendKafka      = "kafka"
	BackendClickHouse = "clickhouse"
)

// RecordProcessor routes flushed record batches to the configured backend
// and refreshes the snapshot store with every signal record.
type RecordProcessor struct {
	pub       drepo.Publisher
	store     drepo.Storage
	snapshots drepo.SnapshotStore
	metrics   drepo.Metrics
	backend   string
	l         *applogger.Logger
}

func NewRecordProcessor(
	pub drepo.Publisher,
	store drepo.Storage,
	snapshots drepo.SnapshotStore,
	metrics drepo.Metrics,
	backend string,
	l *applogger.Logger,
) *RecordProcessor {
	if l == nil {
		l = applogger.NewNop()
	}
	return &RecordProcessor{
		pub:       pub,
		store:     store,
		snapshots: snapshots,
		metrics:   metrics,
		backend:   backend,
		l:         l,
	}
}

// ProcessBatch writes records to the backend. Snapshot failures are logged
// and do not fail the batch, so a retried batch is never written twice
// because of the cache.
func (p *RecordProcessor) ProcessBatch(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	p.saveSnapshots(ctx, records)

	start := time.Now()
	var err error
	switch p.backend {
	case BackendKafka:
		err = p.pub.PublishBatch(ctx, records)
	case BackendClickHouse:
		err = p.store.StoreBatch(ctx, records)
	case BackendNone, "":
		return nil
	default:
		err = fmt.Errorf("unknown backend: %s", p.backend)
	}
	if err != nil {
		p.metrics.RecordError("process_batch")
		return fmt.Errorf("process batch: %w", err)
	}

	for _, r := range records {
		p.metrics.RecordMessageSent(p.backend, r.Symbol)
	}
	p.metrics.RecordLatency("process_batch", time.Since(start).Seconds())
	return nil
}

func (p *RecordProcessor) saveSnapshots(ctx context.Context, records []models.Record) {
	if p.snapshots == nil {
		return
	}
	for _, r := range records {
		if r.Kind != models.RecordSignal || r.Signal == nil {
			continue
		}
		if err := p.snapshots.SaveSignal(ctx, *r.Signal, r.Indicators); err != nil {
			p.metrics.RecordError("snapshot_save")
			p.l.Warn("save signal snapshot", applogger.String("symbol", r.Symbol), applogger.Error(err))
		}
	}
}
