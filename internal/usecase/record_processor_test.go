package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
)

type fakePublisher struct {
	batches [][]models.Record
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, r models.Record) error {
	return f.PublishBatch(ctx, []models.Record{r})
}

func (f *fakePublisher) PublishBatch(_ context.Context, records []models.Record) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, records)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeStorage struct {
	stored []models.Record
}

func (f *fakeStorage) Store(ctx context.Context, r models.Record) error {
	return f.StoreBatch(ctx, []models.Record{r})
}

func (f *fakeStorage) StoreBatch(_ context.Context, records []models.Record) error {
	f.stored = append(f.stored, records...)
	return nil
}

func (f *fakeStorage) Health(context.Context) error { return nil }
func (f *fakeStorage) Close() error                 { return nil }

type fakeSnapshots struct {
	saved map[string]models.Signal
	err   error
}

func (f *fakeSnapshots) SaveSignal(_ context.Context, s models.Signal, _ *models.IndicatorSet) error {
	if f.err != nil {
		return f.err
	}
	if f.saved == nil {
		f.saved = map[string]models.Signal{}
	}
	f.saved[s.Symbol] = s
	return nil
}

func (f *fakeSnapshots) LatestSignals(context.Context, []string) (map[string]models.Signal, error) {
	return f.saved, nil
}

func (f *fakeSnapshots) LatestIndicators(context.Context, string) (models.IndicatorSet, error) {
	return models.IndicatorSet{}, models.ErrNoData
}

func batch() []models.Record {
	ts := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	return []models.Record{
		models.QuoteRecord(models.NewQuote("AAPL", 182.3, 175.5, 0, ts, "yahoo")),
		models.SignalRecord(models.Signal{Symbol: "AAPL", Action: models.ActionBuy, GeneratedAt: ts}, nil),
	}
}

func TestRecordProcessor_Routes(t *testing.T) {
	pub, store, snaps := &fakePublisher{}, &fakeStorage{}, &fakeSnapshots{}

	kafka := NewRecordProcessor(pub, store, snaps, drepo.NopMetrics{}, BackendKafka, nil)
	require.NoError(t, kafka.ProcessBatch(context.Background(), batch()))
	assert.Len(t, pub.batches, 1)
	assert.Empty(t, store.stored)

	ch := NewRecordProcessor(pub, store, snaps, drepo.NopMetrics{}, BackendClickHouse, nil)
	require.NoError(t, ch.ProcessBatch(context.Background(), batch()))
	assert.Len(t, store.stored, 2)

	none := NewRecordProcessor(nil, nil, snaps, drepo.NopMetrics{}, BackendNone, nil)
	require.NoError(t, none.ProcessBatch(context.Background(), batch()))

	assert.Equal(t, models.ActionBuy, snaps.saved["AAPL"].Action)
}

func TestRecordProcessor_BackendErrorFailsBatch(t *testing.T) {
	boom := errors.New("broker down")
	p := NewRecordProcessor(&fakePublisher{err: boom}, nil, &fakeSnapshots{}, drepo.NopMetrics{}, BackendKafka, nil)
	assert.ErrorIs(t, p.ProcessBatch(context.Background(), batch()), boom)
}

func TestRecordProcessor_SnapshotErrorDoesNotFailBatch(t *testing.T) {
	pub := &fakePublisher{}
	p := NewRecordProcessor(pub, nil, &fakeSnapshots{err: errors.New("redis down")}, drepo.NopMetrics{}, BackendKafka, nil)
	require.NoError(t, p.ProcessBatch(context.Background(), batch()))
	assert.Len(t, pub.batches, 1)
}

func TestRecordProcessor_UnknownBackend(t *testing.T) {
	p := NewRecordProcessor(nil, nil, nil, drepo.NopMetrics{}, "s3", nil)
	assert.Error(t, p.ProcessBatch(context.Background(), batch()))
}
