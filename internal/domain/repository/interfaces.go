package repository

import (
	"context"

	"MarketPulse/internal/domain/models"
)

// MarketData is the market data source adapter.
// FetchQuote fails with models.ErrNotFound, ErrRateLimited, ErrTimeout or
// ErrUpstreamUnavailable.
type MarketData interface {
	FetchQuote(ctx context.Context, symbol string) (models.Quote, error)
	FetchBars(ctx context.Context, symbol string, lookback int) ([]models.Bar, error)
}

// BarSource provides read-only access to stored OHLCV history.
type BarSource interface {
	LatestBars(ctx context.Context, symbol string, n int, iv Interval) ([]models.Bar, error)
}

// TickStream is a streaming upstream of trade prints.
type TickStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan models.Tick, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// Publisher writes records to a message bus.
type Publisher interface {
	Publish(ctx context.Context, r models.Record) error
	PublishBatch(ctx context.Context, records []models.Record) error
	Close() error
}

// Storage appends records to a database.
type Storage interface {
	Store(ctx context.Context, r models.Record) error
	StoreBatch(ctx context.Context, records []models.Record) error
	Health(ctx context.Context) error
	Close() error
}

// SnapshotStore keeps the latest analysis per symbol for read APIs.
type SnapshotStore interface {
	SaveSignal(ctx context.Context, s models.Signal, ind *models.IndicatorSet) error
	LatestSignals(ctx context.Context, symbols []string) (map[string]models.Signal, error)
	LatestIndicators(ctx context.Context, symbol string) (models.IndicatorSet, error)
}

// RecordSink accepts append-only records without blocking the caller.
// It returns false when the record was dropped.
type RecordSink interface {
	Enqueue(r models.Record) bool
}

// EventPublisher fans events out to connected subscribers.
type EventPublisher interface {
	Publish(e models.Event) int
}

type Metrics interface {
	RecordMessageSent(backend, symbol string)
	RecordError(kind string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
	RecordCacheResult(result string)
	RecordEviction(reason string)
	RecordPublish(eventType string, subscribers int)
	SetSubscribers(n int)
	RecordSignal(symbol, action string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordMessageSent(string, string) {}
func (NopMetrics) RecordError(string) {}
func (NopMetrics) RecordLastPrice(string, float64) {}
func (NopMetrics) RecordLatency(string, float64) {}
func (NopMetrics) RecordCacheResult(string) {}
func (NopMetrics) RecordEviction(string) {}
func (NopMetrics) RecordPublish(string, int) {}
func (NopMetrics) SetSubscribers(int) {}
func (NopMetrics) RecordSignal(string, string) {}

// SentimentSource scores recent news for a symbol in [-1, 1]. ok is false
// when there is nothing to score.
type SentimentSource interface {
	Score(ctx context.Context, symbol string) (score float64, ok bool, err error)
}

// Advisor answers free-form trading questions.
type Advisor interface {
	Chat(ctx context.Context, message string, hints map[string]interface{}) (string, error)
}
