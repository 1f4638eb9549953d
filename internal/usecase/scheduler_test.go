package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	"MarketPulse/internal/session"
)

func countTypes(events []models.EventType) map[models.EventType]int {
	out := map[models.EventType]int{}
	for _, e := range events {
		out[e]++
	}
	return out
}

func newScheduler(cfg ScheduleConfig) (*Scheduler, *fakeQuotes, *eventLog, *recordLog) {
	now := time.Now()
	quotes := &fakeQuotes{
		quotes: map[string]models.Quote{
			"AAPL": models.NewQuote("AAPL", 160, 158, 1000, now, "test"),
			"TSLA": models.NewQuote("TSLA", 200, 190, 1000, now, "test"),
		},
		errs: map[string]error{"MSFT": models.ErrUpstreamUnavailable},
	}
	bars := fakeBars{"AAPL": risingBars(60), "TSLA": risingBars(10)}
	events, records := &eventLog{}, &recordLog{}
	sess := session.New(true, []models.Position{{Symbol: "AAPL", Quantity: 2, AvgPrice: 150}})

	s := NewScheduler(
		[]string{"AAPL", "MSFT", "TSLA"},
		cfg,
		quotes,
		quotes,
		newAnalyzer(quotes, bars),
		sess,
		events,
		records,
		drepo.NopMetrics{},
		nil,
	)
	return s, quotes, events, records
}

func TestScheduler_PriceCycleSkipsFailingSymbol(t *testing.T) {
	s, _, events, records := newScheduler(ScheduleConfig{MaxConcurrency: 2})

	s.RunPriceCycle(context.Background())

	types := events.Types()
	got := countTypes(types)
	assert.Equal(t, 2, got[models.EventPriceUpdate])
	assert.Equal(t, 1, got[models.EventPortfolioUpdate])
	assert.Equal(t, models.EventPortfolioUpdate, types[len(types)-1])

	recs := records.Records()
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, models.RecordQuote, r.Kind)
		assert.NotEqual(t, "MSFT", r.Symbol)
	}

	events.mu.Lock()
	snap, ok := events.events[len(events.events)-1].Data.(models.PortfolioSnapshot)
	events.mu.Unlock()
	require.True(t, ok)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, 160.0, snap.Positions[0].CurrentPrice)
}

// hangingQuotes never answers for one symbol until the caller gives up.
type hangingQuotes struct {
	*fakeQuotes
	symbol string
}

func (h hangingQuotes) Get(ctx context.Context, symbol string) (models.Quote, error) {
	if symbol == h.symbol {
		<-ctx.Done()
		return models.Quote{}, ctx.Err()
	}
	return h.fakeQuotes.Get(ctx, symbol)
}

func TestScheduler_SlowSymbolIsAbandoned(t *testing.T) {
	quotes := &fakeQuotes{quotes: map[string]models.Quote{
		"AAPL": models.NewQuote("AAPL", 160, 158, 1000, time.Now(), "test"),
		"TSLA": models.NewQuote("TSLA", 200, 190, 1000, time.Now(), "test"),
	}}
	events, records := &eventLog{}, &recordLog{}
	s := NewScheduler(
		[]string{"AAPL", "MSFT", "TSLA"},
		ScheduleConfig{SymbolTimeout: 20 * time.Millisecond},
		hangingQuotes{fakeQuotes: quotes, symbol: "MSFT"},
		quotes,
		newAnalyzer(quotes, fakeBars{}),
		session.New(true, nil),
		events,
		records,
		drepo.NopMetrics{},
		nil,
	)

	start := time.Now()
	s.RunPriceCycle(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	got := countTypes(events.Types())
	assert.Equal(t, 2, got[models.EventPriceUpdate])
	assert.Equal(t, 1, got[models.EventPortfolioUpdate])

	events.mu.Lock()
	for _, e := range events.events {
		assert.NotEqual(t, "MSFT", e.Symbol())
	}
	events.mu.Unlock()
	assert.Len(t, records.Records(), 2)
}

func TestScheduler_StaleQuoteIsPublishedNotRecorded(t *testing.T) {
	s, quotes, events, records := newScheduler(ScheduleConfig{})
	q := quotes.quotes["TSLA"]
	q.Stale = true
	quotes.quotes["TSLA"] = q

	s.RunPriceCycle(context.Background())

	assert.Equal(t, 2, countTypes(events.Types())[models.EventPriceUpdate])
	recs := records.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "AAPL", recs[0].Symbol)
}

func TestScheduler_SignalCycle(t *testing.T) {
	s, _, events, records := newScheduler(ScheduleConfig{})

	s.RunSignalCycle(context.Background())

	// TSLA lacks history and MSFT has no quote
	assert.Equal(t, []models.EventType{models.EventSignalsUpdate}, events.Types())
	recs := records.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, models.RecordSignal, recs[0].Kind)
	assert.Equal(t, "AAPL", recs[0].Symbol)
}

func TestScheduler_StartRunsOnceAndStops(t *testing.T) {
	s, _, events, _ := newScheduler(ScheduleConfig{PriceInterval: time.Hour, SignalInterval: time.Hour})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		got := countTypes(events.Types())
		return got[models.EventPortfolioUpdate] == 1 && got[models.EventSignalsUpdate] == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}
