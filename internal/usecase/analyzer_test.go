package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	"MarketPulse/internal/services/indicators"
	"MarketPulse/internal/services/signals"
)

type fakeQuotes struct {
	mu     sync.Mutex
	quotes map[string]models.Quote
	errs   map[string]error
}

func (f *fakeQuotes) Get(_ context.Context, symbol string) (models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[symbol]; err != nil {
		return models.Quote{}, err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return models.Quote{}, models.ErrNoData
	}
	return q, nil
}

func (f *fakeQuotes) Peek(symbol string) (models.Quote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[symbol]
	return q, ok
}

type fakeBars map[string][]models.Bar

func (f fakeBars) FetchBars(_ context.Context, symbol string, lookback int) ([]models.Bar, error) {
	bars := f[symbol]
	if len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	return bars, nil
}

type fixedSentiment struct {
	score float64
	ok    bool
	err   error
}

func (f fixedSentiment) Score(context.Context, string) (float64, bool, error) {
	return f.score, f.ok, f.err
}

func risingBars(n int) []models.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Bar, n)
	for i := range out {
		c := 100 + float64(i)
		out[i] = models.Bar{Time: start.AddDate(0, 0, i), Open: c - 0.5, High: c + 1, Low: c - 1, Close: c, Volume: 1000}
	}
	return out
}

func newAnalyzer(quotes QuoteGetter, bars BarFetcher, opts ...AnalyzerOption) *Analyzer {
	return NewAnalyzer(quotes, bars, signals.New(signals.DefaultConfig()), indicators.DefaultConfig(), opts...)
}

func TestAnalyzer_AnalyzeWithSentiment(t *testing.T) {
	quotes := &fakeQuotes{quotes: map[string]models.Quote{
		"AAPL": models.NewQuote("AAPL", 160, 158, 1000, time.Now(), "test"),
	}}
	a := newAnalyzer(quotes, fakeBars{"AAPL": risingBars(80)}, WithSentiment(fixedSentiment{score: 0.5, ok: true}))

	got, err := a.Analyze(context.Background(), "AAPL")
	require.NoError(t, err)
	require.NotNil(t, got.Indicators)
	require.NotNil(t, got.Signal)
	require.NotNil(t, got.Sentiment)
	assert.Equal(t, 0.5, *got.Sentiment)
	assert.Equal(t, 80, got.Indicators.Bars)
	assert.Contains(t, got.Signal.Reasoning, signals.TagPositiveSentiment)
	assert.Contains(t, got.Signal.Reasoning, signals.TagRSIOverbought)
}

func TestAnalyzer_SentimentFailureIsIgnored(t *testing.T) {
	quotes := &fakeQuotes{quotes: map[string]models.Quote{
		"AAPL": models.NewQuote("AAPL", 160, 158, 1000, time.Now(), "test"),
	}}
	a := newAnalyzer(quotes, fakeBars{"AAPL": risingBars(60)}, WithSentiment(fixedSentiment{err: errors.New("news down")}))

	got, err := a.Analyze(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Nil(t, got.Sentiment)
	assert.NotContains(t, got.Signal.Reasoning, signals.TagPositiveSentiment)
}

func TestAnalyzer_InsufficientHistory(t *testing.T) {
	q := models.NewQuote("TSLA", 200, 190, 1000, time.Now(), "test")
	a := newAnalyzer(&fakeQuotes{quotes: map[string]models.Quote{"TSLA": q}}, fakeBars{"TSLA": risingBars(10)})

	got, err := a.Analyze(context.Background(), "TSLA")
	assert.ErrorIs(t, err, models.ErrInsufficientHistory)
	assert.Equal(t, q, got.Quote)
	assert.Nil(t, got.Indicators)
	assert.Nil(t, got.Signal)
}

type stubBarSource struct {
	gotN  int
	gotIV drepo.Interval
}

func (s *stubBarSource) LatestBars(_ context.Context, _ string, n int, iv drepo.Interval) ([]models.Bar, error) {
	s.gotN, s.gotIV = n, iv
	return risingBars(n), nil
}

func TestAnalyzer_BarsFromStoredSource(t *testing.T) {
	src := &stubBarSource{}
	a := newAnalyzer(&fakeQuotes{}, FromBarSource(src, drepo.Interval1h))

	bars, err := a.Bars(context.Background(), "AAPL", 0)
	require.NoError(t, err)
	assert.Len(t, bars, 120)
	assert.Equal(t, 120, src.gotN)
	assert.Equal(t, drepo.Interval1h, src.gotIV)

	_, err = newAnalyzer(&fakeQuotes{}, fakeBars{}).Bars(context.Background(), "NONE", 5)
	assert.ErrorIs(t, err, models.ErrNoData)
}

func TestAnalyzer_RiskOverIndicatorWindow(t *testing.T) {
	bars := risingBars(60)
	a := newAnalyzer(&fakeQuotes{}, fakeBars{"AAPL": bars, "TSLA": risingBars(2)})

	r, err := a.Risk(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", r.Symbol)
	assert.Equal(t, 60, r.Bars)
	assert.Equal(t, bars[59].Time, r.ComputedAt)
	assert.NotEmpty(t, r.RiskRating)

	_, err = a.Risk(context.Background(), "TSLA")
	assert.ErrorIs(t, err, models.ErrInsufficientHistory)

	_, err = a.Risk(context.Background(), "MSFT")
	assert.ErrorIs(t, err, models.ErrNoData)
}
