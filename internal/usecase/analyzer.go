package usecase

import (
	"context"
	"fmt"
	"time"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	"MarketPulse/internal/services/features"
	"MarketPulse/internal/services/indicators"
	"MarketPulse/internal/services/signals"
	applogger "MarketPulse/pkg/logger"
)

// QuoteGetter returns a fresh or cached quote.
type QuoteGetter interface {
	Get(ctx context.Context, symbol string) (models.Quote, error)
}

// BarFetcher loads the indicator window for a symbol, oldest bar first.
type BarFetcher interface {
	FetchBars(ctx context.Context, symbol string, lookback int) ([]models.Bar, error)
}

type barSource struct {
	src drepo.BarSource
	iv  drepo.Interval
}

// FromBarSource reads the indicator window from stored bars of one interval.
func FromBarSource(src drepo.BarSource, iv drepo.Interval) BarFetcher {
	return barSource{src: src, iv: iv}
}

func (b barSource) FetchBars(ctx context.Context, symbol string, lookback int) ([]models.Bar, error) {
	return b.src.LatestBars(ctx, symbol, lookback, b.iv)
}

// Analyzer runs the quote → indicators → sentiment → decision chain for a
// single symbol. The signal cycle and the on-demand API share it.
type Analyzer struct {
	quotes    QuoteGetter
	bars      BarFetcher
	sentiment drepo.SentimentSource
	engine    *signals.Engine
	cfg       indicators.Config
	lookback  int
	metrics   drepo.Metrics
	l         *applogger.Logger
}

type AnalyzerOption func(*Analyzer)

// WithSentiment adds the news sentiment factor. Without it signals are
// decided on technicals alone.
func WithSentiment(s drepo.SentimentSource) AnalyzerOption {
	return func(a *Analyzer) { a.sentiment = s }
}

func WithLookback(n int) AnalyzerOption {
	return func(a *Analyzer) {
		if n > 0 {
			a.lookback = n
		}
	}
}

func WithAnalyzerMetrics(m drepo.Metrics) AnalyzerOption {
	return func(a *Analyzer) { a.metrics = m }
}

func WithAnalyzerLogger(l *applogger.Logger) AnalyzerOption {
	return func(a *Analyzer) { a.l = l }
}

func NewAnalyzer(quotes QuoteGetter, bars BarFetcher, engine *signals.Engine, cfg indicators.Config, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		quotes:   quotes,
		bars:     bars,
		engine:   engine,
		cfg:      cfg,
		lookback: 120,
		metrics:  drepo.NopMetrics{},
		l:        applogger.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if need := cfg.Required(); a.lookback < need {
		a.lookback = need
	}
	return a
}

// Analyze returns the full analysis for symbol. With too little history it
// returns the quote alone together with models.ErrInsufficientHistory.
func (a *Analyzer) Analyze(ctx context.Context, symbol string) (models.Analysis, error) {
	start := time.Now()
	defer func() { a.metrics.RecordLatency("analyze", time.Since(start).Seconds()) }()

	q, err := a.quotes.Get(ctx, symbol)
	if err != nil {
		return models.Analysis{}, err
	}
	out := models.Analysis{Quote: q}

	bars, err := a.bars.FetchBars(ctx, symbol, a.lookback)
	if err != nil {
		return out, fmt.Errorf("bars %s: %w", symbol, err)
	}
	ind, err := indicators.Compute(symbol, bars, a.cfg)
	if err != nil {
		return out, err
	}
	out.Indicators = &ind

	if a.sentiment != nil {
		score, ok, err := a.sentiment.Score(ctx, symbol)
		switch {
		case err != nil:
			a.metrics.RecordError("sentiment")
			a.l.Warn("sentiment unavailable", applogger.String("symbol", symbol), applogger.Error(err))
		case ok:
			out.Sentiment = &score
		}
	}

	sig, err := a.engine.Decide(q, out.Indicators, out.Sentiment)
	if err != nil {
		return out, err
	}
	out.Signal = &sig
	a.metrics.RecordSignal(symbol, string(sig.Action))
	return out, nil
}

// Bars returns the most recent lookback bars for symbol.
func (a *Analyzer) Bars(ctx context.Context, symbol string, lookback int) ([]models.Bar, error) {
	if lookback <= 0 {
		lookback = a.lookback
	}
	bars, err := a.bars.FetchBars(ctx, symbol, lookback)
	if err != nil {
		return nil, fmt.Errorf("bars %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("bars %s: %w", symbol, models.ErrNoData)
	}
	return bars, nil
}

// Risk computes the risk metrics of symbol over the indicator window.
func (a *Analyzer) Risk(ctx context.Context, symbol string) (models.RiskAnalysis, error) {
	bars, err := a.Bars(ctx, symbol, a.lookback)
	if err != nil {
		return models.RiskAnalysis{}, err
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	out, err := features.Risk(symbol, closes, a.cfg.AnnualizationFactor)
	if err != nil {
		return models.RiskAnalysis{}, fmt.Errorf("risk %s: %w", symbol, err)
	}
	out.ComputedAt = bars[len(bars)-1].Time
	return out, nil
}
