package signals

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"MarketPulse/internal/domain/models"
)

const (
	TagRSIOversold       = "RSI oversold"
	TagRSIOverbought     = "RSI overbought"
	TagMACDBullish       = "MACD bullish"
	TagMACDBearish       = "MACD bearish"
	TagMomentumUp        = "Strong upward momentum"
	TagMomentumDown      = "Strong downward momentum"
	TagUptrend           = "Uptrend alignment"
	TagDowntrend         = "Downtrend alignment"
	TagPositiveSentiment = "Positive news sentiment"
	TagNegativeSentiment = "Negative news sentiment"
	TagVolumeSpike       = "Volume spike"
)

// Weights is the confidence contributed by each matched factor.
type Weights struct {
	RSI       float64
	MACD      float64
	Momentum  float64
	Trend     float64
	Sentiment float64
	Volume    float64
}

type Config struct {
	RSIOversold        float64
	RSIOverbought      float64
	MomentumPercent    float64
	SentimentThreshold float64
	MinConfidence      float64
	HighVolatility     float64
	MediumVolatility   float64
	HighVolScale       float64
	MediumVolScale     float64
	LowRiskConfidence  float64
	PositionSize       float64
	Weights            Weights
}

func DefaultConfig() Config {
	return Config{
		RSIOversold:        30,
		RSIOverbought:      70,
		MomentumPercent:    2,
		SentimentThreshold: 0.1,
		MinConfidence:      0.5,
		HighVolatility:     40,
		MediumVolatility:   25,
		HighVolScale:       0.7,
		MediumVolScale:     0.85,
		LowRiskConfidence:  0.8,
		PositionSize:       1000,
		Weights: Weights{
			RSI:       0.30,
			MACD:      0.20,
			Momentum:  0.15,
			Trend:     0.20,
			Sentiment: 0.15,
			Volume:    0.15,
		},
	}
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine turns a quote and its indicators into a buy/sell/hold signal.
// It holds no state besides its configuration and is safe for concurrent use.
type Engine struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type tally struct {
	buy, sell  int
	confidence float64
	reasons    []string
}

func (t *tally) add(tag string, buy, sell int, weight float64) {
	t.buy += buy
	t.sell += sell
	t.confidence += weight
	t.reasons = append(t.reasons, tag)
}

// Decide scores every factor, derives confidence and picks an action.
// A nil sentiment means the factor is skipped; nil indicators are an error.
func (e *Engine) Decide(q models.Quote, ind *models.IndicatorSet, sentiment *float64) (models.Signal, error) {
	if ind == nil {
		return models.Signal{}, fmt.Errorf("decide %s: %w", q.Symbol, models.ErrInsufficientHistory)
	}
	c := e.cfg
	w := c.Weights
	t := tally{reasons: []string{}}

	switch {
	case ind.RSI < c.RSIOversold:
		t.add(TagRSIOversold, 2, 0, w.RSI)
	case ind.RSI > c.RSIOverbought:
		t.add(TagRSIOverbought, 0, 2, w.RSI)
	}

	if ind.MACD > ind.MACDSignal {
		t.add(TagMACDBullish, 1, 0, w.MACD)
	} else {
		t.add(TagMACDBearish, 0, 1, w.MACD)
	}

	switch {
	case q.ChangePercent > c.MomentumPercent:
		t.add(TagMomentumUp, 1, 0, w.Momentum)
	case q.ChangePercent < -c.MomentumPercent:
		t.add(TagMomentumDown, 0, 1, w.Momentum)
	}

	switch {
	case q.Price > ind.SMA20 && ind.SMA20 > ind.SMA50:
		t.add(TagUptrend, 1, 0, w.Trend)
	case q.Price < ind.SMA20 && ind.SMA20 < ind.SMA50:
		t.add(TagDowntrend, 0, 1, w.Trend)
	}

	if sentiment != nil {
		switch s := *sentiment; {
		case s > c.SentimentThreshold:
			t.add(TagPositiveSentiment, 1, 0, w.Sentiment)
		case s < -c.SentimentThreshold:
			t.add(TagNegativeSentiment, 0, 1, w.Sentiment)
		}
	}

	if ind.VolumeSpike {
		t.add(TagVolumeSpike, 0, 0, w.Volume)
	}

	confidence := e.confidence(t.confidence, ind.Volatility)

	action := models.ActionHold
	switch {
	case t.buy > t.sell && confidence >= c.MinConfidence:
		action = models.ActionBuy
	case t.sell > t.buy && confidence >= c.MinConfidence:
		action = models.ActionSell
	}

	risk := "low"
	if action != models.ActionHold && confidence <= c.LowRiskConfidence {
		risk = "medium"
	}

	return models.Signal{
		Symbol:            q.Symbol,
		Action:            action,
		Confidence:        confidence,
		Reasoning:         t.reasons,
		BuyScore:          t.buy,
		SellScore:         t.sell,
		Price:             q.Price,
		SuggestedQuantity: e.quantity(action, q.Price, confidence),
		RiskLevel:         risk,
		GeneratedAt:       e.now().UTC(),
	}, nil
}

func (e *Engine) confidence(sum, volatility float64) float64 {
	c := math.Min(math.Max(sum, 0), 1)
	switch {
	case volatility > e.cfg.HighVolatility:
		c *= e.cfg.HighVolScale
	case volatility > e.cfg.MediumVolatility:
		c *= e.cfg.MediumVolScale
	}
	return decimal.NewFromFloat(c).Round(3).InexactFloat64()
}

func (e *Engine) quantity(action models.Action, price, confidence float64) int64 {
	if action == models.ActionHold || price <= 0 {
		return 0
	}
	// whole shares first, then scaled and truncated again
	base := math.Floor(e.cfg.PositionSize / price)
	return int64(math.Floor(base * confidence))
}
