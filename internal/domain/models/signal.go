package models

import "time"

type Trend string

const (
	TrendUp       Trend = "uptrend"
	TrendDown     Trend = "downtrend"
	TrendSideways Trend = "sideways"
)

// Bollinger holds the band values around the middle SMA.
type Bollinger struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// IndicatorSet is the result of one indicator computation over a bar window.
type IndicatorSet struct {
	Symbol        string    `json:"symbol"`
	RSI           float64   `json:"rsi"`
	MACD          float64   `json:"macd"`
	MACDSignal    float64   `json:"macd_signal"`
	MACDHistogram float64   `json:"macd_histogram"`
	SMA20         float64   `json:"sma20"`
	SMA50         float64   `json:"sma50"`
	Bollinger     Bollinger `json:"bollinger"`
	VolumeAvg     float64   `json:"volume_avg"`
	VolumeSpike   bool      `json:"volume_spike"`
	Volatility    float64   `json:"volatility"` // annualized, percent
	Trend         Trend     `json:"trend"`
	Bars          int       `json:"bars"`
	ComputedAt    time.Time `json:"computed_at"`
}

type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Signal is one recommendation produced by the decision engine.
type Signal struct {
	Symbol            string    `json:"symbol"`
	Action            Action    `json:"action"`
	Confidence        float64   `json:"confidence"`
	Reasoning         []string  `json:"reasoning"`
	BuyScore          int       `json:"buy_score"`
	SellScore         int       `json:"sell_score"`
	Price             float64   `json:"price"`
	SuggestedQuantity int64     `json:"suggested_quantity"`
	RiskLevel         string    `json:"risk_level"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// Analysis bundles everything computed for one symbol in a signal cycle.
type Analysis struct {
	Quote      Quote         `json:"quote"`
	Indicators *IndicatorSet `json:"indicators,omitempty"`
	Sentiment  *float64      `json:"sentiment,omitempty"`
	Signal     *Signal       `json:"signal,omitempty"`
}

type RiskRating string

const (
	RiskRatingLow      RiskRating = "low"
	RiskRatingMedium   RiskRating = "medium"
	RiskRatingHigh     RiskRating = "high"
	RiskRatingVeryHigh RiskRating = "very_high"
)

// RiskAnalysis summarizes the return distribution of a symbol's bar window.
// Percent fields are rounded to 2 decimals.
type RiskAnalysis struct {
	Symbol      string     `json:"symbol"`
	VaR95       float64    `json:"var_95"`
	MaxDrawdown float64    `json:"max_drawdown"`
	Volatility  float64    `json:"volatility"`
	SharpeRatio float64    `json:"sharpe_ratio"`
	RiskRating  RiskRating `json:"risk_rating"`
	Bars        int        `json:"bars"`
	ComputedAt  time.Time  `json:"computed_at"`
}
