package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a point-in-time price snapshot for one symbol.
// Quotes are replaced wholesale; build them with NewQuote.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Volume        float64   `json:"volume"`
	PreviousClose float64   `json:"previous_close"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`

	// Set by the price cache on read.
	CacheAge float64 `json:"cache_age_seconds"`
	Stale    bool    `json:"stale,omitempty"`
}

// NewQuote derives change and change percent from the previous close.
// Both are rounded to two decimals.
func NewQuote(symbol string, price, previousClose, volume float64, ts time.Time, source string) Quote {
	p := decimal.NewFromFloat(price)
	prev := decimal.NewFromFloat(previousClose)

	change := p.Sub(prev)
	pct := decimal.Zero
	if !prev.IsZero() {
		pct = change.Div(prev).Mul(decimal.NewFromInt(100))
	}

	return Quote{
		Symbol:        symbol,
		Price:         price,
		Change:        change.Round(2).InexactFloat64(),
		ChangePercent: pct.Round(2).InexactFloat64(),
		Volume:        volume,
		PreviousClose: previousClose,
		Timestamp:     ts,
		Source:        source,
	}
}

// Bar is one OHLCV interval.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Closes extracts close prices in order.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Volumes extracts volumes in order.
func Volumes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

// Tick is a single trade print from a streaming upstream.
type Tick struct {
	Symbol string
	Price  float64
	Volume float64
	Time   time.Time
}
