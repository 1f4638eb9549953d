package models

import (
	"fmt"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is an executed fill, either a paper fill or one reported by the
// external trading service.
type Trade struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Total     float64   `json:"total"`
	Fee       float64   `json:"fee"`
	Status    string    `json:"status"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func (t Trade) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("trade symbol empty")
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return fmt.Errorf("trade side %q invalid", t.Side)
	}
	if t.Quantity <= 0 || t.Price <= 0 {
		return fmt.Errorf("trade quantity and price must be positive")
	}
	return nil
}

// Position is a holding tracked by the trading session.
type Position struct {
	Symbol   string  `json:"symbol" yaml:"symbol"`
	Quantity float64 `json:"quantity" yaml:"quantity"`
	AvgPrice float64 `json:"avg_price" yaml:"avg_price"`
}

// PositionValue is a position marked to the latest known price.
type PositionValue struct {
	Position
	CurrentPrice float64 `json:"current_price"`
	MarketValue  float64 `json:"market_value"`
	PnL          float64 `json:"pnl"`
	PnLPercent   float64 `json:"pnl_percent"`
	Stale        bool    `json:"stale,omitempty"`
}

// PortfolioSnapshot is the data of a portfolio_update event.
type PortfolioSnapshot struct {
	Positions     []PositionValue `json:"positions"`
	TotalValue    float64         `json:"total_value"`
	TotalPnL      float64         `json:"total_pnl"`
	TradingActive bool            `json:"trading_active"`
}

type RecordKind string

const (
	RecordQuote  RecordKind = "quote"
	RecordSignal RecordKind = "signal"
	RecordTrade  RecordKind = "trade"
)

// Record is one append-only write handed to the persistence collaborator.
// Exactly one of the payload pointers is set, matching Kind.
type Record struct {
	Kind       RecordKind
	Symbol     string
	Timestamp  time.Time
	Quote      *Quote
	Signal     *Signal
	Trade      *Trade
	Indicators *IndicatorSet
}

func QuoteRecord(q Quote) Record {
	return Record{Kind: RecordQuote, Symbol: q.Symbol, Timestamp: q.Timestamp, Quote: &q}
}

// SignalRecord carries the indicator set that produced the signal, if any.
func SignalRecord(s Signal, ind *IndicatorSet) Record {
	return Record{Kind: RecordSignal, Symbol: s.Symbol, Timestamp: s.GeneratedAt, Signal: &s, Indicators: ind}
}

func TradeRecord(t Trade) Record {
	return Record{Kind: RecordTrade, Symbol: t.Symbol, Timestamp: t.Timestamp, Trade: &t}
}

// Payload returns the value that is serialized for the record.
func (r Record) Payload() any {
	switch {
	case r.Kind == RecordQuote && r.Quote != nil:
		return r.Quote
	case r.Kind == RecordSignal && r.Signal != nil:
		return r.Signal
	case r.Kind == RecordTrade && r.Trade != nil:
		return r.Trade
	}
	return nil
}

func (r Record) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("record symbol empty")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record timestamp missing")
	}
	if r.Payload() == nil {
		return fmt.Errorf("record %q has no payload", r.Kind)
	}
	return nil
}
