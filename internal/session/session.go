package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"MarketPulse/internal/domain/models"
)

// PriceLookup returns the last known quote without fetching.
type PriceLookup interface {
	Peek(symbol string) (models.Quote, bool)
}

// Session is the process-wide trading state: the trading-active flag, the
// open positions and the most recent fills. It is safe for concurrent use.
type Session struct {
	mu        sync.RWMutex
	active    bool
	positions map[string]models.Position

	history    []models.Trade
	historyMax int
}

type Option func(*Session)

// WithHistoryLimit caps how many applied trades are kept.
func WithHistoryLimit(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.historyMax = n
		}
	}
}

func New(active bool, seed []models.Position, opts ...Option) *Session {
	s := &Session{
		active:     active,
		positions:  make(map[string]models.Position, len(seed)),
		historyMax: 500,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, p := range seed {
		p.Symbol = strings.ToUpper(p.Symbol)
		if p.Symbol == "" || p.Quantity <= 0 {
			continue
		}
		s.positions[p.Symbol] = p
	}
	return s
}

func (s *Session) TradingActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Session) SetTradingActive(v bool) {
	s.mu.Lock()
	s.active = v
	s.mu.Unlock()
}

// Toggle flips the trading flag and returns the new value.
func (s *Session) Toggle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = !s.active
	return s.active
}

// Positions returns a copy ordered by symbol.
func (s *Session) Positions() []models.Position {
	s.mu.RLock()
	out := make([]models.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position returns the open position for symbol.
func (s *Session) Position(symbol string) (models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[strings.ToUpper(symbol)]
	return p, ok
}

// Trades returns up to limit applied trades, newest first. A non-positive
// limit returns all of them.
func (s *Session) Trades(limit int) []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Trade, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// ApplyTrade updates the position for t.Symbol. Buys average into the
// position; sells reduce it and close it at zero. Selling more than is held
// closes the position.
func (s *Session) ApplyTrade(t models.Trade) (models.Position, error) {
	if err := t.Validate(); err != nil {
		return models.Position{}, fmt.Errorf("apply trade: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, t)
	if over := len(s.history) - s.historyMax; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}

	p, ok := s.positions[t.Symbol]
	switch t.Side {
	case models.SideBuy:
		if !ok {
			p = models.Position{Symbol: t.Symbol}
		}
		qty := decimal.NewFromFloat(p.Quantity)
		add := decimal.NewFromFloat(t.Quantity)
		cost := qty.Mul(decimal.NewFromFloat(p.AvgPrice)).Add(add.Mul(decimal.NewFromFloat(t.Price)))
		total := qty.Add(add)
		p.Quantity = total.InexactFloat64()
		p.AvgPrice = cost.Div(total).Round(4).InexactFloat64()
		s.positions[t.Symbol] = p
	case models.SideSell:
		if !ok {
			return models.Position{Symbol: t.Symbol}, nil
		}
		left := decimal.NewFromFloat(p.Quantity).Sub(decimal.NewFromFloat(t.Quantity))
		if !left.IsPositive() {
			delete(s.positions, t.Symbol)
			return models.Position{Symbol: t.Symbol}, nil
		}
		p.Quantity = left.InexactFloat64()
		s.positions[t.Symbol] = p
	}
	return p, nil
}

// MarkToMarket values every position at the last known price. A position
// without any quote is valued at its average price and flagged stale.
func (s *Session) MarkToMarket(prices PriceLookup) models.PortfolioSnapshot {
	positions := s.Positions()
	snap := models.PortfolioSnapshot{
		Positions:     make([]models.PositionValue, 0, len(positions)),
		TradingActive: s.TradingActive(),
	}

	totalValue, totalPnL := decimal.Zero, decimal.Zero
	for _, p := range positions {
		price, stale := p.AvgPrice, true
		if q, ok := prices.Peek(p.Symbol); ok {
			price, stale = q.Price, q.Stale
		}

		qty := decimal.NewFromFloat(p.Quantity)
		value := qty.Mul(decimal.NewFromFloat(price))
		cost := qty.Mul(decimal.NewFromFloat(p.AvgPrice))
		pnl := value.Sub(cost)
		pct := decimal.Zero
		if !cost.IsZero() {
			pct = pnl.Div(cost).Mul(decimal.NewFromInt(100))
		}

		snap.Positions = append(snap.Positions, models.PositionValue{
			Position:     p,
			CurrentPrice: price,
			MarketValue:  value.Round(2).InexactFloat64(),
			PnL:          pnl.Round(2).InexactFloat64(),
			PnLPercent:   pct.Round(2).InexactFloat64(),
			Stale:        stale,
		})
		totalValue = totalValue.Add(value)
		totalPnL = totalPnL.Add(pnl)
	}

	snap.TotalValue = totalValue.Round(2).InexactFloat64()
	snap.TotalPnL = totalPnL.Round(2).InexactFloat64()
	return snap
}
