package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	"MarketPulse/internal/session"
	applogger "MarketPulse/pkg/logger"
)

const (
	TradeSourcePaper    = "paper"
	TradeSourceExternal = "external"
	tradeStatusFilled   = "filled"

	DefaultFeeRate = 0.001
)

// TradeService applies fills to the trading session and announces them.
type TradeService struct {
	session *session.Session
	prices  session.PriceLookup
	events  drepo.EventPublisher
	sink    drepo.RecordSink
	metrics drepo.Metrics
	l       *applogger.Logger
	feeRate float64
	now     func() time.Time
}

type TradeOption func(*TradeService)

// WithFeeRate sets the commission charged on paper fills, as a fraction of
// the notional.
func WithFeeRate(r float64) TradeOption {
	return func(s *TradeService) {
		if r >= 0 {
			s.feeRate = r
		}
	}
}

func NewTradeService(
	sess *session.Session,
	prices session.PriceLookup,
	events drepo.EventPublisher,
	sink drepo.RecordSink,
	metrics drepo.Metrics,
	l *applogger.Logger,
	opts ...TradeOption,
) *TradeService {
	if l == nil {
		l = applogger.NewNop()
	}
	s := &TradeService{
		session: sess,
		prices:  prices,
		events:  events,
		sink:    sink,
		metrics: metrics,
		l:       l,
		feeRate: DefaultFeeRate,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute fills a paper trade at the last cached price. It fails with
// models.ErrTradingInactive while trading is off and with models.ErrNoData
// when the symbol has never been quoted.
func (s *TradeService) Execute(ctx context.Context, req models.TradeRequest) (models.Trade, error) {
	if !s.session.TradingActive() {
		return models.Trade{}, models.ErrTradingInactive
	}
	symbol := strings.ToUpper(req.Symbol)
	q, ok := s.prices.Peek(symbol)
	if !ok || q.Price <= 0 {
		return models.Trade{}, fmt.Errorf("trade %s: %w", symbol, models.ErrNoData)
	}

	t := models.Trade{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      models.Side(req.Side),
		Quantity:  req.Quantity,
		Price:     q.Price,
		Status:    tradeStatusFilled,
		Source:    TradeSourcePaper,
		Timestamp: s.now().UTC(),
	}
	t.Fee = decimal.NewFromFloat(t.Quantity).
		Mul(decimal.NewFromFloat(t.Price)).
		Mul(decimal.NewFromFloat(s.feeRate)).
		Round(4).InexactFloat64()
	return s.apply(ctx, t)
}

// ClosePosition sells the whole open position for symbol at the last cached
// price. It fails with models.ErrNoPosition when nothing is held.
func (s *TradeService) ClosePosition(ctx context.Context, symbol string) (models.Trade, error) {
	symbol = strings.ToUpper(symbol)
	p, ok := s.session.Position(symbol)
	if !ok {
		return models.Trade{}, fmt.Errorf("close %s: %w", symbol, models.ErrNoPosition)
	}
	return s.Execute(ctx, models.TradeRequest{Symbol: symbol, Side: string(models.SideSell), Quantity: p.Quantity})
}

// Ingest applies a fill reported by the external trading service. It does
// not depend on the trading flag.
func (s *TradeService) Ingest(ctx context.Context, t models.Trade) (models.Trade, error) {
	t.Symbol = strings.ToUpper(t.Symbol)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = tradeStatusFilled
	}
	if t.Source == "" {
		t.Source = TradeSourceExternal
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now().UTC()
	}
	return s.apply(ctx, t)
}

func (s *TradeService) apply(_ context.Context, t models.Trade) (models.Trade, error) {
	t.Total = decimal.NewFromFloat(t.Quantity).Mul(decimal.NewFromFloat(t.Price)).Round(2).InexactFloat64()

	pos, err := s.session.ApplyTrade(t)
	if err != nil {
		s.metrics.RecordError("trade_invalid")
		return models.Trade{}, err
	}

	now := s.now()
	s.events.Publish(models.NewTradeExecuted(t, now))
	s.events.Publish(models.NewPortfolioUpdate(s.session.MarkToMarket(s.prices), now))
	if !s.sink.Enqueue(models.TradeRecord(t)) {
		s.l.Warn("trade record dropped", applogger.String("trade_id", t.ID))
	}

	s.l.Info("trade applied",
		applogger.String("trade_id", t.ID),
		applogger.String("symbol", t.Symbol),
		applogger.String("side", string(t.Side)),
		applogger.Float64("quantity", t.Quantity),
		applogger.Float64("price", t.Price),
		applogger.Float64("fee", t.Fee),
		applogger.Float64("position", pos.Quantity),
		applogger.String("source", t.Source),
	)
	return t, nil
}
