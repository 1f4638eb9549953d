package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
)

const insertChunk = 2000

// ClickHouseStorage appends records to the quotes, signals and trades tables
// with multi-row inserts.
type ClickHouseStorage struct {
	db       *sql.DB
	database string
}

func NewClickHouseStorage(db *sql.DB, database string) *ClickHouseStorage {
	return &ClickHouseStorage{db: db, database: database}
}

var _ drepo.Storage = (*ClickHouseStorage)(nil)

func (s *ClickHouseStorage) Store(ctx context.Context, r models.Record) error {
	return s.StoreBatch(ctx, []models.Record{r})
}

// StoreBatch groups records by kind; each kind is written in chunks of
// insertChunk rows.
func (s *ClickHouseStorage) StoreBatch(ctx context.Context, records []models.Record) error {
	groups := map[models.RecordKind][][]any{}
	for _, r := range records {
		row, ok := rowFor(r)
		if !ok {
			continue
		}
		groups[r.Kind] = append(groups[r.Kind], row)
	}
	for _, kind := range []models.RecordKind{models.RecordQuote, models.RecordSignal, models.RecordTrade} {
		rows := groups[kind]
		if len(rows) == 0 {
			continue
		}
		t := tables[kind]
		if err := s.insert(ctx, t.name, t.cols, rows); err != nil {
			return fmt.Errorf("store %d %s records: %w", len(rows), kind, err)
		}
	}
	return nil
}

func (s *ClickHouseStorage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the pool belongs to pkg/clickhouse.Client.
func (s *ClickHouseStorage) Close() error { return nil }

func (s *ClickHouseStorage) insert(ctx context.Context, table string, cols []string, rows [][]any) error {
	ph := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	for start := 0; start < len(rows); start += insertChunk {
		end := min(start+insertChunk, len(rows))

		values := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*len(cols))
		for _, row := range rows[start:end] {
			values = append(values, ph)
			args = append(args, row...)
		}
		q := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES %s",
			s.database, table, strings.Join(cols, ", "), strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return nil
}

type tableDef struct {
	name string
	cols []string
}

var tables = map[models.RecordKind]tableDef{
	models.RecordQuote: {"quotes", []string{
		"ts", "symbol", "price", "change", "change_percent", "volume", "previous_close", "source",
	}},
	models.RecordSignal: {"signals", []string{
		"ts", "symbol", "action", "confidence", "buy_score", "sell_score", "price",
		"suggested_quantity", "risk_level", "reasoning", "rsi", "macd", "volatility",
	}},
	models.RecordTrade: {"trades", []string{
		"ts", "id", "symbol", "side", "quantity", "price", "total", "fee", "status", "source",
	}},
}

func rowFor(r models.Record) ([]any, bool) {
	ts := r.Timestamp.UTC()
	switch {
	case r.Kind == models.RecordQuote && r.Quote != nil:
		q := r.Quote
		return []any{ts, q.Symbol, q.Price, q.Change, q.ChangePercent, q.Volume, q.PreviousClose, q.Source}, true
	case r.Kind == models.RecordSignal && r.Signal != nil:
		sig := r.Signal
		var rsi, macd, vol float64
		if r.Indicators != nil {
			rsi, macd, vol = r.Indicators.RSI, r.Indicators.MACD, r.Indicators.Volatility
		}
		reasoning := sig.Reasoning
		if reasoning == nil {
			reasoning = []string{}
		}
		return []any{
			ts, sig.Symbol, string(sig.Action), sig.Confidence, uint8(sig.BuyScore), uint8(sig.SellScore),
			sig.Price, sig.SuggestedQuantity, sig.RiskLevel, reasoning, rsi, macd, vol,
		}, true
	case r.Kind == models.RecordTrade && r.Trade != nil:
		t := r.Trade
		return []any{ts, t.ID, t.Symbol, string(t.Side), t.Quantity, t.Price, t.Total, t.Fee, t.Status, t.Source}, true
	}
	return nil, false
}
