package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	applogger "MarketPulse/pkg/logger"
)

// ClickHouseBarSource reads OHLCV history from the per-interval bar tables.
type ClickHouseBarSource struct {
	db       *sql.DB
	database string
	l        *applogger.Logger
}

func NewClickHouseBarSource(db *sql.DB, database string, l *applogger.Logger) *ClickHouseBarSource {
	if l == nil {
		l = applogger.NewNop()
	}
	return &ClickHouseBarSource{db: db, database: database, l: l}
}

var _ drepo.BarSource = (*ClickHouseBarSource)(nil)

// LatestBars returns up to n most recent bars in ascending time order.
func (s *ClickHouseBarSource) LatestBars(ctx context.Context, symbol string, n int, iv drepo.Interval) ([]models.Bar, error) {
	start := time.Now()
	table, err := tableForInterval(iv)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT bucket, open, high, low, close, vol FROM %s.%s WHERE symbol = ? ORDER BY bucket DESC LIMIT ?`,
		s.database, table)

	rows, err := s.db.QueryContext(ctx, q, symbol, n)
	if err != nil {
		s.l.Error("clickhouse latest_bars query",
			applogger.String("table", table),
			applogger.String("symbol", symbol),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("latest bars %s: %w", symbol, err)
	}
	defer rows.Close()

	bars := make([]models.Bar, 0, n)
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.Time, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	// newest first from the query
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	s.l.Debug("clickhouse latest_bars ok",
		applogger.String("table", table),
		applogger.String("symbol", symbol),
		applogger.Int("rows", len(bars)),
		applogger.Duration("duration", time.Since(start)),
	)
	return bars, nil
}

func tableForInterval(iv drepo.Interval) (string, error) {
	switch iv {
	case drepo.Interval5m:
		return "bars_5m", nil
	case drepo.Interval1h:
		return "bars_1h", nil
	case drepo.Interval1d:
		return "bars_1d", nil
	default:
		return "", fmt.Errorf("unsupported interval: %s", iv)
	}
}
