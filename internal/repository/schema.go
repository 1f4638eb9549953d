package repository

import "fmt"

// Schema returns idempotent DDL for the append-only tables and the bar
// tables read by ClickHouseBarSource.
func Schema(db string) []string {
	return []string{
		fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.quotes (
			ts DateTime64(3, 'UTC'),
			symbol LowCardinality(String),
			price Float64,
			change Float64,
			change_percent Float64,
			volume Float64,
			previous_close Float64,
			source LowCardinality(String)
		) ENGINE = MergeTree ORDER BY (symbol, ts)`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.signals (
			ts DateTime64(3, 'UTC'),
			symbol LowCardinality(String),
			action LowCardinality(String),
			confidence Float64,
			buy_score UInt8,
			sell_score UInt8,
			price Float64,
			suggested_quantity Int64,
			risk_level LowCardinality(String),
			reasoning Array(String),
			rsi Float64,
			macd Float64,
			volatility Float64
		) ENGINE = MergeTree ORDER BY (symbol, ts)`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.trades (
			ts DateTime64(3, 'UTC'),
			id String,
			symbol LowCardinality(String),
			side LowCardinality(String),
			quantity Float64,
			price Float64,
			total Float64,
			fee Float64,
			status LowCardinality(String),
			source LowCardinality(String)
		) ENGINE = MergeTree ORDER BY (symbol, ts)`, db),
		barTable(db, "bars_5m"),
		barTable(db, "bars_1h"),
		barTable(db, "bars_1d"),
	}
}

func barTable(db, name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			bucket DateTime('UTC'),
			symbol LowCardinality(String),
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			vol Float64
		) ENGINE = ReplacingMergeTree ORDER BY (symbol, bucket)`, db, name)
}
