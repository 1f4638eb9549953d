package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	c, err := Parse([]byte("environment: test\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL", "MSFT", "GOOGL", "TSLA", "AMZN", "NVDA", "META"}, c.Market.Symbols)
	assert.Equal(t, 10*time.Second, c.Cache.QuoteTTL)
	assert.Equal(t, 15*time.Second, c.Scheduler.PriceInterval)
	assert.Equal(t, 30*time.Second, c.Scheduler.SignalInterval)
	assert.Equal(t, "none", c.Backend.Type)
	assert.Equal(t, 14, c.Indicators.RSIPeriod)
	assert.InDelta(t, 0.3, c.Signals.Weights.RSI, 1e-9)
	assert.True(t, c.Portfolio.TradingActive)
	assert.False(t, c.NeedsKafka())
	assert.False(t, c.NeedsClickHouse())
}

func TestParse_NormalizesSymbols(t *testing.T) {
	c, err := Parse([]byte("market:\n  symbols: [' aapl', MSFT, aapl, '']\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, c.Market.Symbols)
}

func TestParse_CrossSectionRules(t *testing.T) {
	yml := `
backend:
  type: kafka
finnhub:
  enabled: true
news:
  enabled: true
`
	_, err := Parse([]byte(yml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka.brokers required for kafka backend")
	assert.Contains(t, err.Error(), "finnhub.api_key required")
	assert.Contains(t, err.Error(), "news.api_key required")
}

func TestParse_RejectsBadTags(t *testing.T) {
	_, err := Parse([]byte("market:\n  bars_interval: 2w\n"))
	require.Error(t, err)

	_, err = Parse([]byte("indicators:\n  macd_fast: 30\n  macd_slow: 26\n"))
	require.Error(t, err)
}

func TestParse_ClickHouseBars(t *testing.T) {
	c, err := Parse([]byte("market:\n  bars_source: clickhouse\nclickhouse:\n  host: ch\n"))
	require.NoError(t, err)
	assert.True(t, c.NeedsClickHouse())
}

func TestLoadWithEnv_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600))

	t.Setenv("PORT", "9100")
	t.Setenv("TRACKED_SYMBOLS", "nvda,tsla")
	t.Setenv("BACKEND_TYPE", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	c, err := LoadWithEnv(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, c.Server.Port)
	assert.Equal(t, []string{"NVDA", "TSLA"}, c.Market.Symbols)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.True(t, c.NeedsKafka())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
