package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"MarketPulse/internal/domain/models"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	ServiceName string `yaml:"service_name" default:"marketpulse"`

	Log struct {
		Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format     string `yaml:"format" default:"json" validate:"oneof=json console"`
		Output     string `yaml:"output" default:"stdout"`
		MaxSizeMB  int    `yaml:"max_size_mb" default:"100"`
		MaxBackups int    `yaml:"max_backups" default:"5"`
		Collector  struct {
			Enabled  bool          `yaml:"enabled"`
			Topic    string        `yaml:"topic" default:"marketpulse.logs"`
			Interval time.Duration `yaml:"interval" default:"30s"`
		} `yaml:"collector"`
	} `yaml:"log"`

	Server struct {
		Port            int           `yaml:"port" default:"8000" validate:"gt=0,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		RateLimit       struct {
			RPS   float64 `yaml:"rps" default:"20"`
			Burst int     `yaml:"burst" default:"40"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`

	Market struct {
		Symbols           []string      `yaml:"symbols" default:"[\"AAPL\",\"MSFT\",\"GOOGL\",\"TSLA\",\"AMZN\",\"NVDA\",\"META\"]" validate:"min=1,dive,required"`
		BaseURL           string        `yaml:"base_url" default:"https://query1.finance.yahoo.com" validate:"url"`
		RequestsPerSecond float64       `yaml:"requests_per_second" default:"5" validate:"gt=0"`
		Burst             int           `yaml:"burst" default:"5" validate:"gt=0"`
		FetchTimeout      time.Duration `yaml:"fetch_timeout" default:"5s"`
		BarsInterval      string        `yaml:"bars_interval" default:"1d" validate:"oneof=5m 1h 1d"`
		BarsLookback      int           `yaml:"bars_lookback" default:"120" validate:"gte=1"`
		BarsSource        string        `yaml:"bars_source" default:"upstream" validate:"oneof=upstream clickhouse"`
	} `yaml:"market"`

	Cache struct {
		QuoteTTL time.Duration `yaml:"quote_ttl" default:"10s"`
	} `yaml:"cache"`

	Scheduler struct {
		PriceInterval  time.Duration `yaml:"price_interval" default:"15s"`
		SignalInterval time.Duration `yaml:"signal_interval" default:"30s"`
		SymbolTimeout  time.Duration `yaml:"symbol_timeout" default:"10s"`
		MaxConcurrency int           `yaml:"max_concurrency" default:"8" validate:"gt=0"`
	} `yaml:"scheduler"`

	Broadcast struct {
		WriteTimeout   time.Duration `yaml:"write_timeout" default:"2s"`
		MaxSubscribers int           `yaml:"max_subscribers" default:"1000" validate:"gt=0"`
		ReadLimit      int64         `yaml:"read_limit" default:"4096"`
		PongTimeout    time.Duration `yaml:"pong_timeout" default:"60s"`
		PingInterval   time.Duration `yaml:"ping_interval" default:"30s"`
	} `yaml:"broadcast"`

	Indicators struct {
		RSIPeriod           int     `yaml:"rsi_period" default:"14" validate:"gt=1"`
		MACDFast            int     `yaml:"macd_fast" default:"12" validate:"gt=0"`
		MACDSlow            int     `yaml:"macd_slow" default:"26" validate:"gtfield=MACDFast"`
		MACDSignal          int     `yaml:"macd_signal" default:"9" validate:"gt=0"`
		SMAShort            int     `yaml:"sma_short" default:"20" validate:"gt=0"`
		SMALong             int     `yaml:"sma_long" default:"50" validate:"gtfield=SMAShort"`
		BollingerPeriod     int     `yaml:"bollinger_period" default:"20" validate:"gt=1"`
		BollingerK          float64 `yaml:"bollinger_k" default:"2" validate:"gt=0"`
		VolumePeriod        int     `yaml:"volume_period" default:"20" validate:"gt=0"`
		VolumeSpikeRatio    float64 `yaml:"volume_spike_ratio" default:"1.5" validate:"gt=0"`
		AnnualizationFactor float64 `yaml:"annualization_factor" default:"252" validate:"gt=0"`
	} `yaml:"indicators"`

	Signals struct {
		RSIOversold        float64 `yaml:"rsi_oversold" default:"30"`
		RSIOverbought      float64 `yaml:"rsi_overbought" default:"70"`
		MomentumPercent    float64 `yaml:"momentum_percent" default:"2"`
		SentimentThreshold float64 `yaml:"sentiment_threshold" default:"0.1"`
		MinConfidence      float64 `yaml:"min_confidence" default:"0.5" validate:"gte=0,lte=1"`
		HighVolatility     float64 `yaml:"high_volatility" default:"40"`
		MediumVolatility   float64 `yaml:"medium_volatility" default:"25"`
		PositionSize       float64 `yaml:"position_size" default:"1000" validate:"gte=0"`
		Weights            struct {
			RSI       float64 `yaml:"rsi" default:"0.3"`
			MACD      float64 `yaml:"macd" default:"0.2"`
			Momentum  float64 `yaml:"momentum" default:"0.15"`
			Trend     float64 `yaml:"trend" default:"0.2"`
			Sentiment float64 `yaml:"sentiment" default:"0.15"`
			Volume    float64 `yaml:"volume" default:"0.15"`
		} `yaml:"weights"`
	} `yaml:"signals"`

	Backend struct {
		Type         string        `yaml:"type" default:"none" validate:"oneof=none kafka clickhouse"`
		BufferSize   int           `yaml:"buffer_size" default:"2000" validate:"gt=0"`
		BatchSize    int           `yaml:"batch_size" default:"100" validate:"gt=0"`
		BatchTimeout time.Duration `yaml:"batch_timeout" default:"1s"`
	} `yaml:"backend"`

	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		RecordsTopic string   `yaml:"records_topic" default:"marketpulse.records"`
		TradesTopic  string   `yaml:"trades_topic"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"snappy" validate:"oneof=gzip snappy lz4 zstd"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"200ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"marketpulse"`
			Workers    int           `yaml:"workers" default:"2"`
			BufferSize int           `yaml:"buffer_size" default:"100"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"50ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`

	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"marketpulse"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert" default:"true"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	} `yaml:"clickhouse"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Host     string        `yaml:"host" default:"localhost"`
		Port     int           `yaml:"port" default:"6379"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Prefix   string        `yaml:"prefix" default:"marketpulse"`
		TTL      time.Duration `yaml:"ttl" default:"10m"`
	} `yaml:"redis"`

	Finnhub struct {
		Enabled        bool          `yaml:"enabled"`
		APIKey         string        `yaml:"api_key"`
		WebSocketURL   string        `yaml:"websocket_url" default:"wss://ws.finnhub.io"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"5s"`
		PingInterval   time.Duration `yaml:"ping_interval" default:"20s"`
	} `yaml:"finnhub"`

	News struct {
		Enabled  bool          `yaml:"enabled"`
		APIKey   string        `yaml:"api_key"`
		BaseURL  string        `yaml:"base_url" default:"https://newsapi.org"`
		PageSize int           `yaml:"page_size" default:"10" validate:"gt=0,lte=100"`
		CacheTTL time.Duration `yaml:"cache_ttl" default:"15m"`
		Timeout  time.Duration `yaml:"timeout" default:"5s"`
	} `yaml:"news"`

	Advisory struct {
		Enabled bool          `yaml:"enabled"`
		BaseURL string        `yaml:"base_url"`
		APIKey  string        `yaml:"api_key"`
		Model   string        `yaml:"model" default:"gpt-4o-mini"`
		Timeout time.Duration `yaml:"timeout" default:"20s"`
		Retries int           `yaml:"retries" default:"2"`
	} `yaml:"advisory"`

	Portfolio struct {
		TradingActive bool              `yaml:"trading_active" default:"true"`
		FeeRate       float64           `yaml:"fee_rate" default:"0.001" validate:"gte=0,lte=0.05"`
		HistoryLimit  int               `yaml:"history_limit" default:"500" validate:"gte=1"`
		Positions     []models.Position `yaml:"positions"`
	} `yaml:"portfolio"`
}

var validate = validator.New()

// Load reads and parses a YAML configuration file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse builds a config from raw YAML.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads .env (if present), the YAML file, and then applies
// environment overrides before validating.
func LoadWithEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyEnv()
	c.normalize()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("TRACKED_SYMBOLS"); v != "" {
		c.Market.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("BACKEND_TYPE"); v != "" {
		c.Backend.Type = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		c.Finnhub.APIKey = v
	}
	if v := os.Getenv("NEWS_API_KEY"); v != "" {
		c.News.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Advisory.APIKey = v
	}
}

func (c *Config) normalize() {
	seen := make(map[string]struct{}, len(c.Market.Symbols))
	out := c.Market.Symbols[:0]
	for _, s := range c.Market.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	c.Market.Symbols = out
}

// Validate checks struct tags and the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs error
	switch c.Backend.Type {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			errs = multierr.Append(errs, fmt.Errorf("kafka.brokers required for kafka backend"))
		}
	case "clickhouse":
		if c.ClickHouse.Host == "" {
			errs = multierr.Append(errs, fmt.Errorf("clickhouse.host required for clickhouse backend"))
		}
	}
	if c.Market.BarsSource == "clickhouse" && c.ClickHouse.Host == "" {
		errs = multierr.Append(errs, fmt.Errorf("clickhouse.host required for clickhouse bars source"))
	}
	if c.Kafka.TradesTopic != "" && len(c.Kafka.Brokers) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("kafka.brokers required to consume %s", c.Kafka.TradesTopic))
	}
	if c.Log.Collector.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("kafka.brokers required for log collector"))
	}
	if c.Finnhub.Enabled && c.Finnhub.APIKey == "" {
		errs = multierr.Append(errs, fmt.Errorf("finnhub.api_key required when finnhub is enabled"))
	}
	if c.News.Enabled && c.News.APIKey == "" {
		errs = multierr.Append(errs, fmt.Errorf("news.api_key required when news is enabled"))
	}
	if c.Advisory.Enabled && c.Advisory.BaseURL == "" {
		errs = multierr.Append(errs, fmt.Errorf("advisory.base_url required when advisory is enabled"))
	}
	if c.Cache.QuoteTTL <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("cache.quote_ttl must be positive"))
	}
	if c.Scheduler.PriceInterval <= 0 || c.Scheduler.SignalInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("scheduler intervals must be positive"))
	}
	if c.Broadcast.WriteTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("broadcast.write_timeout must be positive"))
	}
	return errs
}

// NeedsKafka reports whether any component needs a Kafka producer.
func (c *Config) NeedsKafka() bool {
	return c.Backend.Type == "kafka" || c.Log.Collector.Enabled
}

// NeedsClickHouse reports whether any component needs a ClickHouse client.
func (c *Config) NeedsClickHouse() bool {
	return c.Backend.Type == "clickhouse" || c.Market.BarsSource == "clickhouse"
}
