package di

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	drepo "MarketPulse/internal/domain/repository"
	"MarketPulse/internal/handler/api"
	"MarketPulse/internal/handler/ws"
	mid "MarketPulse/internal/middleware"
	internalrepo "MarketPulse/internal/repository"
	"MarketPulse/internal/service/broadcast"
	icache "MarketPulse/internal/service/cache"
	"MarketPulse/internal/service/finnhub"
	"MarketPulse/internal/service/ratelimit"
	"MarketPulse/internal/service/yahoo"
	"MarketPulse/internal/services/advisory"
	"MarketPulse/internal/services/indicators"
	"MarketPulse/internal/services/sentiment"
	"MarketPulse/internal/services/signals"
	"MarketPulse/internal/session"
	"MarketPulse/internal/usecase"
	"MarketPulse/pkg/cache"
	pkgch "MarketPulse/pkg/clickhouse"
	"MarketPulse/pkg/config"
	pkghttp "MarketPulse/pkg/http"
	pkgkafka "MarketPulse/pkg/kafka"
	applogger "MarketPulse/pkg/logger"
	"MarketPulse/pkg/metrics"
	"MarketPulse/pkg/server"
)

const userAgent = "marketpulse/1.0"

// ProvideLogger builds the process logger. When the collector is enabled,
// aggregated warnings and errors are shipped to Kafka.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if cfg.Log.Collector.Enabled && producer != nil {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval: cfg.Log.Collector.Interval,
			Topic:        cfg.Log.Collector.Topic,
			Source:       cfg.ServiceName,
			Publisher:    producer,
		})
	}
	return l.With(applogger.String("service", cfg.ServiceName)), nil
}

// ProvideMetrics registers the recorder on the default registry, which also
// carries the Kafka client collectors.
func ProvideMetrics() *metrics.Recorder {
	return metrics.New()
}

// ProvideClickHouseClient connects and creates the schema. It returns nil
// when no component needs ClickHouse.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if !cfg.NeedsClickHouse() {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.Schema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideKafkaProducer returns nil when neither the records backend nor the
// log collector writes to Kafka.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.NeedsKafka() {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideRedisCache returns nil unless redis is enabled.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisHost(cfg.Redis.Host),
		cache.WithRedisPort(cfg.Redis.Port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return rc, nil
}

// ProvideMemoryCache is the in-process cache for news scores, and for
// signal snapshots when redis is off.
func ProvideMemoryCache() *cache.MemoryCache {
	return cache.NewMemoryCache(cache.WithMemoryMaxSize(5000), cache.WithMemoryCleanup(time.Minute))
}

func ProvideHTTPClient(cfg *config.Config) *pkghttp.Client {
	return pkghttp.NewClient(
		pkghttp.WithTimeout(cfg.Market.FetchTimeout),
		pkghttp.WithUserAgent(userAgent),
	)
}

func ProvideMarketData(cfg *config.Config, client *pkghttp.Client) *yahoo.Client {
	return yahoo.New(client, cfg.Market.BaseURL,
		yahoo.WithRateLimit(cfg.Market.RequestsPerSecond, cfg.Market.Burst),
		yahoo.WithInterval(drepo.NormalizeInterval(cfg.Market.BarsInterval)),
	)
}

func ProvidePriceCache(cfg *config.Config, md *yahoo.Client, m *metrics.Recorder, l *applogger.Logger) *icache.PriceCache {
	return icache.NewPriceCache(md,
		icache.WithTTL(cfg.Cache.QuoteTTL),
		icache.WithFetchTimeout(cfg.Market.FetchTimeout),
		icache.WithMetrics(m),
		icache.WithLogger(l),
	)
}

// ProvideBarFetcher reads indicator windows from the quote provider, or
// from stored bars when bars_source is clickhouse.
func ProvideBarFetcher(cfg *config.Config, md *yahoo.Client, ch *pkgch.Client, l *applogger.Logger) usecase.BarFetcher {
	if cfg.Market.BarsSource == "clickhouse" && ch != nil {
		src := internalrepo.NewClickHouseBarSource(ch.DB(), ch.Database(), l)
		return usecase.FromBarSource(src, drepo.NormalizeInterval(cfg.Market.BarsInterval))
	}
	return md
}

// ProvideSentiment returns a nil source when news is disabled; signals are
// then decided on technicals alone.
func ProvideSentiment(cfg *config.Config, mc *cache.MemoryCache, l *applogger.Logger) drepo.SentimentSource {
	if !cfg.News.Enabled {
		return nil
	}
	client := pkghttp.NewClient(pkghttp.WithTimeout(cfg.News.Timeout), pkghttp.WithUserAgent(userAgent))
	return sentiment.NewNewsClient(client, cfg.News.BaseURL, cfg.News.APIKey, mc,
		sentiment.WithPageSize(cfg.News.PageSize),
		sentiment.WithCacheTTL(cfg.News.CacheTTL),
		sentiment.WithLogger(l),
	)
}

// ProvideAdvisor answers from the rule table alone unless advisory is
// enabled.
func ProvideAdvisor(cfg *config.Config, l *applogger.Logger) *advisory.Advisor {
	baseURL := ""
	if cfg.Advisory.Enabled {
		baseURL = cfg.Advisory.BaseURL
	}
	return advisory.New(baseURL, cfg.Advisory.APIKey, cfg.Advisory.Timeout,
		advisory.WithModel(cfg.Advisory.Model),
		advisory.WithRetries(cfg.Advisory.Retries),
		advisory.WithLogger(l),
	)
}

func indicatorConfig(cfg *config.Config) indicators.Config {
	ic := cfg.Indicators
	return indicators.Config{
		RSIPeriod:           ic.RSIPeriod,
		MACDFast:            ic.MACDFast,
		MACDSlow:            ic.MACDSlow,
		MACDSignal:          ic.MACDSignal,
		SMAShort:            ic.SMAShort,
		SMALong:             ic.SMALong,
		BollingerPeriod:     ic.BollingerPeriod,
		BollingerK:          ic.BollingerK,
		VolumePeriod:        ic.VolumePeriod,
		VolumeSpikeRatio:    ic.VolumeSpikeRatio,
		AnnualizationFactor: ic.AnnualizationFactor,
	}
}

func signalConfig(cfg *config.Config) signals.Config {
	sc := signals.DefaultConfig()
	s := cfg.Signals
	sc.RSIOversold = s.RSIOversold
	sc.RSIOverbought = s.RSIOverbought
	sc.MomentumPercent = s.MomentumPercent
	sc.SentimentThreshold = s.SentimentThreshold
	sc.MinConfidence = s.MinConfidence
	sc.HighVolatility = s.HighVolatility
	sc.MediumVolatility = s.MediumVolatility
	sc.PositionSize = s.PositionSize
	sc.Weights = signals.Weights{
		RSI:       s.Weights.RSI,
		MACD:      s.Weights.MACD,
		Momentum:  s.Weights.Momentum,
		Trend:     s.Weights.Trend,
		Sentiment: s.Weights.Sentiment,
		Volume:    s.Weights.Volume,
	}
	return sc
}

func ProvideAnalyzer(
	cfg *config.Config,
	prices *icache.PriceCache,
	bars usecase.BarFetcher,
	sent drepo.SentimentSource,
	m *metrics.Recorder,
	l *applogger.Logger,
) *usecase.Analyzer {
	opts := []usecase.AnalyzerOption{
		usecase.WithLookback(cfg.Market.BarsLookback),
		usecase.WithAnalyzerMetrics(m),
		usecase.WithAnalyzerLogger(l),
	}
	if sent != nil {
		opts = append(opts, usecase.WithSentiment(sent))
	}
	return usecase.NewAnalyzer(prices, bars, signals.New(signalConfig(cfg)), indicatorConfig(cfg), opts...)
}

func ProvideSession(cfg *config.Config) *session.Session {
	return session.New(cfg.Portfolio.TradingActive, cfg.Portfolio.Positions,
		session.WithHistoryLimit(cfg.Portfolio.HistoryLimit))
}

func ProvideBroadcastManager(cfg *config.Config, m *metrics.Recorder, l *applogger.Logger) *broadcast.Manager {
	return broadcast.NewManager(
		broadcast.WithWriteTimeout(cfg.Broadcast.WriteTimeout),
		broadcast.WithMaxSubscribers(cfg.Broadcast.MaxSubscribers),
		broadcast.WithMetrics(m),
		broadcast.WithLogger(l),
	)
}

// ProvideSnapshotStore keeps the latest signals in redis behind an
// in-process L1 when redis is enabled, otherwise in memory only.
func ProvideSnapshotStore(cfg *config.Config, rc *cache.RedisCache, mc *cache.MemoryCache) *internalrepo.CacheSnapshotStore {
	var svc cache.Service = mc
	if rc != nil {
		svc = cache.NewLayeredCache(rc, cache.WithLayeredMemoryTTL(cfg.Scheduler.SignalInterval))
	}
	return internalrepo.NewCacheSnapshotStore(svc, cfg.Redis.TTL)
}

// ProvideRecordPipeline builds the processor for the configured backend and
// the batching pipeline in front of it.
func ProvideRecordPipeline(
	cfg *config.Config,
	producer *pkgkafka.Producer,
	ch *pkgch.Client,
	snapshots *internalrepo.CacheSnapshotStore,
	m *metrics.Recorder,
	l *applogger.Logger,
) *mid.RecordPipeline {
	var (
		pub   drepo.Publisher
		store drepo.Storage
	)
	if producer != nil {
		pub = internalrepo.NewKafkaPublisher(producer, cfg.Kafka.RecordsTopic)
	}
	if ch != nil {
		store = internalrepo.NewClickHouseStorage(ch.DB(), ch.Database())
	}
	proc := usecase.NewRecordProcessor(pub, store, snapshots, m, cfg.Backend.Type, l)
	return mid.NewRecordPipeline(proc, m,
		mid.WithBufferSize(cfg.Backend.BufferSize),
		mid.WithBatch(cfg.Backend.BatchSize, cfg.Backend.BatchTimeout),
		mid.WithPipelineLogger(l),
	)
}

func ProvideTradeService(
	cfg *config.Config,
	sess *session.Session,
	prices *icache.PriceCache,
	bm *broadcast.Manager,
	pipeline *mid.RecordPipeline,
	m *metrics.Recorder,
	l *applogger.Logger,
) *usecase.TradeService {
	return usecase.NewTradeService(sess, prices, bm, pipeline, m, l,
		usecase.WithFeeRate(cfg.Portfolio.FeeRate))
}

// ProvideKafkaConsumer consumes external fills. It returns nil when no
// trades topic is configured.
func ProvideKafkaConsumer(cfg *config.Config, trades *usecase.TradeService, m *metrics.Recorder, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if cfg.Kafka.TradesTopic == "" {
		return nil, nil
	}
	kc := cfg.Kafka.Consumer
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(kc.GroupID),
		pkgkafka.WithConsumerWorkers(kc.Workers),
		pkgkafka.WithConsumerBufferSize(kc.BufferSize),
		pkgkafka.WithConsumerRetry(kc.RetryMax, kc.BackoffMin, kc.BackoffMax),
		pkgkafka.WithConsumerDLQ(kc.DLQTopic),
		pkgkafka.WithConsumerFetch(kc.MinBytes, kc.MaxBytes),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.RegisterHandler(usecase.NewKafkaTradesHandler(cfg.Kafka.TradesTopic, trades, m))
	return consumer, nil
}

// ProvideTickCollector returns nil unless the Finnhub stream is enabled.
func ProvideTickCollector(cfg *config.Config, prices *icache.PriceCache, m *metrics.Recorder, l *applogger.Logger) *usecase.TickCollector {
	if !cfg.Finnhub.Enabled {
		return nil
	}
	stream := finnhub.New(cfg.Finnhub.APIKey, cfg.Finnhub.WebSocketURL, cfg.Market.Symbols,
		finnhub.WithPingInterval(cfg.Finnhub.PingInterval),
		finnhub.WithMaxReconnect(cfg.Finnhub.ReconnectDelay),
		finnhub.WithLogger(l),
	)
	return usecase.NewTickCollector(stream, prices, m, l)
}

func ProvideScheduler(
	cfg *config.Config,
	prices *icache.PriceCache,
	analyzer *usecase.Analyzer,
	sess *session.Session,
	bm *broadcast.Manager,
	pipeline *mid.RecordPipeline,
	m *metrics.Recorder,
	l *applogger.Logger,
) *usecase.Scheduler {
	return usecase.NewScheduler(cfg.Market.Symbols, usecase.ScheduleConfig{
		PriceInterval:  cfg.Scheduler.PriceInterval,
		SignalInterval: cfg.Scheduler.SignalInterval,
		SymbolTimeout:  cfg.Scheduler.SymbolTimeout,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
	}, prices, prices, analyzer, sess, bm, pipeline, m, l)
}

func ProvideWSHandler(cfg *config.Config, bm *broadcast.Manager, l *applogger.Logger) *ws.Handler {
	return ws.NewHandler(bm,
		ws.WithReadLimit(cfg.Broadcast.ReadLimit),
		ws.WithKeepalive(cfg.Broadcast.PingInterval, cfg.Broadcast.PongTimeout),
		ws.WithWriteTimeout(cfg.Broadcast.WriteTimeout),
		ws.WithLogger(l),
	)
}

// healthChecks reports only the dependencies that are configured.
func healthChecks(ch *pkgch.Client, rc *cache.RedisCache, ticks *usecase.TickCollector) map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{}
	if ch != nil {
		checks["clickhouse"] = ch.Health
	}
	if rc != nil {
		checks["redis"] = rc.Health
	}
	if ticks != nil {
		checks["tick_stream"] = func(context.Context) error {
			if !ticks.IsConnected() {
				return fmt.Errorf("tick stream disconnected")
			}
			return nil
		}
	}
	return checks
}

func ProvideAPIHandler(
	cfg *config.Config,
	prices *icache.PriceCache,
	analyzer *usecase.Analyzer,
	snapshots *internalrepo.CacheSnapshotStore,
	sess *session.Session,
	trades *usecase.TradeService,
	bm *broadcast.Manager,
	advisor *advisory.Advisor,
	ch *pkgch.Client,
	rc *cache.RedisCache,
	ticks *usecase.TickCollector,
	l *applogger.Logger,
) *api.Handler {
	limiter := ratelimit.New(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)
	return api.NewHandler(api.Deps{
		Symbols:    cfg.Market.Symbols,
		Quotes:     prices,
		Analyzer:   analyzer,
		Snapshots:  snapshots,
		Session:    sess,
		Trades:     trades,
		Events:     bm,
		Stats:      bm,
		Advisor:    advisor,
		Checks:     healthChecks(ch, rc, ticks),
		Middleware: []echo.MiddlewareFunc{limiter.Middleware(nil)},
		Logger:     l,
	})
}

func ProvideHTTPServer(cfg *config.Config, h *api.Handler, wsh *ws.Handler, l *applogger.Logger) *pkghttp.Server {
	path := ""
	if cfg.Metrics.Enabled {
		path = cfg.Metrics.Path
	}
	return pkghttp.NewServer(pkghttp.Handlers{h, wsh},
		pkghttp.WithPort(cfg.Server.Port),
		pkghttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.ShutdownTimeout),
		pkghttp.WithMetrics(path, prometheus.DefaultRegisterer, prometheus.DefaultGatherer),
		pkghttp.WithLogger(l),
	)
}

// consumerService adapts the Kafka consumer to the app lifecycle.
type consumerService struct{ c *pkgkafka.Consumer }

func (s consumerService) Start(context.Context) error    { return s.c.Start() }
func (s consumerService) Stop(ctx context.Context) error { return s.c.Stop(ctx) }

// ProvideApp assembles the lifecycle. Closers run last, after the pipeline
// has flushed into the clients they close.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	srv *pkghttp.Server,
	wsh *ws.Handler,
	sched *usecase.Scheduler,
	bm *broadcast.Manager,
	pipeline *mid.RecordPipeline,
	ticks *usecase.TickCollector,
	consumer *pkgkafka.Consumer,
	producer *pkgkafka.Producer,
	ch *pkgch.Client,
	rc *cache.RedisCache,
	mc *cache.MemoryCache,
) *server.App {
	var streams []server.Service
	if ticks != nil {
		streams = append(streams, ticks)
	}
	if consumer != nil {
		streams = append(streams, consumerService{c: consumer})
	}

	closers := []server.Closer{{Name: "memory cache", Close: mc.Close}}
	if ch != nil {
		closers = append(closers, server.Closer{Name: "clickhouse", Close: ch.Close})
	}
	if rc != nil {
		closers = append(closers, server.Closer{Name: "redis", Close: rc.Close})
	}
	// the log collector ships through the producer, so it goes first
	closers = append(closers, server.Closer{Name: "log collector", Close: func() error {
		l.RemoveCollector()
		return nil
	}})
	if producer != nil {
		closers = append(closers, server.Closer{Name: "kafka producer", Close: producer.Close})
	}

	return server.New(server.Components{
		Logger:          l,
		HTTP:            srv,
		Gate:            wsh,
		Scheduler:       sched,
		Broadcast:       bm,
		Streams:         streams,
		Pipeline:        pipeline,
		Closers:         closers,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
}
