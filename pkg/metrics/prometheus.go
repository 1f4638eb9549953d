package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	messagesSent *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	lastPrice    *prometheus.GaugeVec
	latency      *prometheus.HistogramVec
	cacheResults *prometheus.CounterVec
	evictions    *prometheus.CounterVec
	published    *prometheus.CounterVec
	fanout       *prometheus.HistogramVec
	subscribers  prometheus.Gauge
	signals      *prometheus.CounterVec
}

// New registers the recorder's collectors on the default registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers on reg; tests pass a fresh prometheus.NewRegistry().
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		messagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_records_sent_total",
				Help: "Records written to the persistence backend",
			},
			[]string{"backend", "symbol"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_errors_total",
				Help: "Errors by kind",
			},
			[]string{"type"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketpulse_last_price",
				Help: "Last observed price per symbol",
			},
			[]string{"symbol"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketpulse_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		cacheResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_price_cache_results_total",
				Help: "Price cache lookups by result (hit, miss, stale, nodata)",
			},
			[]string{"result"},
		),
		evictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_subscriber_evictions_total",
				Help: "Subscribers evicted after a failed or timed out write",
			},
			[]string{"reason"},
		),
		published: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_events_published_total",
				Help: "Events published by type",
			},
			[]string{"type"},
		),
		fanout: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketpulse_event_fanout_subscribers",
				Help:    "Subscribers targeted per published event",
				Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"type"},
		),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "marketpulse_subscribers",
			Help: "Currently connected subscribers",
		}),
		signals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketpulse_signals_total",
				Help: "Signals produced by action",
			},
			[]string{"symbol", "action"},
		),
	}
}

func (r *Recorder) RecordMessageSent(backend, symbol string) {
	r.messagesSent.WithLabelValues(backend, symbol).Inc()
}

func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordCacheResult(result string) {
	r.cacheResults.WithLabelValues(result).Inc()
}

func (r *Recorder) RecordEviction(reason string) {
	r.evictions.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordPublish(eventType string, subscribers int) {
	r.published.WithLabelValues(eventType).Inc()
	r.fanout.WithLabelValues(eventType).Observe(float64(subscribers))
}

func (r *Recorder) SetSubscribers(n int) {
	r.subscribers.Set(float64(n))
}

func (r *Recorder) RecordSignal(symbol, action string) {
	r.signals.WithLabelValues(symbol, action).Inc()
}
