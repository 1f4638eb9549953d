package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	applogger "MarketPulse/pkg/logger"
)

// QuoteFetcher is the slice of the market data adapter the cache needs.
type QuoteFetcher interface {
	FetchQuote(ctx context.Context, symbol string) (models.Quote, error)
}

type entry struct {
	q      models.Quote
	stored time.Time
	exp    time.Time
}

func (e entry) live(now time.Time) bool { return now.Before(e.exp) }

func (e entry) annotate(now time.Time, stale bool) models.Quote {
	q := e.q
	q.CacheAge = now.Sub(e.stored).Seconds()
	q.Stale = stale
	return q
}

// PriceCache holds the latest quote per symbol for a fixed TTL and coalesces
// concurrent misses for the same symbol into a single upstream fetch.
// The map lock is never held across a fetch, so symbols stay independent.
type PriceCache struct {
	fetcher      QuoteFetcher
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	metrics      drepo.Metrics
	l            *applogger.Logger

	mu    sync.RWMutex
	m     map[string]entry
	group singleflight.Group
}

type Option func(*PriceCache)

func WithTTL(d time.Duration) Option {
	return func(c *PriceCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithFetchTimeout bounds one shared upstream fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *PriceCache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *PriceCache) { c.now = now }
}

func WithMetrics(m drepo.Metrics) Option {
	return func(c *PriceCache) { c.metrics = m }
}

func WithLogger(l *applogger.Logger) Option {
	return func(c *PriceCache) { c.l = l }
}

func NewPriceCache(fetcher QuoteFetcher, opts ...Option) *PriceCache {
	c := &PriceCache{
		fetcher:      fetcher,
		ttl:          10 * time.Second,
		fetchTimeout: 5 * time.Second,
		now:          time.Now,
		metrics:      drepo.NopMetrics{},
		l:            applogger.NewNop(),
		m:            make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached quote while it is live. Otherwise it fetches once
// for all concurrent callers; on upstream failure it serves the last known
// quote marked stale, or fails with models.ErrNoData.
func (c *PriceCache) Get(ctx context.Context, symbol string) (models.Quote, error) {
	now := c.now()
	if e, ok := c.lookup(symbol); ok && e.live(now) {
		c.metrics.RecordCacheResult("hit")
		return e.annotate(now, false), nil
	}
	c.metrics.RecordCacheResult("miss")

	ch := c.group.DoChan(symbol, func() (interface{}, error) {
		return c.refresh(symbol)
	})
	select {
	case <-ctx.Done():
		return models.Quote{}, fmt.Errorf("quote %s: %w", symbol, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return models.Quote{}, res.Err
		}
		return res.Val.(models.Quote), nil
	}
}

// refresh runs inside the single flight. It uses its own deadline so one
// caller giving up does not fail the others waiting on the same flight.
func (c *PriceCache) refresh(symbol string) (models.Quote, error) {
	now := c.now()
	// a flight that finished just before this one started may have filled it
	if e, ok := c.lookup(symbol); ok && e.live(now) {
		return e.annotate(now, false), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	defer cancel()

	start := time.Now()
	q, err := c.fetcher.FetchQuote(ctx, symbol)
	c.metrics.RecordLatency("quote_fetch", time.Since(start).Seconds())
	if err == nil {
		e := c.store(q)
		c.metrics.RecordLastPrice(symbol, q.Price)
		return e.annotate(e.stored, false), nil
	}

	c.metrics.RecordError("quote_fetch")
	if e, ok := c.lookup(symbol); ok {
		c.metrics.RecordCacheResult("stale")
		stale := e.annotate(c.now(), true)
		c.l.Warn("serving stale quote",
			applogger.String("symbol", symbol),
			applogger.Float64("age_seconds", stale.CacheAge),
			applogger.Error(err),
		)
		return stale, nil
	}
	c.metrics.RecordCacheResult("nodata")
	return models.Quote{}, fmt.Errorf("quote %s: %w: %w", symbol, models.ErrNoData, err)
}

// Put replaces the entry for q.Symbol wholesale.
func (c *PriceCache) Put(q models.Quote) {
	c.store(q)
}

func (c *PriceCache) store(q models.Quote) entry {
	q.CacheAge = 0
	q.Stale = false
	now := c.now()
	e := entry{q: q, stored: now, exp: now.Add(c.ttl)}
	c.mu.Lock()
	c.m[q.Symbol] = e
	c.mu.Unlock()
	return e
}

// Peek returns the last known quote without fetching, marked stale when it
// has outlived the TTL.
func (c *PriceCache) Peek(symbol string) (models.Quote, bool) {
	e, ok := c.lookup(symbol)
	if !ok {
		return models.Quote{}, false
	}
	now := c.now()
	return e.annotate(now, !e.live(now)), true
}

// ApplyTick rebuilds the quote for a streamed trade print against the cached
// previous close. It returns false when there is no quote to build on.
func (c *PriceCache) ApplyTick(t models.Tick) bool {
	e, ok := c.lookup(t.Symbol)
	if !ok || e.q.PreviousClose <= 0 || t.Price <= 0 {
		return false
	}
	if !t.Time.After(e.q.Timestamp) {
		return false
	}
	q := models.NewQuote(t.Symbol, t.Price, e.q.PreviousClose, e.q.Volume+t.Volume, t.Time, "finnhub")
	c.store(q)
	c.metrics.RecordLastPrice(t.Symbol, t.Price)
	return true
}

// Len returns the number of symbols with an entry, live or not.
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

func (c *PriceCache) lookup(symbol string) (entry, bool) {
	c.mu.RLock()
	e, ok := c.m[symbol]
	c.mu.RUnlock()
	return e, ok
}
