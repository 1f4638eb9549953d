package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketPulse/internal/domain/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeFetcher struct {
	mu     sync.Mutex
	calls  map[string]int
	quotes map[string]models.Quote
	errs   map[string]error
	gates  map[string]chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:  map[string]int{},
		quotes: map[string]models.Quote{},
		errs:   map[string]error{},
		gates:  map[string]chan struct{}{},
	}
}

func (f *fakeFetcher) FetchQuote(ctx context.Context, symbol string) (models.Quote, error) {
	f.mu.Lock()
	f.calls[symbol]++
	gate := f.gates[symbol]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Quote{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[symbol]; err != nil {
		return models.Quote{}, err
	}
	return f.quotes[symbol], nil
}

func (f *fakeFetcher) Calls(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

func (f *fakeFetcher) SetErr(symbol string, err error) {
	f.mu.Lock()
	f.errs[symbol] = err
	f.mu.Unlock()
}

func quote(symbol string, price, prev float64, ts time.Time) models.Quote {
	return models.NewQuote(symbol, price, prev, 1000, ts, "test")
}

func TestPriceCache_ConcurrentMissesShareOneFetch(t *testing.T) {
	clk := newFakeClock()
	f := newFakeFetcher()
	f.quotes["AAPL"] = quote("AAPL", 182.30, 175.50, clk.Now())
	f.gates["AAPL"] = make(chan struct{})
	c := NewPriceCache(f, WithClock(clk.Now), WithTTL(10*time.Second))

	const callers = 20
	results := make([]models.Quote, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := c.Get(context.Background(), "AAPL")
			assert.NoError(t, err)
			results[i] = q
		}(i)
	}

	require.Eventually(t, func() bool { return f.Calls("AAPL") == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gates["AAPL"])
	wg.Wait()

	assert.Equal(t, 1, f.Calls("AAPL"))
	for _, q := range results {
		assert.Equal(t, results[0], q)
	}
	assert.InDelta(t, 182.30, results[0].Price, 1e-9)
}

func TestPriceCache_LiveEntryServedWithoutFetch(t *testing.T) {
	clk := newFakeClock()
	f := newFakeFetcher()
	c := NewPriceCache(f, WithClock(clk.Now), WithTTL(10*time.Second))

	c.Put(quote("MSFT", 410, 400, clk.Now()))
	clk.Advance(4 * time.Second)

	q1, err := c.Get(context.Background(), "MSFT")
	require.NoError(t, err)
	q2, err := c.Get(context.Background(), "MSFT")
	require.NoError(t, err)

	assert.Equal(t, q1, q2)
	assert.Equal(t, 0, f.Calls("MSFT"))
	assert.InDelta(t, 4.0, q1.CacheAge, 1e-9)
	assert.False(t, q1.Stale)
}

func TestPriceCache_ExpiredEntryIsRefetched(t *testing.T) {
	clk := newFakeClock()
	f := newFakeFetcher()
	f.quotes["MSFT"] = quote("MSFT", 415, 400, clk.Now())
	c := NewPriceCache(f, WithClock(clk.Now), WithTTL(10*time.Second))

	c.Put(quote("MSFT", 410, 400, clk.Now()))
	clk.Advance(10 * time.Second)

	q, err := c.Get(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, 1, f.Calls("MSFT"))
	assert.InDelta(t, 415.0, q.Price, 1e-9)
	assert.Zero(t, q.CacheAge)
}

func TestPriceCache_StaleServedOnUpstreamFailure(t *testing.T) {
	clk := newFakeClock()
	f := newFakeFetcher()
	f.SetErr("TSLA", models.ErrRateLimited)
	c := NewPriceCache(f, WithClock(clk.Now), WithTTL(10*time.Second))

	c.Put(quote("TSLA", 250, 240, clk.Now()))
	clk.Advance(30 * time.Second)

	q, err := c.Get(context.Background(), "TSLA")
	require.NoError(t, err)
	assert.True(t, q.Stale)
	assert.InDelta(t, 30.0, q.CacheAge, 1e-9)
	assert.InDelta(t, 250.0, q.Price, 1e-9)
}

func TestPriceCache_NoDataWithoutAnyEntry(t *testing.T) {
	f := newFakeFetcher()
	f.SetErr("NVDA", models.ErrTimeout)
	c := NewPriceCache(f)

	_, err := c.Get(context.Background(), "NVDA")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNoData))
	assert.True(t, errors.Is(err, models.ErrTimeout))
}

func TestPriceCache_SlowSymbolDoesNotBlockOthers(t *testing.T) {
	clk := newFakeClock()
	f := newFakeFetcher()
	f.quotes["AAPL"] = quote("AAPL", 180, 175, clk.Now())
	f.quotes["META"] = quote("META", 500, 490, clk.Now())
	f.gates["AAPL"] = make(chan struct{})
	defer close(f.gates["AAPL"])
	c := NewPriceCache(f, WithClock(clk.Now))

	go func() { _, _ = c.Get(context.Background(), "AAPL") }()
	require.Eventually(t, func() bool { return f.Calls("AAPL") == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q, err := c.Get(ctx, "META")
	require.NoError(t, err)
	assert.Equal(t, "META", q.Symbol)
}

func TestPriceCache_CallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	clk := newFakeClock()
	f := newFakeFetcher()
	f.quotes["AMZN"] = quote("AMZN", 180, 178, clk.Now())
	f.gates["AMZN"] = make(chan struct{})
	c := NewPriceCache(f, WithClock(clk.Now))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "AMZN")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return f.Calls("AMZN") == 1 }, time.Second, time.Millisecond)

	done := make(chan models.Quote, 1)
	go func() {
		q, err := c.Get(context.Background(), "AMZN")
		assert.NoError(t, err)
		done <- q
	}()

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(f.gates["AMZN"])
	q := <-done
	assert.InDelta(t, 180.0, q.Price, 1e-9)
	assert.Equal(t, 1, f.Calls("AMZN"))
}

func TestPriceCache_ApplyTick(t *testing.T) {
	clk := newFakeClock()
	c := NewPriceCache(newFakeFetcher(), WithClock(clk.Now))

	assert.False(t, c.ApplyTick(models.Tick{Symbol: "AAPL", Price: 183, Time: clk.Now()}))

	c.Put(quote("AAPL", 182.30, 175.50, clk.Now()))
	ok := c.ApplyTick(models.Tick{Symbol: "AAPL", Price: 184.00, Volume: 10, Time: clk.Now().Add(time.Second)})
	require.True(t, ok)

	q, found := c.Peek("AAPL")
	require.True(t, found)
	assert.InDelta(t, 184.00, q.Price, 1e-9)
	assert.InDelta(t, 8.50, q.Change, 1e-9)
	assert.InDelta(t, 4.84, q.ChangePercent, 1e-9)
	assert.InDelta(t, 1010.0, q.Volume, 1e-9)
}

func TestPriceCache_PeekMarksExpiredEntriesStale(t *testing.T) {
	clk := newFakeClock()
	c := NewPriceCache(newFakeFetcher(), WithClock(clk.Now), WithTTL(10*time.Second))
	c.Put(quote("GOOGL", 140, 138, clk.Now()))

	q, ok := c.Peek("GOOGL")
	require.True(t, ok)
	assert.False(t, q.Stale)

	clk.Advance(11 * time.Second)
	q, ok = c.Peek("GOOGL")
	require.True(t, ok)
	assert.True(t, q.Stale)

	_, ok = c.Peek("IBM")
	assert.False(t, ok)
}
