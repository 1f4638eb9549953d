package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketPulse/internal/domain/models"
)

type fakeConn struct {
	mu      sync.Mutex
	msgs    [][]byte
	closed  bool
	started chan struct{}
	gate    chan struct{} // when set, writes wait for it or for ctx
	delay   time.Duration
}

func newFakeConn() *fakeConn {
	return &fakeConn{started: make(chan struct{}, 64)}
}

func (c *fakeConn) Write(ctx context.Context, payload []byte) error {
	c.started <- struct{}{}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, payload)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type envelope struct {
	Type string       `json:"type"`
	Data models.Quote `json:"data"`
}

func decode(t *testing.T, b []byte) envelope {
	t.Helper()
	var w envelope
	require.NoError(t, json.Unmarshal(b, &w))
	return w
}

func types(t *testing.T, msgs [][]byte) []string {
	t.Helper()
	out := make([]string, 0, len(msgs))
	for _, b := range msgs {
		var w struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(b, &w))
		out = append(out, w.Type)
	}
	return out
}

func priceEvent(symbol string, price float64) models.Event {
	q := models.NewQuote(symbol, price, 100, 0, time.Now(), "test")
	return models.NewPriceUpdate(q, time.Now())
}

func TestManager_SlowSubscriberIsEvicted(t *testing.T) {
	m := NewManager(WithWriteTimeout(50 * time.Millisecond))

	c1, c2, c3 := newFakeConn(), newFakeConn(), newFakeConn()
	c2.gate = make(chan struct{})
	for _, c := range []*fakeConn{c1, c2, c3} {
		_, err := m.Connect(c)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, m.Publish(priceEvent("AAPL", 182.30)))

	require.Eventually(t, func() bool {
		return len(c1.Messages()) == 1 && len(c3.Messages()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.Count() == 2 }, time.Second, 5*time.Millisecond)

	assert.True(t, c2.Closed())
	assert.Empty(t, c2.Messages())
	assert.Equal(t, uint64(1), m.Stats().Evicted)
	assert.Equal(t, "price_update", decode(t, c1.Messages()[0]).Type)

	assert.Equal(t, 2, m.Publish(priceEvent("AAPL", 183)))
}

func TestManager_NewerPayloadSupersedesPending(t *testing.T) {
	m := NewManager(WithWriteTimeout(5 * time.Second))
	c := newFakeConn()
	c.gate = make(chan struct{})
	_, err := m.Connect(c)
	require.NoError(t, err)

	m.Publish(priceEvent("AAPL", 1))
	<-c.started // writer holds AAPL@1

	m.Publish(priceEvent("AAPL", 2))
	m.Publish(priceEvent("MSFT", 10))
	m.Publish(priceEvent("AAPL", 3))
	close(c.gate)

	require.Eventually(t, func() bool { return len(c.Messages()) == 3 }, time.Second, 5*time.Millisecond)
	got := c.Messages()
	assert.Equal(t, 1.0, decode(t, got[0]).Data.Price)
	assert.Equal(t, "MSFT", decode(t, got[1]).Data.Symbol)
	assert.Equal(t, "AAPL", decode(t, got[2]).Data.Symbol)
	assert.Equal(t, 3.0, decode(t, got[2]).Data.Price)

	st := m.Stats()
	require.Len(t, st.Details, 1)
	assert.Equal(t, uint64(3), st.Details[0].Delivered)
	assert.Equal(t, uint64(4), st.Details[0].LastSeq) // AAPL@3 went out last
}

func TestManager_KeepsCycleOrderWhenSuperseding(t *testing.T) {
	m := NewManager(WithWriteTimeout(5 * time.Second))
	c := newFakeConn()
	c.gate = make(chan struct{})
	_, err := m.Connect(c)
	require.NoError(t, err)

	m.Publish(priceEvent("MSFT", 10))
	<-c.started // writer holds MSFT

	m.Publish(models.NewPortfolioUpdate(models.PortfolioSnapshot{}, time.Now()))
	m.Publish(priceEvent("AAPL", 180))
	m.Publish(models.NewPortfolioUpdate(models.PortfolioSnapshot{}, time.Now()))
	close(c.gate)

	require.Eventually(t, func() bool { return len(c.Messages()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"price_update", "price_update", "portfolio_update"}, types(t, c.Messages()))
	assert.Equal(t, "AAPL", decode(t, c.Messages()[1]).Data.Symbol)
}

func TestManager_SymbolFilter(t *testing.T) {
	m := NewManager()
	apple, all := newFakeConn(), newFakeConn()
	appleID, err := m.Connect(apple, "aapl")
	require.NoError(t, err)
	_, err = m.Connect(all)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Publish(priceEvent("MSFT", 400)))
	assert.Equal(t, 2, m.Publish(priceEvent("AAPL", 180)))
	assert.Equal(t, 2, m.Publish(models.NewPortfolioUpdate(models.PortfolioSnapshot{}, time.Now())))

	require.NoError(t, m.Subscribe(appleID, []string{"MSFT"}))
	assert.Equal(t, 1, m.Publish(priceEvent("AAPL", 181)))
	assert.Equal(t, 2, m.Publish(priceEvent("MSFT", 401)))

	assert.ErrorIs(t, m.Subscribe("missing", nil), ErrUnknownSubscriber)
}

func TestManager_MaxSubscribers(t *testing.T) {
	m := NewManager(WithMaxSubscribers(1))
	_, err := m.Connect(newFakeConn())
	require.NoError(t, err)
	_, err = m.Connect(newFakeConn())
	assert.ErrorIs(t, err, ErrTooManySubscribers)
}

func TestManager_Disconnect(t *testing.T) {
	m := NewManager()
	c := newFakeConn()
	id, err := m.Connect(c)
	require.NoError(t, err)

	m.Disconnect(id)
	assert.Equal(t, 0, m.Count())
	assert.True(t, c.Closed())
	assert.Equal(t, 0, m.Publish(priceEvent("AAPL", 1)))

	m.Disconnect(id)
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager()
	c1, c2 := newFakeConn(), newFakeConn()
	_, err := m.Connect(c1)
	require.NoError(t, err)
	_, err = m.Connect(c2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.True(t, c1.Closed())
	assert.True(t, c2.Closed())
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 0, m.Publish(priceEvent("AAPL", 1)))

	_, err = m.Connect(newFakeConn())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, m.Shutdown(ctx))
}

func TestManager_ShutdownDrainsAcceptedPayloads(t *testing.T) {
	m := NewManager(WithWriteTimeout(time.Second))
	c := newFakeConn()
	c.delay = 50 * time.Millisecond
	_, err := m.Connect(c)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Publish(priceEvent("AAPL", 1)))
	assert.Equal(t, 1, m.Publish(priceEvent("MSFT", 2)))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Len(t, c.Messages(), 2)
	assert.True(t, c.Closed())
}

func TestManager_ShutdownCutsOffStuckWrite(t *testing.T) {
	m := NewManager(WithWriteTimeout(time.Minute))
	c := newFakeConn()
	c.gate = make(chan struct{})
	defer close(c.gate)
	_, err := m.Connect(c)
	require.NoError(t, err)

	m.Publish(priceEvent("AAPL", 1))
	<-c.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, c.Closed())
}
