package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	applogger "MarketPulse/pkg/logger"
)

var errNotConnected = errors.New("finnhub: not connected")

// Client streams trade prints from the Finnhub websocket API.
type Client struct {
	apiKey       string
	endpoint     string
	symbols      []string
	pingInterval time.Duration
	maxReconnect time.Duration
	dialer       *websocket.Dialer
	l            *applogger.Logger

	mu   sync.RWMutex
	conn *websocket.Conn

	// gorilla allows one concurrent writer
	writeMu sync.Mutex
}

type Option func(*Client)

// WithPingInterval sets how often a ping frame is sent.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithMaxReconnect bounds how long Reconnect keeps trying.
func WithMaxReconnect(d time.Duration) Option {
	return func(c *Client) { c.maxReconnect = d }
}

func WithLogger(l *applogger.Logger) Option {
	return func(c *Client) { c.l = l }
}

func New(apiKey, endpoint string, symbols []string, opts ...Option) *Client {
	c := &Client{
		apiKey:       apiKey,
		endpoint:     endpoint,
		symbols:      symbols,
		pingInterval: 30 * time.Second,
		maxReconnect: 5 * time.Minute,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		l:            applogger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ drepo.TickStream = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("finnhub endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", c.apiKey)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("finnhub connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.l.Info("finnhub connected", applogger.Int("symbols", len(c.symbols)))
	return nil
}

func (c *Client) Subscribe(ctx context.Context) error {
	for _, s := range c.symbols {
		msg := map[string]string{"type": "subscribe", "symbol": strings.ToUpper(s)}
		if err := c.write(ctx, msg); err != nil {
			return fmt.Errorf("subscribe %s: %w", s, err)
		}
	}
	return nil
}

type trade struct {
	S string  `json:"s"`
	P float64 `json:"p"`
	V float64 `json:"v"`
	T int64   `json:"t"` // ms
}

type message struct {
	Type string  `json:"type"`
	Data []trade `json:"data"`
}

// Read streams ticks until the connection fails or ctx ends. The read error,
// if any, is delivered on the error channel; both channels are then closed.
// Ticks are dropped when the consumer falls behind.
func (c *Client) Read(ctx context.Context) (<-chan models.Tick, <-chan error) {
	ticks := make(chan models.Tick, 1024)
	errs := make(chan error, 1)

	conn := c.current()
	if conn == nil {
		errs <- errNotConnected
		close(ticks)
		close(errs)
		return ticks, errs
	}

	readCtx, cancel := context.WithCancel(ctx)
	go c.pingLoop(readCtx)

	go func() {
		defer cancel()
		defer close(ticks)
		defer close(errs)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					errs <- fmt.Errorf("finnhub read: %w", err)
				}
				return
			}
			var m message
			if err := json.Unmarshal(b, &m); err != nil || m.Type != "trade" {
				continue
			}
			for _, d := range m.Data {
				t := models.Tick{Symbol: d.S, Price: d.P, Volume: d.V, Time: time.UnixMilli(d.T).UTC()}
				select {
				case ticks <- t:
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}()

	// unblock ReadMessage on cancel
	go func() {
		<-readCtx.Done()
		if ctx.Err() != nil {
			_ = conn.Close()
		}
	}()
	return ticks, errs
}

// Reconnect replaces the connection, retrying with exponential backoff
// until maxReconnect elapses or ctx ends.
func (c *Client) Reconnect(ctx context.Context) error {
	_ = c.Close()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = c.maxReconnect

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		if err := c.Connect(ctx); err != nil {
			return err
		}
		return c.Subscribe(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		c.l.Warn("finnhub reconnect failed",
			applogger.Int("attempt", attempt),
			applogger.Duration("retry_in", wait),
			applogger.Error(err),
		)
	})
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) IsConnected() bool {
	return c.current() != nil
}

func (c *Client) current() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) write(ctx context.Context, v any) error {
	conn := c.current()
	if conn == nil {
		return errNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(v)
}

func (c *Client) pingLoop(ctx context.Context) {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			conn := c.current()
			if conn == nil {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
