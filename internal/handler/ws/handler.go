package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/service/broadcast"
	pkghttp "MarketPulse/pkg/http"
	applogger "MarketPulse/pkg/logger"
)

// Registry is the subscriber side of the broadcast manager.
type Registry interface {
	Connect(conn broadcast.Conn, symbols ...string) (broadcast.SubscriberID, error)
	Disconnect(id broadcast.SubscriberID)
	Subscribe(id broadcast.SubscriberID, symbols []string) error
}

// Handler serves the dashboard socket at /ws.
type Handler struct {
	reg      Registry
	upgrader websocket.Upgrader

	readLimit    int64
	pongTimeout  time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration

	closing atomic.Bool
	l       *applogger.Logger
}

type Option func(*Handler)

func WithReadLimit(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

// WithKeepalive sets the ping cadence and how long to wait for a pong.
func WithKeepalive(ping, pong time.Duration) Option {
	return func(h *Handler) {
		if ping > 0 {
			h.pingInterval = ping
		}
		if pong > 0 {
			h.pongTimeout = pong
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithAllowedOrigins restricts the Origin header. "*" or no origins allows
// any.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) {
		allowed := make(map[string]struct{}, len(origins))
		for _, o := range origins {
			if o == "*" {
				return
			}
			allowed[o] = struct{}{}
		}
		if len(allowed) == 0 {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		}
	}
}

func WithLogger(l *applogger.Logger) Option {
	return func(h *Handler) { h.l = l }
}

func NewHandler(reg Registry, opts ...Option) *Handler {
	h := &Handler{
		reg: reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		readLimit:    4096,
		pongTimeout:  60 * time.Second,
		pingInterval: 30 * time.Second,
		writeTimeout: 2 * time.Second,
		l:            applogger.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.pingInterval >= h.pongTimeout {
		h.pingInterval = h.pongTimeout * 9 / 10
	}
	h.l = h.l.With(applogger.String("component", "ws"))
	return h
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", h.Serve)
}

// StopAccepting rejects new connections with 503. Open ones are left to the
// broadcast manager's shutdown.
func (h *Handler) StopAccepting() {
	h.closing.Store(true)
}

// Serve upgrades the request and runs the connection's read loop until the
// client goes away.
func (h *Handler) Serve(c echo.Context) error {
	if h.closing.Load() {
		return pkghttp.AppErrorResponse(c, pkghttp.ServiceUnavailableError("server is shutting down"))
	}

	sock, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already replied
		h.l.Debug("websocket upgrade failed", applogger.Error(err))
		return nil
	}
	conn := newConn(sock, h.writeTimeout)

	id, err := h.reg.Connect(conn)
	if err != nil {
		msg := "server unavailable"
		if errors.Is(err, broadcast.ErrTooManySubscribers) {
			msg = "server at capacity"
		}
		h.reply(context.Background(), conn, models.NewErrorReply(msg))
		_ = conn.Close()
		return nil
	}
	defer h.reg.Disconnect(id)

	done := make(chan struct{})
	defer close(done)
	go h.keepalive(conn, done)

	h.readLoop(c.Request().Context(), sock, conn, id)
	return nil
}

func (h *Handler) keepalive(conn *Conn, done <-chan struct{}) {
	t := time.NewTicker(h.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.ping(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, sock *websocket.Conn, conn *Conn, id broadcast.SubscriberID) {
	_ = sock.SetReadDeadline(time.Now().Add(h.pongTimeout))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(h.pongTimeout))
	})

	for {
		raw, tooLarge, err := h.readFrame(sock)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.l.Warn("websocket read", applogger.String("subscriber_id", string(id)), applogger.Error(err))
			}
			return
		}
		// any client traffic counts as liveness
		_ = sock.SetReadDeadline(time.Now().Add(h.pongTimeout))
		if tooLarge {
			h.reply(ctx, conn, models.NewErrorReply("message too large"))
			continue
		}
		h.handleClientMessage(ctx, conn, id, raw)
	}
}

// readFrame reads one message of at most readLimit bytes. The rest of a
// longer message is discarded and tooLarge is set.
func (h *Handler) readFrame(sock *websocket.Conn) (raw []byte, tooLarge bool, err error) {
	_, r, err := sock.NextReader()
	if err != nil {
		return nil, false, err
	}
	raw, err = io.ReadAll(io.LimitReader(r, h.readLimit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(raw)) <= h.readLimit {
		return raw, false, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

func (h *Handler) handleClientMessage(ctx context.Context, conn *Conn, id broadcast.SubscriberID, raw []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reply(ctx, conn, models.NewErrorReply("invalid message format"))
		return
	}
	if verrs := pkghttp.Validate(ctx, &msg); len(verrs) > 0 {
		h.reply(ctx, conn, models.NewErrorReply(verrs[0].Message))
		return
	}

	switch msg.Type {
	case models.ClientSubscribe:
		symbols := normalizeSymbols(msg.Symbols)
		if err := h.reg.Subscribe(id, symbols); err != nil {
			h.reply(ctx, conn, models.NewErrorReply("subscription failed"))
			return
		}
		h.reply(ctx, conn, models.NewSubscriptionConfirmed(symbols))
	case models.ClientPing:
		h.reply(ctx, conn, models.NewPong())
	}
}

func (h *Handler) reply(ctx context.Context, conn *Conn, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		h.l.Error("marshal reply", applogger.Error(err))
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, b); err != nil {
		h.l.Debug("write reply", applogger.Error(err))
	}
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
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
	return out
}
