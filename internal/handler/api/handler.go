package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	"MarketPulse/internal/service/broadcast"
	"MarketPulse/internal/session"
	xhttp "MarketPulse/pkg/http"
	xlogger "MarketPulse/pkg/logger"
)

// QuoteCache is the read side of the price cache.
type QuoteCache interface {
	Get(ctx context.Context, symbol string) (models.Quote, error)
	Peek(symbol string) (models.Quote, bool)
}

type SymbolAnalyzer interface {
	Analyze(ctx context.Context, symbol string) (models.Analysis, error)
	Bars(ctx context.Context, symbol string, lookback int) ([]models.Bar, error)
	Risk(ctx context.Context, symbol string) (models.RiskAnalysis, error)
}

type TradeExecutor interface {
	Execute(ctx context.Context, req models.TradeRequest) (models.Trade, error)
	ClosePosition(ctx context.Context, symbol string) (models.Trade, error)
}

type StatsSource interface {
	Stats() broadcast.Stats
}

// HealthCheck reports the state of one dependency.
type HealthCheck func(ctx context.Context) error

// Handler serves the dashboard REST API.
type Handler struct {
	symbols   []string
	quotes    QuoteCache
	analyzer  SymbolAnalyzer
	snapshots drepo.SnapshotStore
	sess      *session.Session
	trades    TradeExecutor
	events    drepo.EventPublisher
	stats     StatsSource
	advisor   drepo.Advisor
	checks    map[string]HealthCheck
	mw        []echo.MiddlewareFunc
	logger    *xlogger.Logger
	now       func() time.Time
}

type Deps struct {
	Symbols   []string
	Quotes    QuoteCache
	Analyzer  SymbolAnalyzer
	Snapshots drepo.SnapshotStore
	Session   *session.Session
	Trades    TradeExecutor
	Events    drepo.EventPublisher
	Stats     StatsSource
	Advisor   drepo.Advisor
	Checks    map[string]HealthCheck
	// Middleware wraps every /api route, e.g. the per-client rate limiter.
	Middleware []echo.MiddlewareFunc
	Logger     *xlogger.Logger
}

func NewHandler(d Deps) *Handler {
	l := d.Logger
	if l == nil {
		l = xlogger.NewNop()
	}
	return &Handler{
		symbols:   d.Symbols,
		quotes:    d.Quotes,
		analyzer:  d.Analyzer,
		snapshots: d.Snapshots,
		sess:      d.Session,
		trades:    d.Trades,
		events:    d.Events,
		stats:     d.Stats,
		advisor:   d.Advisor,
		checks:    d.Checks,
		mw:        d.Middleware,
		logger:    l.With(xlogger.String("component", "api")),
		now:       time.Now,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	g := e.Group("/api", h.mw...)
	g.GET("/quotes", h.Quotes)
	g.GET("/quotes/:symbol", h.Quote)
	g.GET("/bars/:symbol", h.Bars)
	g.GET("/indicators/:symbol", h.Indicators)
	g.GET("/signals", h.Signals)
	g.GET("/signals/:symbol", h.Analyze)
	g.GET("/risk/:symbol", h.Risk)
	g.GET("/portfolio", h.Portfolio)
	g.POST("/trading/toggle", h.ToggleTrading)
	g.GET("/trades", h.Trades)
	g.POST("/trades", h.ExecuteTrade)
	g.DELETE("/positions/:symbol", h.ClosePosition)
	g.GET("/ws/stats", h.WSStats)
	g.POST("/advisory/chat", h.Chat)
}

type healthResponse struct {
	Status         string            `json:"status"`
	Timestamp      time.Time         `json:"timestamp"`
	TrackedSymbols []string          `json:"tracked_symbols"`
	Subscribers    int               `json:"subscribers"`
	TradingActive  bool              `json:"trading_active"`
	Checks         map[string]string `json:"checks,omitempty"`
}

// Health is 200 while every dependency check passes and 503 otherwise.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	res := healthResponse{
		Status:         "healthy",
		Timestamp:      h.now().UTC(),
		TrackedSymbols: h.symbols,
		TradingActive:  h.sess.TradingActive(),
	}
	if h.stats != nil {
		res.Subscribers = h.stats.Stats().Subscribers
	}
	if len(h.checks) > 0 {
		res.Checks = make(map[string]string, len(h.checks))
		for name, check := range h.checks {
			if err := check(ctx); err != nil {
				res.Status = "degraded"
				res.Checks[name] = err.Error()
				continue
			}
			res.Checks[name] = "ok"
		}
	}
	status := http.StatusOK
	if res.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	return xhttp.DataResponse(c, status, res)
}

// Quotes lists the tracked symbols. Symbols that cannot be quoted are left
// out rather than failing the whole list.
func (h *Handler) Quotes(c echo.Context) error {
	ctx := c.Request().Context()
	rows := make([]models.Quote, len(h.symbols))
	found := make([]bool, len(h.symbols))

	var g errgroup.Group
	g.SetLimit(8)
	for i, sym := range h.symbols {
		i, sym := i, sym
		g.Go(func() error {
			q, ok := h.quotes.Peek(sym)
			if !ok {
				var err error
				if q, err = h.quotes.Get(ctx, sym); err != nil {
					h.logger.Warn("quote unavailable", xlogger.String("symbol", sym), xlogger.Error(err))
					return nil
				}
			}
			rows[i], found[i] = q, true
			return nil
		})
	}
	_ = g.Wait()

	out := make([]models.Quote, 0, len(rows))
	for i, q := range rows {
		if found[i] {
			out = append(out, q)
		}
	}
	return xhttp.ListResponse(c, out, int64(len(out)))
}

func (h *Handler) Quote(c echo.Context) error {
	req := &models.SymbolRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	q, err := h.quotes.Get(c.Request().Context(), normalize(req.Symbol))
	if err != nil {
		return h.fail(c, "quote", err)
	}
	return xhttp.SuccessResponse(c, q)
}

func (h *Handler) Bars(c echo.Context) error {
	req := &models.BarsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	bars, err := h.analyzer.Bars(c.Request().Context(), normalize(req.Symbol), req.Lookback)
	if err != nil {
		return h.fail(c, "bars", err)
	}
	return xhttp.ListResponse(c, bars, int64(len(bars)))
}

// Indicators serves the snapshot of the last signal cycle and computes a
// fresh set when there is none yet.
func (h *Handler) Indicators(c echo.Context) error {
	req := &models.SymbolRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx := c.Request().Context()
	symbol := normalize(req.Symbol)

	ind, err := h.snapshots.LatestIndicators(ctx, symbol)
	if err == nil {
		return xhttp.SuccessResponse(c, ind)
	}
	if !errors.Is(err, models.ErrNoData) {
		h.logger.Warn("indicator snapshot lookup", xlogger.String("symbol", symbol), xlogger.Error(err))
	}

	a, err := h.analyzer.Analyze(ctx, symbol)
	if err != nil {
		return h.fail(c, "indicators", err)
	}
	return xhttp.SuccessResponse(c, a.Indicators)
}

// Signals returns the latest stored signal of every tracked symbol.
func (h *Handler) Signals(c echo.Context) error {
	latest, err := h.snapshots.LatestSignals(c.Request().Context(), h.symbols)
	if err != nil {
		return h.fail(c, "signals", err)
	}
	rows := make([]models.Signal, 0, len(latest))
	for _, s := range latest {
		rows = append(rows, s)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

// Analyze runs the full analysis for one symbol on demand.
func (h *Handler) Analyze(c echo.Context) error {
	req := &models.SymbolRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	a, err := h.analyzer.Analyze(c.Request().Context(), normalize(req.Symbol))
	if err != nil {
		return h.fail(c, "analyze", err)
	}
	return xhttp.SuccessResponse(c, a)
}

func (h *Handler) Risk(c echo.Context) error {
	req := &models.SymbolRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	r, err := h.analyzer.Risk(c.Request().Context(), normalize(req.Symbol))
	if err != nil {
		return h.fail(c, "risk", err)
	}
	return xhttp.SuccessResponse(c, r)
}

func (h *Handler) Portfolio(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.sess.MarkToMarket(h.quotes))
}

// ToggleTrading flips the trading flag, or sets it when active is given.
func (h *Handler) ToggleTrading(c echo.Context) error {
	req := &models.ToggleTradingRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	var active bool
	if req.Active != nil {
		active = *req.Active
		h.sess.SetTradingActive(active)
	} else {
		active = h.sess.Toggle()
	}
	h.logger.Info("trading toggled", xlogger.Bool("active", active))

	if h.events != nil {
		h.events.Publish(models.NewPortfolioUpdate(h.sess.MarkToMarket(h.quotes), h.now()))
	}
	return xhttp.SuccessResponse(c, map[string]bool{"trading_active": active})
}

func (h *Handler) ExecuteTrade(c echo.Context) error {
	req := &models.TradeRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	t, err := h.trades.Execute(c.Request().Context(), *req)
	if err != nil {
		return h.fail(c, "trade", err)
	}
	return xhttp.CreatedResponse(c, t)
}

// Trades lists the session's most recent fills, newest first.
func (h *Handler) Trades(c echo.Context) error {
	req := &models.TradesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows := h.sess.Trades(req.Limit)
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *Handler) ClosePosition(c echo.Context) error {
	req := &models.SymbolRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	t, err := h.trades.ClosePosition(c.Request().Context(), normalize(req.Symbol))
	if err != nil {
		return h.fail(c, "close position", err)
	}
	return xhttp.SuccessResponse(c, t)
}

func (h *Handler) WSStats(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.stats.Stats())
}

type chatResponse struct {
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat answers a question, passing the symbol's latest quote and signal to
// the advisor when a symbol is given.
func (h *Handler) Chat(c echo.Context) error {
	req := &models.ChatRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx := c.Request().Context()

	var hints map[string]interface{}
	if req.Symbol != "" {
		symbol := normalize(req.Symbol)
		hints = map[string]interface{}{"symbol": symbol}
		if q, ok := h.quotes.Peek(symbol); ok {
			hints["quote"] = q
		}
		if sigs, err := h.snapshots.LatestSignals(ctx, []string{symbol}); err == nil {
			if s, ok := sigs[symbol]; ok {
				hints["signal"] = s
			}
		}
	}

	answer, err := h.advisor.Chat(ctx, req.Message, hints)
	if err != nil {
		return h.fail(c, "chat", err)
	}
	return xhttp.SuccessResponse(c, chatResponse{Response: answer, Timestamp: h.now().UTC()})
}

func (h *Handler) fail(c echo.Context, op string, err error) error {
	appErr := toAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", xlogger.Error(err))
	} else {
		h.logger.Debug(op+" rejected", xlogger.Error(err))
	}
	return xhttp.AppErrorResponse(c, appErr)
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
