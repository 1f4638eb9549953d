package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketPulse/internal/domain/models"
	"MarketPulse/internal/service/broadcast"
	"MarketPulse/internal/session"
)

type stubQuotes struct {
	quotes map[string]models.Quote
	err    error
}

func (s stubQuotes) Get(_ context.Context, symbol string) (models.Quote, error) {
	if q, ok := s.quotes[symbol]; ok {
		return q, nil
	}
	if s.err != nil {
		return models.Quote{}, s.err
	}
	return models.Quote{}, models.ErrNotFound
}

func (s stubQuotes) Peek(symbol string) (models.Quote, bool) {
	q, ok := s.quotes[symbol]
	return q, ok
}

type stubAnalyzer struct {
	analysis models.Analysis
	err      error
	bars     []models.Bar
	risk     models.RiskAnalysis
}

func (s stubAnalyzer) Risk(context.Context, string) (models.RiskAnalysis, error) {
	return s.risk, s.err
}

func (s stubAnalyzer) Analyze(context.Context, string) (models.Analysis, error) {
	return s.analysis, s.err
}

func (s stubAnalyzer) Bars(_ context.Context, _ string, lookback int) ([]models.Bar, error) {
	if len(s.bars) > lookback {
		return s.bars[len(s.bars)-lookback:], nil
	}
	return s.bars, nil
}

type stubSnapshots struct {
	signals    map[string]models.Signal
	indicators map[string]models.IndicatorSet
}

func (s stubSnapshots) SaveSignal(context.Context, models.Signal, *models.IndicatorSet) error {
	return nil
}

func (s stubSnapshots) LatestSignals(_ context.Context, symbols []string) (map[string]models.Signal, error) {
	out := map[string]models.Signal{}
	for _, sym := range symbols {
		if sig, ok := s.signals[sym]; ok {
			out[sym] = sig
		}
	}
	return out, nil
}

func (s stubSnapshots) LatestIndicators(_ context.Context, symbol string) (models.IndicatorSet, error) {
	if ind, ok := s.indicators[symbol]; ok {
		return ind, nil
	}
	return models.IndicatorSet{}, models.ErrNoData
}

type stubTrades struct {
	got    models.TradeRequest
	closed string
	err    error
}

func (s *stubTrades) ClosePosition(_ context.Context, symbol string) (models.Trade, error) {
	s.closed = symbol
	if s.err != nil {
		return models.Trade{}, s.err
	}
	return models.Trade{ID: "t-2", Symbol: symbol, Side: models.SideSell, Quantity: 10, Price: 160}, nil
}

func (s *stubTrades) Execute(_ context.Context, req models.TradeRequest) (models.Trade, error) {
	s.got = req
	if s.err != nil {
		return models.Trade{}, s.err
	}
	return models.Trade{ID: "t-1", Symbol: strings.ToUpper(req.Symbol), Side: models.Side(req.Side), Quantity: req.Quantity, Price: 100}, nil
}

type stubStats struct{}

func (stubStats) Stats() broadcast.Stats { return broadcast.Stats{Subscribers: 3, Published: 10} }

type stubAdvisor struct{ hints map[string]interface{} }

func (s *stubAdvisor) Chat(_ context.Context, message string, hints map[string]interface{}) (string, error) {
	s.hints = hints
	return "answer: " + message, nil
}

type countingEvents struct{ n int }

func (c *countingEvents) Publish(models.Event) int { c.n++; return 0 }

type fixture struct {
	e       *echo.Echo
	sess    *session.Session
	trades  *stubTrades
	advisor *stubAdvisor
	events  *countingEvents
}

func newFixture(d Deps) *fixture {
	f := &fixture{
		e:       echo.New(),
		sess:    session.New(true, []models.Position{{Symbol: "AAPL", Quantity: 10, AvgPrice: 150}}),
		trades:  &stubTrades{},
		advisor: &stubAdvisor{},
		events:  &countingEvents{},
	}
	if d.Symbols == nil {
		d.Symbols = []string{"AAPL", "MSFT"}
	}
	if d.Quotes == nil {
		d.Quotes = stubQuotes{quotes: map[string]models.Quote{
			"AAPL": models.NewQuote("AAPL", 160, 158, 1000, time.Now(), "test"),
		}}
	}
	if d.Analyzer == nil {
		d.Analyzer = stubAnalyzer{}
	}
	if d.Snapshots == nil {
		d.Snapshots = stubSnapshots{}
	}
	d.Session = f.sess
	if d.Trades == nil {
		d.Trades = f.trades
	}
	d.Events = f.events
	d.Stats = stubStats{}
	d.Advisor = f.advisor
	NewHandler(d).RegisterRoutes(f.e)
	return f
}

type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, method, target, body string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestHandler_Quote(t *testing.T) {
	f := newFixture(Deps{})

	code, env := f.do(t, http.MethodGet, "/api/quotes/aapl", "")
	require.Equal(t, http.StatusOK, code)
	var q models.Quote
	require.NoError(t, json.Unmarshal(env.Data, &q))
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, 160.0, q.Price)

	code, _ = f.do(t, http.MethodGet, "/api/quotes/NOPE", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHandler_QuoteErrorMapping(t *testing.T) {
	cases := map[error]int{
		models.ErrRateLimited:         http.StatusTooManyRequests,
		models.ErrUpstreamUnavailable: http.StatusServiceUnavailable,
		models.ErrTimeout:             http.StatusGatewayTimeout,
		models.ErrNoData:              http.StatusNotFound,
		errors.New("boom"):            http.StatusInternalServerError,
	}
	for err, want := range cases {
		f := newFixture(Deps{Quotes: stubQuotes{err: err}})
		code, _ := f.do(t, http.MethodGet, "/api/quotes/IBM", "")
		assert.Equal(t, want, code, err.Error())
	}
}

func TestHandler_QuotesSkipsUnavailable(t *testing.T) {
	f := newFixture(Deps{})

	code, env := f.do(t, http.MethodGet, "/api/quotes", "")
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Rows  []models.Quote `json:"rows"`
		Total int64          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.EqualValues(t, 1, list.Total)
	assert.Equal(t, "AAPL", list.Rows[0].Symbol)
}

func TestHandler_IndicatorsPreferSnapshot(t *testing.T) {
	f := newFixture(Deps{
		Snapshots: stubSnapshots{indicators: map[string]models.IndicatorSet{"AAPL": {Symbol: "AAPL", RSI: 55}}},
		Analyzer:  stubAnalyzer{err: models.ErrInsufficientHistory},
	})

	code, env := f.do(t, http.MethodGet, "/api/indicators/AAPL", "")
	require.Equal(t, http.StatusOK, code)
	var ind models.IndicatorSet
	require.NoError(t, json.Unmarshal(env.Data, &ind))
	assert.Equal(t, 55.0, ind.RSI)

	code, _ = f.do(t, http.MethodGet, "/api/indicators/TSLA", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestHandler_SignalsSortedBySymbol(t *testing.T) {
	f := newFixture(Deps{Snapshots: stubSnapshots{signals: map[string]models.Signal{
		"MSFT": {Symbol: "MSFT", Action: models.ActionSell},
		"AAPL": {Symbol: "AAPL", Action: models.ActionBuy},
	}}})

	code, env := f.do(t, http.MethodGet, "/api/signals", "")
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Rows []models.Signal `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Rows, 2)
	assert.Equal(t, "AAPL", list.Rows[0].Symbol)
	assert.Equal(t, "MSFT", list.Rows[1].Symbol)
}

func TestHandler_BarsLookbackDefaultAndValidation(t *testing.T) {
	bars := make([]models.Bar, 200)
	f := newFixture(Deps{Analyzer: stubAnalyzer{bars: bars}})

	code, env := f.do(t, http.MethodGet, "/api/bars/AAPL", "")
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.EqualValues(t, 120, list.Total)

	code, _ = f.do(t, http.MethodGet, "/api/bars/AAPL?lookback=5000", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandler_ToggleTrading(t *testing.T) {
	f := newFixture(Deps{})

	code, env := f.do(t, http.MethodPost, "/api/trading/toggle", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"trading_active":false}`, string(env.Data))
	assert.False(t, f.sess.TradingActive())

	code, env = f.do(t, http.MethodPost, "/api/trading/toggle", `{"active":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"trading_active":true}`, string(env.Data))
	assert.Equal(t, 2, f.events.n)
}

func TestHandler_ExecuteTrade(t *testing.T) {
	f := newFixture(Deps{})

	code, _ := f.do(t, http.MethodPost, "/api/trades", `{"symbol":"aapl","side":"buy","quantity":2}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "aapl", f.trades.got.Symbol)

	code, _ = f.do(t, http.MethodPost, "/api/trades", `{"symbol":"aapl","side":"hold","quantity":2}`)
	assert.Equal(t, http.StatusBadRequest, code)

	f = newFixture(Deps{Trades: &stubTrades{err: models.ErrTradingInactive}})
	code, _ = f.do(t, http.MethodPost, "/api/trades", `{"symbol":"aapl","side":"sell","quantity":1}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestHandler_PortfolioAndStats(t *testing.T) {
	f := newFixture(Deps{})

	code, env := f.do(t, http.MethodGet, "/api/portfolio", "")
	require.Equal(t, http.StatusOK, code)
	var snap models.PortfolioSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, 1600.0, snap.TotalValue)

	code, env = f.do(t, http.MethodGet, "/api/ws/stats", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"subscribers":3`)
}

func TestHandler_ChatPassesSymbolContext(t *testing.T) {
	f := newFixture(Deps{Snapshots: stubSnapshots{signals: map[string]models.Signal{
		"AAPL": {Symbol: "AAPL", Action: models.ActionBuy},
	}}})

	code, env := f.do(t, http.MethodPost, "/api/advisory/chat", `{"message":"what now?","symbol":"aapl"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"response":"answer: what now?"`)
	assert.Equal(t, "AAPL", f.advisor.hints["symbol"])
	assert.Contains(t, f.advisor.hints, "quote")
	assert.Contains(t, f.advisor.hints, "signal")

	code, _ = f.do(t, http.MethodPost, "/api/advisory/chat", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandler_HealthDegraded(t *testing.T) {
	f := newFixture(Deps{Checks: map[string]HealthCheck{
		"clickhouse": func(context.Context) error { return nil },
		"redis":      func(context.Context) error { return errors.New("connection refused") },
	}})

	code, env := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	var res healthResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "degraded", res.Status)
	assert.Equal(t, "ok", res.Checks["clickhouse"])
	assert.Equal(t, 3, res.Subscribers)
}

func TestHandler_TradeHistory(t *testing.T) {
	f := newFixture(Deps{})
	for _, price := range []float64{150, 155, 160} {
		_, err := f.sess.ApplyTrade(models.Trade{Symbol: "AAPL", Side: models.SideBuy, Quantity: 1, Price: price})
		require.NoError(t, err)
	}

	code, env := f.do(t, http.MethodGet, "/api/trades?limit=2", "")
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Rows  []models.Trade `json:"rows"`
		Total int64          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.EqualValues(t, 2, list.Total)
	assert.Equal(t, 160.0, list.Rows[0].Price)

	code, _ = f.do(t, http.MethodGet, "/api/trades?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandler_ClosePosition(t *testing.T) {
	f := newFixture(Deps{})
	code, env := f.do(t, http.MethodDelete, "/api/positions/aapl", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "AAPL", f.trades.closed)
	assert.Contains(t, string(env.Data), `"side":"sell"`)

	f = newFixture(Deps{Trades: &stubTrades{err: models.ErrNoPosition}})
	code, _ = f.do(t, http.MethodDelete, "/api/positions/TSLA", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHandler_Risk(t *testing.T) {
	f := newFixture(Deps{Analyzer: stubAnalyzer{risk: models.RiskAnalysis{Symbol: "AAPL", VaR95: -2.1, RiskRating: models.RiskRatingHigh}}})
	code, env := f.do(t, http.MethodGet, "/api/risk/aapl", "")
	require.Equal(t, http.StatusOK, code)
	var r models.RiskAnalysis
	require.NoError(t, json.Unmarshal(env.Data, &r))
	assert.Equal(t, -2.1, r.VaR95)
	assert.Equal(t, models.RiskRatingHigh, r.RiskRating)

	f = newFixture(Deps{Analyzer: stubAnalyzer{err: models.ErrInsufficientHistory}})
	code, _ = f.do(t, http.MethodGet, "/api/risk/AAPL", "")
	assert.Equal(t, http.StatusConflict, code)
}
