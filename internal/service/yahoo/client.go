package yahoo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	pkghttp "MarketPulse/pkg/http"
)

const Source = "yahoo_finance"

// Client reads quotes and daily or intraday bars from the Yahoo Finance
// chart API. All calls share one rate limiter.
type Client struct {
	http     *pkghttp.Client
	baseURL  string
	interval drepo.Interval
	limiter  *rate.Limiter
	now      func() time.Time
}

type Option func(*Client)

// WithRateLimit caps upstream calls per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithInterval sets the bar interval FetchBars requests.
func WithInterval(iv drepo.Interval) Option {
	return func(c *Client) { c.interval = iv }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(httpClient *pkghttp.Client, baseURL string, opts ...Option) *Client {
	c := &Client{
		http:     httpClient,
		baseURL:  strings.TrimRight(baseURL, "/"),
		interval: drepo.DefaultInterval(),
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ drepo.MarketData = (*Client)(nil)

// FetchQuote prices symbol at its latest daily close against the close
// before it.
func (c *Client) FetchQuote(ctx context.Context, symbol string) (models.Quote, error) {
	symbol = strings.ToUpper(symbol)
	res, err := c.chart(ctx, symbol, drepo.Interval1d, "5d")
	if err != nil {
		return models.Quote{}, err
	}
	bars := res.bars()
	if len(bars) < 2 {
		return models.Quote{}, fmt.Errorf("quote %s: %d daily closes: %w", symbol, len(bars), models.ErrNotFound)
	}
	last, prev := bars[len(bars)-1], bars[len(bars)-2]
	return models.NewQuote(symbol, last.Close, prev.Close, last.Volume, c.now().UTC(), Source), nil
}

// FetchBars returns up to lookback bars, oldest first.
func (c *Client) FetchBars(ctx context.Context, symbol string, lookback int) ([]models.Bar, error) {
	res, err := c.chart(ctx, symbol, c.interval, c.interval.Range(lookback))
	if err != nil {
		return nil, err
	}
	bars := res.bars()
	if len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	return bars, nil
}

func (c *Client) chart(ctx context.Context, symbol string, iv drepo.Interval, rng string) (*chartResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", symbol, models.ErrRateLimited, err)
	}

	var resp chartResponse
	err := c.http.SendAndParse(ctx, &pkghttp.RequestOptions{
		Method: pkghttp.MethodGet,
		URL:    c.baseURL + "/v8/finance/chart/" + url.PathEscape(strings.ToUpper(symbol)),
		QueryParams: map[string][]string{
			"interval": {string(iv)},
			"range":    {rng},
		},
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", symbol, classify(err))
	}
	if len(resp.Chart.Result) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, models.ErrNotFound)
	}
	return &resp.Chart.Result[0], nil
}

// classify maps transport and status failures onto the domain errors.
func classify(err error) error {
	switch pkghttp.StatusCode(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", models.ErrNotFound, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", models.ErrRateLimited, err)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %w", models.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
}

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
	} `json:"chart"`
}

type chartResult struct {
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*float64 `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

// bars drops intervals without a close, which Yahoo reports as null.
func (r *chartResult) bars() []models.Bar {
	if len(r.Indicators.Quote) == 0 {
		return nil
	}
	q := r.Indicators.Quote[0]
	out := make([]models.Bar, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		cl := at(q.Close, i)
		if cl == nil || *cl <= 0 {
			continue
		}
		out = append(out, models.Bar{
			Time:   time.Unix(ts, 0).UTC(),
			Open:   value(at(q.Open, i), *cl),
			High:   value(at(q.High, i), *cl),
			Low:    value(at(q.Low, i), *cl),
			Close:  *cl,
			Volume: value(at(q.Volume, i), 0),
		})
	}
	return out
}

func at(xs []*float64, i int) *float64 {
	if i < len(xs) {
		return xs[i]
	}
	return nil
}

func value(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
