package sentiment

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	drepo "MarketPulse/internal/domain/repository"
	"MarketPulse/pkg/cache"
	pkghttp "MarketPulse/pkg/http"
	applogger "MarketPulse/pkg/logger"
)

var (
	positiveWords = []string{"good", "great", "excellent", "positive", "rise", "up", "gain", "profit", "bull", "strong"}
	negativeWords = []string{"bad", "terrible", "negative", "fall", "down", "loss", "bear", "weak", "decline", "crash"}
)

// Polarity scores one piece of text: +0.5 when positive keywords outnumber
// negative ones, -0.5 for the opposite, 0 otherwise.
func Polarity(text string) float64 {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	pos, neg := 0, 0
	for _, kw := range positiveWords {
		if containsPrefix(words, kw) {
			pos++
		}
	}
	for _, kw := range negativeWords {
		if containsPrefix(words, kw) {
			neg++
		}
	}
	switch {
	case pos > neg:
		return 0.5
	case neg > pos:
		return -0.5
	default:
		return 0
	}
}

func containsPrefix(words []string, kw string) bool {
	for _, w := range words {
		if strings.HasPrefix(w, kw) {
			return true
		}
	}
	return false
}

type article struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type everythingResponse struct {
	Status   string    `json:"status"`
	Articles []article `json:"articles"`
}

type cachedScore struct {
	Score    float64 `json:"score"`
	Articles int     `json:"articles"`
}

// NewsClient scores symbols from NewsAPI headlines. Results, including
// "no articles", are cached per symbol.
type NewsClient struct {
	http     *pkghttp.Client
	baseURL  string
	apiKey   string
	pageSize int
	cache    *cache.MemoryCache
	ttl      time.Duration
	retries  uint64
	l        *applogger.Logger
}

type Option func(*NewsClient)

func WithPageSize(n int) Option {
	return func(c *NewsClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(c *NewsClient) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithRetries(n int) Option {
	return func(c *NewsClient) { c.retries = uint64(n) }
}

func WithLogger(l *applogger.Logger) Option {
	return func(c *NewsClient) { c.l = l }
}

func NewNewsClient(httpClient *pkghttp.Client, baseURL, apiKey string, mc *cache.MemoryCache, opts ...Option) *NewsClient {
	c := &NewsClient{
		http:     httpClient,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		pageSize: 10,
		cache:    mc,
		ttl:      15 * time.Minute,
		retries:  2,
		l:        applogger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.l = c.l.With(applogger.String("component", "sentiment"))
	return c
}

var _ drepo.SentimentSource = (*NewsClient)(nil)

// Score averages headline polarity for symbol, rounded to 3 decimals.
func (c *NewsClient) Score(ctx context.Context, symbol string) (float64, bool, error) {
	key := cache.GenerateKey("sentiment", symbol)
	var cached cachedScore
	if err := c.cache.Get(ctx, key, &cached); err == nil {
		return cached.Score, cached.Articles > 0, nil
	}

	articles, err := c.fetch(ctx, symbol)
	if err != nil {
		return 0, false, err
	}

	res := cachedScore{Articles: len(articles)}
	if len(articles) > 0 {
		pols := make([]float64, len(articles))
		for i, a := range articles {
			pols[i] = Polarity(a.Title + " " + a.Description)
		}
		res.Score = decimal.NewFromFloat(stat.Mean(pols, nil)).Round(3).InexactFloat64()
	}
	if err := c.cache.Set(ctx, key, res, c.ttl); err != nil {
		c.l.Warn("cache sentiment", applogger.String("symbol", symbol), applogger.Error(err))
	}
	return res.Score, res.Articles > 0, nil
}

func (c *NewsClient) fetch(ctx context.Context, symbol string) ([]article, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	var resp everythingResponse
	op := func() error {
		resp = everythingResponse{}
		err := c.http.SendAndParse(ctx, &pkghttp.RequestOptions{
			Method:  pkghttp.MethodGet,
			URL:     c.baseURL + "/v2/everything",
			Headers: map[string]string{"X-Api-Key": c.apiKey},
			QueryParams: map[string][]string{
				"q":        {symbol},
				"sortBy":   {"publishedAt"},
				"pageSize": {strconv.Itoa(c.pageSize)},
				"language": {"en"},
			},
		}, &resp)
		if code := pkghttp.StatusCode(err); code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.l.Debug("retry news fetch",
			applogger.String("symbol", symbol),
			applogger.Duration("wait", wait),
			applogger.Error(err),
		)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.retries), ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("news for %s: %w", symbol, err)
	}
	return resp.Articles, nil
}
