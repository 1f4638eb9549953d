package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	drepo "MarketPulse/internal/domain/repository"
	applogger "MarketPulse/pkg/logger"
)

const systemPrompt = `You are a trading assistant for a market dashboard. You help with market analysis, trading strategy, technical indicators and risk management. Keep answers concise and actionable and remind users that trading involves risk.`

type rule struct {
	keywords []string
	answer   string
}

var rules = []rule{
	{[]string{"rsi", "relative strength"}, "RSI (Relative Strength Index) measures overbought/oversold conditions. Values above 70 suggest overbought, below 30 suggest oversold."},
	{[]string{"macd", "moving average convergence"}, "MACD shows momentum and trend changes. When the MACD line crosses above the signal line it is often bullish."},
	{[]string{"volume", "trading volume"}, "Volume confirms price movements. High volume with a price move suggests strong conviction."},
	{[]string{"risk", "risk management"}, "Always use stop losses, never risk more than 2% per trade, and diversify your portfolio."},
	{[]string{"buy", "sell", "trade"}, "I can help analyze markets, but trading decisions should be based on your own research and risk tolerance."},
}

const defaultAnswer = "I'm here to help with trading analysis and questions. What would you like to know about market indicators, risk management, or trading strategies?"

// RuleBasedAnswer matches message against a fixed keyword table.
func RuleBasedAnswer(message string) string {
	m := strings.ToLower(message)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(m, kw) {
				return r.answer
			}
		}
	}
	return defaultAnswer
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Advisor talks to an OpenAI compatible chat completions endpoint. Without
// an endpoint, or when the call fails, it answers from the keyword table.
type Advisor struct {
	base    *HTTPServiceBase
	model   string
	retries int
	l       *applogger.Logger
}

type Option func(*Advisor)

func WithModel(model string) Option {
	return func(a *Advisor) { a.model = model }
}

func WithRetries(n int) Option {
	return func(a *Advisor) { a.retries = n }
}

func WithLogger(l *applogger.Logger) Option {
	return func(a *Advisor) { a.l = l }
}

// New builds an advisor. An empty baseURL disables the remote model.
func New(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Advisor {
	a := &Advisor{model: "gpt-4o-mini", retries: 2, l: applogger.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	if baseURL != "" {
		var headers map[string]string
		if apiKey != "" {
			headers = map[string]string{"Authorization": "Bearer " + apiKey}
		}
		a.base = NewHTTPServiceBase(baseURL, timeout, headers)
	}
	a.l = a.l.With(applogger.String("component", "advisory"))
	return a
}

var _ drepo.Advisor = (*Advisor)(nil)

func (a *Advisor) Chat(ctx context.Context, message string, hints map[string]interface{}) (string, error) {
	if a.base == nil {
		return RuleBasedAnswer(message), nil
	}

	msgs := []chatMessage{{Role: "system", Content: systemPrompt}}
	if len(hints) > 0 {
		b, err := json.Marshal(hints)
		if err != nil {
			return "", fmt.Errorf("encode chat context: %w", err)
		}
		msgs = append(msgs, chatMessage{Role: "user", Content: "Current trading context: " + string(b)})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: message})

	var resp chatResponse
	err := a.base.PostJSONWithRetry(ctx, "/v1/chat/completions", chatRequest{
		Model:       a.model,
		Messages:    msgs,
		MaxTokens:   500,
		Temperature: 0.7,
	}, &resp, a.retries)
	if err == nil && len(resp.Choices) > 0 {
		if answer := strings.TrimSpace(resp.Choices[0].Message.Content); answer != "" {
			return answer, nil
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	a.l.Warn("chat completion failed, using rule-based answer", applogger.Error(err))
	return RuleBasedAnswer(message), nil
}
