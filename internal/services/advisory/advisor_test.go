package advisory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleBasedAnswer(t *testing.T) {
	assert.Contains(t, RuleBasedAnswer("What does RSI mean?"), "overbought")
	assert.Contains(t, RuleBasedAnswer("explain macd"), "signal line")
	assert.Contains(t, RuleBasedAnswer("Is volume important"), "conviction")
	assert.Contains(t, RuleBasedAnswer("how much risk"), "stop losses")
	assert.Contains(t, RuleBasedAnswer("should I buy TSLA"), "own research")
	assert.Equal(t, defaultAnswer, RuleBasedAnswer("hello"))
}

func TestAdvisor_WithoutEndpointUsesRules(t *testing.T) {
	a := New("", "", time.Second)
	answer, err := a.Chat(context.Background(), "rsi?", nil)
	require.NoError(t, err)
	assert.Contains(t, answer, "Relative Strength Index")
}

func TestAdvisor_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		if !assert.Len(t, req.Messages, 3) {
			return
		}
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Contains(t, req.Messages[1].Content, `"symbol":"AAPL"`)
		assert.Equal(t, "thoughts on AAPL?", req.Messages[2].Content)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  Looks extended.  "}}]}`))
	}))
	defer srv.Close()

	a := New(srv.URL, "k", time.Second, WithModel("test-model"))
	answer, err := a.Chat(context.Background(), "thoughts on AAPL?", map[string]interface{}{"symbol": "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, "Looks extended.", answer)
}

func TestAdvisor_FallsBackAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := New(srv.URL, "", time.Second, WithRetries(1))
	answer, err := a.Chat(context.Background(), "tell me about risk", nil)
	require.NoError(t, err)
	assert.Contains(t, answer, "stop losses")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
