package finnhub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_StreamsTrades(t *testing.T) {
	subs := make(chan map[string]string, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]string
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subs <- sub
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"trade","data":[{"s":"AAPL","p":184.1,"v":10,"t":1709303400000}]}`))
		// hold until the client goes away
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := New("secret", "ws"+strings.TrimPrefix(srv.URL, "http"), []string{"aapl"})
	require.NoError(t, c.Connect(ctx))
	require.True(t, c.IsConnected())
	require.NoError(t, c.Subscribe(ctx))

	assert.Equal(t, map[string]string{"type": "subscribe", "symbol": "AAPL"}, <-subs)

	ticks, _ := c.Read(ctx)
	select {
	case tk := <-ticks:
		assert.Equal(t, "AAPL", tk.Symbol)
		assert.Equal(t, 184.1, tk.Price)
		assert.Equal(t, 10.0, tk.Volume)
		assert.Equal(t, time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC), tk.Time)
	case <-ctx.Done():
		t.Fatal("no tick received")
	}

	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
}

func TestClient_ReadWithoutConnection(t *testing.T) {
	c := New("k", "ws://127.0.0.1:1", nil)
	ticks, errs := c.Read(context.Background())
	assert.ErrorIs(t, <-errs, errNotConnected)
	_, ok := <-ticks
	assert.False(t, ok)
}
