package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"MarketPulse/internal/domain/models"
	domrepo "MarketPulse/internal/domain/repository"
	pkgkafka "MarketPulse/pkg/kafka"
	"MarketPulse/pkg/util"
)

// TradeIngester applies externally executed fills.
type TradeIngester interface {
	Ingest(ctx context.Context, t models.Trade) (models.Trade, error)
}

// KafkaTradesHandler consumes fills published by the external trading
// service.
type KafkaTradesHandler struct {
	topic   string
	trades  TradeIngester
	metrics domrepo.Metrics
}

func NewKafkaTradesHandler(topic string, trades TradeIngester, metrics domrepo.Metrics) *KafkaTradesHandler {
	return &KafkaTradesHandler{topic: topic, trades: trades, metrics: metrics}
}

var _ pkgkafka.MessageHandler = (*KafkaTradesHandler)(nil)

func (h *KafkaTradesHandler) Topic() string { return h.topic }

// fill is the wire format: {id, symbol, side, quantity, price, t}, t in
// unix seconds, unix milliseconds or RFC3339.
type fill struct {
	ID       string          `json:"id"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Quantity float64         `json:"quantity"`
	Price    float64         `json:"price"`
	Fee      float64         `json:"fee"`
	T        json.RawMessage `json:"t"`
}

// Handle returns an error only for failures worth retrying; malformed
// messages are counted and skipped.
func (h *KafkaTradesHandler) Handle(ctx context.Context, b []byte) error {
	var f fill
	if err := json.Unmarshal(b, &f); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return nil
	}

	t := models.Trade{
		ID:       f.ID,
		Symbol:   f.Symbol,
		Side:     models.Side(f.Side),
		Quantity: f.Quantity,
		Price:    f.Price,
		Fee:      f.Fee,
		Source:   TradeSourceExternal,
	}
	if ts, ok := util.ParseTime(string(f.T)); ok {
		t.Timestamp = ts
		h.metrics.RecordLatency("fill_ingest_lag", time.Since(t.Timestamp).Seconds())
	}
	if err := t.Validate(); err != nil {
		h.metrics.RecordError("consumer_invalid")
		return nil
	}

	if _, err := h.trades.Ingest(ctx, t); err != nil {
		h.metrics.RecordError("consumer_ingest")
		return fmt.Errorf("ingest fill %s: %w", t.ID, err)
	}
	return nil
}
