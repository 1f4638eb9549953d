package repository

import (
	"context"

	"github.com/segmentio/kafka-go"

	"MarketPulse/internal/domain/models"
	drepo "MarketPulse/internal/domain/repository"
	pkgkafka "MarketPulse/pkg/kafka"
)

// KafkaPublisher writes records to one topic keyed by symbol; the record
// kind travels in the "kind" header.
type KafkaPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaPublisher(producer *pkgkafka.Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

var _ drepo.Publisher = (*KafkaPublisher)(nil)

func (p *KafkaPublisher) Publish(ctx context.Context, r models.Record) error {
	return p.PublishBatch(ctx, []models.Record{r})
}

func (p *KafkaPublisher) PublishBatch(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, toMessage(r))
	}
	return p.producer.PublishBatch(ctx, p.topic, msgs)
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

func toMessage(r models.Record) pkgkafka.Message {
	return pkgkafka.Message{
		Key:     []byte(r.Symbol),
		Value:   recordEnvelope{Kind: r.Kind, Data: r.Payload(), Indicators: r.Indicators},
		Headers: []kafka.Header{{Key: "kind", Value: []byte(r.Kind)}},
	}
}

type recordEnvelope struct {
	Kind       models.RecordKind    `json:"kind"`
	Data       any                  `json:"data"`
	Indicators *models.IndicatorSet `json:"indicators,omitempty"`
}
