package events

import (
	"context"
	"encoding/json"
	"fmt"

	"referral-engine/internal/conversion"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// producer is the subset of *kafka.Producer the publisher uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// KafkaPublisher publishes conversion notifications keyed by conversion id,
// so every change of one conversion lands on the same partition.
type KafkaPublisher struct {
	producer producer
	topic    string
	log      *zap.Logger
}

func NewKafkaPublisher(p producer, topic string, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic, log: log}
}

// Publish blocks until the broker acknowledges the message or ctx is done.
func (p *KafkaPublisher) Publish(ctx context.Context, n conversion.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	topic := p.topic
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(n.Conversion.ID),
		Value:          payload,
		Headers:        []kafka.Header{{Key: "type", Value: []byte(n.Type)}},
	}

	delivery := make(chan kafka.Event, 1)
	if err := p.producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("failed to produce notification: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %v", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
		}
		p.log.Debug("notification delivered",
			zap.String("type", n.Type),
			zap.String("conversion_id", n.Conversion.ID),
			zap.Int32("partition", m.TopicPartition.Partition))
		return nil
	}
}
