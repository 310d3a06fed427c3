package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// MessageHandler processes one message payload.
type MessageHandler interface {
	HandleMessage(ctx context.Context, message []byte) error
}

// PermanentError marks a message that will never succeed, e.g. malformed
// JSON or an unknown partner. It is logged and skipped without retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func permanent(err error) error {
	return &PermanentError{Err: err}
}

// source is the subset of *kafka.Consumer the loop uses.
type source interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	Close() error
}

// ConsumerConfig tunes polling and retries.
type ConsumerConfig struct {
	PollTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// KafkaConsumer routes messages from several topics to their handlers.
type KafkaConsumer struct {
	consumer source
	handlers map[string]MessageHandler
	cfg      ConsumerConfig
	log      *zap.Logger
}

func NewKafkaConsumer(consumer source, handlers map[string]MessageHandler, cfg ConsumerConfig, log *zap.Logger) (*KafkaConsumer, error) {
	if len(handlers) == 0 {
		return nil, errors.New("kafka consumer requires at least one topic handler")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}

	topics := make([]string, 0, len(handlers))
	for topic := range handlers {
		topics = append(topics, topic)
	}
	if err := consumer.SubscribeTopics(topics, nil); err != nil {
		return nil, fmt.Errorf("failed to subscribe to topics: %w", err)
	}
	log.Info("subscribed to kafka topics", zap.Strings("topics", topics))

	return &KafkaConsumer{consumer: consumer, handlers: handlers, cfg: cfg, log: log}, nil
}

// Start polls until ctx is cancelled or the client reports a fatal error.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	timeout := int(c.cfg.PollTimeout / time.Millisecond)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("kafka consumer stopping")
			return ctx.Err()
		default:
			ev := c.consumer.Poll(timeout)
			if ev == nil {
				continue
			}

			switch e := ev.(type) {
			case *kafka.Message:
				c.dispatch(ctx, e)
			case kafka.Error:
				c.log.Error("kafka error", zap.Error(e), zap.Bool("fatal", e.IsFatal()))
				if e.IsFatal() {
					return e
				}
			}
		}
	}
}

func (c *KafkaConsumer) dispatch(ctx context.Context, msg *kafka.Message) {
	topic := ""
	if msg.TopicPartition.Topic != nil {
		topic = *msg.TopicPartition.Topic
	}
	log := c.log.With(
		zap.String("topic", topic),
		zap.Int32("partition", msg.TopicPartition.Partition),
		zap.String("offset", msg.TopicPartition.Offset.String()))

	handler, ok := c.handlers[topic]
	if !ok {
		log.Warn("no handler for topic")
		return
	}

	backoff := c.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := handler.HandleMessage(ctx, msg.Value)
		if err == nil {
			return
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			log.Warn("skipping message", zap.Error(err))
			return
		}
		if attempt >= c.cfg.MaxRetries {
			log.Error("failed to handle message", zap.Int("attempts", attempt+1), zap.Error(err))
			return
		}

		log.Warn("retrying message", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *KafkaConsumer) Close() error {
	return c.consumer.Close()
}
