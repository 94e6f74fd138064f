package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"crypto-rate-tracker/internal/storage"
)

// RateEvent is published once per stored sample.
type RateEvent struct {
	RunID      string          `json:"run_id"`
	Symbol     string          `json:"symbol"`
	Rate       decimal.Decimal `json:"rate"`
	ObservedAt int64           `json:"observed_at"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher emits stored batches to a Kafka topic keyed by symbol.
type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration
	logger  zerolog.Logger
}

// NewKafkaPublisher builds a publisher over a kafka-go writer. Messages are
// hashed by symbol so each symbol's events stay ordered within a partition.
func NewKafkaPublisher(brokers []string, topic string, timeout time.Duration, logger zerolog.Logger) *KafkaPublisher {
	return NewWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: timeout,
	}, timeout, logger)
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(writer MessageWriter, timeout time.Duration, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:  writer,
		timeout: timeout,
		logger:  logger.With().Str("component", "publisher").Logger(),
	}
}

// PublishBatch writes one message per sample.
func (k *KafkaPublisher) PublishBatch(ctx context.Context, runID string, samples []storage.RateSample) error {
	if len(samples) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(samples))
	now := time.Now()
	for _, sample := range samples {
		value, err := json.Marshal(RateEvent{
			RunID:      runID,
			Symbol:     sample.Symbol,
			Rate:       sample.Rate,
			ObservedAt: sample.ObservedAt,
			RecordedAt: sample.RecordedAt,
		})
		if err != nil {
			return fmt.Errorf("marshal rate event for %s: %w", sample.Symbol, err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(sample.Symbol),
			Value: value,
			Time:  now,
		})
	}

	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}

	if err := k.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("write kafka messages: %w", err)
	}

	k.logger.Debug().Str("run_id", runID).Int("messages", len(messages)).Msg("batch published")
	return nil
}

// Close flushes and closes the underlying writer.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
