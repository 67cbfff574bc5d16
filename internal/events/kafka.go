package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of *kafka.Writer the publisher uses.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events to a topic keyed by session id, so one session's
// events stay ordered within a partition.
type Kafka struct {
	writer KafkaWriter
}

// NewKafka creates an asynchronous publisher writing to topic on brokers.
// Delivery failures are logged, never returned to the pipeline.
func NewKafka(brokers []string, topic string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return NewKafkaWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka delivery failed", "topic", topic, "messages", len(msgs), "error", err)
			}
		},
	})
}

// NewKafkaWithWriter wraps an existing writer.
func NewKafkaWithWriter(w KafkaWriter) *Kafka {
	return &Kafka{writer: w}
}

// Publish implements Publisher.
func (k *Kafka) Publish(ctx context.Context, e ChunkEvent) error {
	value, err := e.JSON()
	if err != nil {
		return fmt.Errorf("encode chunk event: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.SessionID),
		Value: value,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(e.Status)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish chunk event %s: %w", e.AttemptID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
