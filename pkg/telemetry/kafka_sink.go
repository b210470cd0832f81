package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of kafka.Writer used by the sink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards published events to a Kafka topic, keyed by order id so all events
// of one order land in the same partition.
type KafkaSink struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *Logger
}

// NewKafkaSink creates a sink writing to the configured brokers and topic.
func NewKafkaSink(cfg KafkaConfig, logger *Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaSinkWithWriter(writer, cfg.WriteTimeout, logger), nil
}

// NewKafkaSinkWithWriter creates a sink over an existing writer.
func NewKafkaSinkWithWriter(writer MessageWriter, timeout time.Duration, logger *Logger) *KafkaSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaSink{writer: writer, timeout: timeout, logger: logger}
}

// Write sends one event to Kafka.
func (s *KafkaSink) Write(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	key := event.OrderID
	if key == "" {
		key = event.ID
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	})
}

// Subscriber returns an EventSubscriber writing every delivered event to Kafka.
func (s *KafkaSink) Subscriber() EventSubscriber {
	return func(event Event) {
		if err := s.Write(context.Background(), event); err != nil && s.logger != nil {
			s.logger.WithError(err).WithField("event_id", event.ID).Warn("Failed to write event to kafka")
		}
	}
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
