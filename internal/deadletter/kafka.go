package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes dead letter entries to a Kafka topic. The operation
// type is used as the message key so entries of one type land on one
// partition.
type KafkaSink struct {
	writer *kafka.Writer
	mu     sync.RWMutex
	closed bool
}

// KafkaSinkConfig holds producer settings for the Kafka sink.
type KafkaSinkConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int // 0, 1, or -1 (all)
}

// NewKafkaSink creates a Kafka-backed dead letter sink.
func NewKafkaSink(cfg KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("Kafka topic is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  3,
		Async:        false,
	}
	return &KafkaSink{writer: writer}, nil
}

// Publish produces the entry to the topic.
func (s *KafkaSink) Publish(ctx context.Context, entry *Entry) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrSinkClosed
	}
	s.mu.RUnlock()

	if entry == nil {
		return ErrInvalidEntry
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter entry: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(entry.Type),
		Value: data,
		Time:  entry.FailedAt,
		Headers: []kafka.Header{
			{Key: "operation_id", Value: []byte(entry.OperationID)},
			{Key: "attempts", Value: []byte(strconv.Itoa(entry.Attempts))},
		},
	}
	if err := s.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("failed to write dead letter message: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}
