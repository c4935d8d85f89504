package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes dead letter entries to a Redis list. Entries are
// serialized as JSON and pushed with RPUSH so the list reads in failure
// order.
type RedisSink struct {
	client *redis.Client
	key    string
	mu     sync.RWMutex
	closed bool
}

// RedisSinkConfig holds connection settings for the Redis sink.
type RedisSinkConfig struct {
	Endpoint     string
	Password     string
	DB           int
	Key          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisSink connects to Redis and verifies the connection. Key
// defaults to "txbatcher:deadletter".
func NewRedisSink(cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("redis endpoint is required")
	}
	if cfg.Key == "" {
		cfg.Key = "txbatcher:deadletter"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Endpoint,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSink{client: client, key: cfg.Key}, nil
}

// Publish appends the entry to the configured list.
func (s *RedisSink) Publish(ctx context.Context, entry *Entry) error {
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
	if err := s.client.RPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter entry: %w", err)
	}
	return nil
}

// Length returns the number of recorded entries.
func (s *RedisSink) Length(ctx context.Context) (int64, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrSinkClosed
	}
	s.mu.RUnlock()
	return s.client.LLen(ctx, s.key).Result()
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
