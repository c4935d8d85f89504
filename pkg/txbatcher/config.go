package txbatcher

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a batcher. All values are
// validated at construction.
type Config struct {
	// MaxBatchSize is the queue length that forces an immediate cut.
	// Must be at least 1.
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`

	// BatchTimeout is how long the first queued operation may wait before
	// a cut is forced even below MaxBatchSize.
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`

	// RetryAttempts is the maximum number of retries per operation. An
	// operation is attempted at most RetryAttempts+1 times.
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`

	// RetryDelay is the base delay before a retry; the actual delay is
	// RetryDelay multiplied by the attempt number.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// OrderSensitiveTypes lists operation types that must dispatch
	// strictly one at a time in submission order. All other types
	// dispatch concurrently within a batch.
	OrderSensitiveTypes []string `yaml:"order_sensitive_types,omitempty" json:"order_sensitive_types,omitempty"`

	// DispatchRate caps executor calls per second across the batcher.
	// Zero means unlimited.
	DispatchRate int `yaml:"dispatch_rate,omitempty" json:"dispatch_rate,omitempty"`

	// DeadLetter configures where permanently failed operations are
	// recorded.
	DeadLetter DeadLetterConfig `yaml:"dead_letter,omitempty" json:"dead_letter,omitempty"`
}

// DeadLetterConfig selects and configures the dead letter sink.
type DeadLetterConfig struct {
	// Type is one of "none", "memory", "redis" or "kafka".
	// Defaults to "none".
	Type string `yaml:"type" json:"type"`

	// Redis is used when Type is "redis".
	Redis RedisDeadLetterConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	// Kafka is used when Type is "kafka".
	Kafka KafkaDeadLetterConfig `yaml:"kafka,omitempty" json:"kafka,omitempty"`
}

// RedisDeadLetterConfig configures the Redis-list dead letter sink.
type RedisDeadLetterConfig struct {
	Endpoint     string        `yaml:"endpoint" json:"endpoint"`
	Password     string        `yaml:"password,omitempty" json:"password,omitempty"`
	DB           int           `yaml:"db,omitempty" json:"db,omitempty"`
	Key          string        `yaml:"key,omitempty" json:"key,omitempty"`
	DialTimeout  time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`
}

// KafkaDeadLetterConfig configures the Kafka dead letter sink.
type KafkaDeadLetterConfig struct {
	Brokers      []string      `yaml:"brokers" json:"brokers"`
	Topic        string        `yaml:"topic" json:"topic"`
	BatchSize    int           `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	BatchTimeout time.Duration `yaml:"batch_timeout,omitempty" json:"batch_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`
	RequiredAcks int           `yaml:"required_acks,omitempty" json:"required_acks,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxBatchSize:  50,
		BatchTimeout:  100 * time.Millisecond,
		RetryAttempts: 3,
		RetryDelay:    500 * time.Millisecond,
		DeadLetter: DeadLetterConfig{
			Type: "none",
		},
	}
}

// Validate checks all construction-time invariants.
func (c *Config) Validate() error {
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be at least 1, got %d", c.MaxBatchSize)
	}
	if c.BatchTimeout < 0 {
		return fmt.Errorf("batch_timeout must be non-negative, got %v", c.BatchTimeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be non-negative, got %d", c.RetryAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must be non-negative, got %v", c.RetryDelay)
	}
	if c.DispatchRate < 0 {
		return fmt.Errorf("dispatch_rate must be non-negative, got %d", c.DispatchRate)
	}

	switch c.DeadLetter.Type {
	case "", "none", "memory":
	case "redis":
		if c.DeadLetter.Redis.Endpoint == "" {
			return fmt.Errorf("dead_letter.redis.endpoint is required for redis dead letter")
		}
	case "kafka":
		if len(c.DeadLetter.Kafka.Brokers) == 0 {
			return fmt.Errorf("dead_letter.kafka.brokers is required for kafka dead letter")
		}
		if c.DeadLetter.Kafka.Topic == "" {
			return fmt.Errorf("dead_letter.kafka.topic is required for kafka dead letter")
		}
	default:
		return fmt.Errorf("unknown dead letter type %q", c.DeadLetter.Type)
	}
	return nil
}

// LoadConfigFile reads a YAML config file over the defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
