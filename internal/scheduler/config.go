package scheduler

import (
	"fmt"
	"time"

	"github.com/chainkit/txbatcher/internal/core"
)

// Config contains the validated batching parameters the scheduler runs
// with. The public package builds it from the user-facing configuration.
type Config struct {
	// MaxBatchSize is the size threshold that forces an immediate cut.
	MaxBatchSize int

	// BatchTimeout is the soft upper bound on wait time before a forced
	// cut when the queue is non-empty but below MaxBatchSize.
	BatchTimeout time.Duration

	// RetryAttempts bounds retries per operation; total attempts are at
	// most RetryAttempts+1.
	RetryAttempts int

	// RetryDelay is scaled linearly by the attempt number before a failed
	// operation is requeued at the front.
	RetryDelay time.Duration

	// DispatchRate limits executor calls per second across the whole
	// batcher. Zero means unlimited.
	DispatchRate int

	// Modes maps operation types to their execution strategy. Types not
	// present dispatch concurrently.
	Modes map[string]core.ExecutionMode
}

// Validate checks the construction-time invariants.
func (c *Config) Validate() error {
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max batch size must be at least 1, got %d", c.MaxBatchSize)
	}
	if c.BatchTimeout < 0 {
		return fmt.Errorf("batch timeout must be non-negative, got %v", c.BatchTimeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must be non-negative, got %d", c.RetryAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be non-negative, got %v", c.RetryDelay)
	}
	if c.DispatchRate < 0 {
		return fmt.Errorf("dispatch rate must be non-negative, got %d", c.DispatchRate)
	}
	return nil
}

// ModeFor returns the execution strategy for an operation type. Unknown
// types are treated as concurrent-safe.
func (c *Config) ModeFor(opType string) core.ExecutionMode {
	if mode, ok := c.Modes[opType]; ok {
		return mode
	}
	return core.ModeConcurrent
}
