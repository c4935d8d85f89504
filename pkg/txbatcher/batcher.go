// Package txbatcher aggregates independently submitted write operations
// into batches before handing them to a downstream executor, preserving
// per-operation completion semantics, bounded retries and a configurable
// concurrency strategy per operation type.
//
// Typical usage:
//
//	batcher, _ := txbatcher.New(txbatcher.DefaultConfig(), exec)
//	defer batcher.Shutdown(ctx)
//
//	handle, _ := batcher.Submit("transfer", payload)
//	result, err := handle.Wait(ctx)
package txbatcher

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/chainkit/txbatcher/internal/core"
	"github.com/chainkit/txbatcher/internal/deadletter"
	"github.com/chainkit/txbatcher/internal/scheduler"
)

// Batcher is the public surface of the batching layer.
type Batcher interface {
	// Submit admits one operation and returns its completion handle. It
	// never blocks on batch execution. opType selects the execution
	// strategy; unknown types dispatch concurrently.
	Submit(opType string, payload any) (Handle, error)

	// Flush forces an immediate cut of whatever is queued and returns
	// once it has drained. Usable at any time, including during shutdown.
	Flush(ctx context.Context) error

	// Clear cancels every still-queued operation and empties the queue.
	// Operations already dispatched run to completion. Returns the number
	// of cancelled operations.
	Clear() int

	// Shutdown flushes in-flight work, then disables further admission.
	Shutdown(ctx context.Context) error

	// QueueStatus reports the pending queue length, whether a cut is in
	// progress, and the estimated time to the next forced cut.
	QueueStatus() QueueStatus

	// Statistics reports cumulative counters.
	Statistics() Statistics
}

// Handle is the one-shot completion handle for a submitted operation.
type Handle interface {
	// Done is closed once the operation has settled.
	Done() <-chan struct{}

	// Result returns the settled outcome; before settlement it returns
	// ErrNotSettled.
	Result() (any, error)

	// Wait blocks until settlement or ctx cancellation.
	Wait(ctx context.Context) (any, error)
}

// Executor is the downstream capability that performs one operation. It
// may fail arbitrarily and may be called from multiple goroutines.
type Executor interface {
	Execute(ctx context.Context, payload any) (any, error)
}

// QueueStatus mirrors the scheduler's queue snapshot.
type QueueStatus = scheduler.QueueStatus

// Statistics mirrors the scheduler's lifetime counters.
type Statistics = scheduler.Statistics

// Errors callers can match with errors.Is / errors.As.
var (
	ErrBatcherClosed      = core.ErrBatcherClosed
	ErrOperationCancelled = core.ErrOperationCancelled
	ErrBatchFailed        = core.ErrBatchFailed
	ErrNotSettled         = core.ErrNotSettled
)

// PermanentFailureError is the terminal error for retry-exhausted
// operations; it carries the attempt count and last executor error.
type PermanentFailureError = core.PermanentFailureError

// Option customizes a batcher beyond its Config.
type Option func(*options)

type options struct {
	logger          *log.Logger
	sequentialTypes []string
}

// WithLogger sets the logger used by the batcher.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSequentialTypes marks additional operation types as
// order-sensitive, on top of the config's OrderSensitiveTypes.
func WithSequentialTypes(types ...string) Option {
	return func(o *options) {
		o.sequentialTypes = append(o.sequentialTypes, types...)
	}
}

type batcherImpl struct {
	sched *scheduler.Scheduler
	sink  deadletter.Sink
}

// New constructs a batcher from a validated config and starts its cut
// goroutine. The returned batcher is an explicitly owned component; there
// is no ambient instance.
func New(cfg *Config, exec Executor, opts ...Option) (Batcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sink, err := buildSink(cfg.DeadLetter)
	if err != nil {
		return nil, err
	}

	modes := make(map[string]core.ExecutionMode)
	for _, t := range cfg.OrderSensitiveTypes {
		modes[t] = core.ModeSequential
	}
	for _, t := range o.sequentialTypes {
		modes[t] = core.ModeSequential
	}

	sched := scheduler.New(scheduler.Config{
		MaxBatchSize:  cfg.MaxBatchSize,
		BatchTimeout:  cfg.BatchTimeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
		DispatchRate:  cfg.DispatchRate,
		Modes:         modes,
	}, exec, sink, o.logger)

	return &batcherImpl{sched: sched, sink: sink}, nil
}

func buildSink(cfg DeadLetterConfig) (deadletter.Sink, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return deadletter.NewMemorySink(), nil
	case "redis":
		return deadletter.NewRedisSink(deadletter.RedisSinkConfig{
			Endpoint:     cfg.Redis.Endpoint,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			Key:          cfg.Redis.Key,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
	case "kafka":
		return deadletter.NewKafkaSink(deadletter.KafkaSinkConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			RequiredAcks: cfg.Kafka.RequiredAcks,
		})
	default:
		return nil, fmt.Errorf("unknown dead letter type %q", cfg.Type)
	}
}

func (b *batcherImpl) Submit(opType string, payload any) (Handle, error) {
	handle, err := b.sched.Submit(opType, payload)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (b *batcherImpl) Flush(ctx context.Context) error {
	return b.sched.Flush(ctx)
}

func (b *batcherImpl) Clear() int {
	return b.sched.Clear()
}

func (b *batcherImpl) Shutdown(ctx context.Context) error {
	if err := b.sched.Shutdown(ctx); err != nil {
		return err
	}
	if b.sink != nil {
		return b.sink.Close()
	}
	return nil
}

func (b *batcherImpl) QueueStatus() QueueStatus {
	return b.sched.QueueStatus()
}

func (b *batcherImpl) Statistics() Statistics {
	return b.sched.Statistics()
}
