package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ExecutionMode controls how operations of one type group are dispatched
// to the executor within a batch.
type ExecutionMode int

const (
	// ModeConcurrent dispatches every operation in the group at once.
	// This is the default for unknown types.
	ModeConcurrent ExecutionMode = iota

	// ModeSequential dispatches operations one at a time in submission
	// order. A failure does not stop later operations in the group, but
	// no later operation starts before the earlier one has settled.
	ModeSequential
)

func (m ExecutionMode) String() string {
	if m == ModeSequential {
		return "sequential"
	}
	return "concurrent"
}

// Operation is the unit of tracked work. The submission queue exclusively
// owns an operation until it is handed to a batch; on retry, ownership
// returns to the front of the queue.
type Operation struct {
	// ID uniquely identifies this submission.
	ID string

	// Type is the category tag used for grouping and strategy selection.
	Type string

	// Payload is opaque to the batching layer and handed to the executor as-is.
	Payload any

	// Handle settles exactly once with the operation's final outcome.
	Handle *Handle

	// SubmittedAt is when the operation was admitted to the queue.
	SubmittedAt time.Time

	// RetryCount is the number of failed attempts so far.
	RetryCount int
}

// NewOperation builds an admitted operation with a fresh id and handle.
func NewOperation(opType string, payload any) *Operation {
	return &Operation{
		ID:          uuid.NewString(),
		Type:        opType,
		Payload:     payload,
		Handle:      NewHandle(),
		SubmittedAt: time.Now(),
	}
}

// Executor is the downstream capability that performs one operation.
// Latency and failure behavior are opaque to the batching layer; an
// executor may be called from multiple goroutines at once.
type Executor interface {
	Execute(ctx context.Context, payload any) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, payload any) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, payload any) (any, error) {
	return f(ctx, payload)
}
