package core

import (
	"errors"
	"fmt"
)

var (
	// ErrBatcherClosed is returned when submitting to a batcher that has
	// been shut down.
	ErrBatcherClosed = errors.New("batcher is closed")

	// ErrOperationCancelled settles operations that were still queued when
	// the queue was cleared or the batcher shut down. It is distinct from
	// any executor failure.
	ErrOperationCancelled = errors.New("operation cancelled before execution")

	// ErrBatchFailed marks a failure not attributable to one specific
	// operation; every operation in the affected batch settles with it.
	ErrBatchFailed = errors.New("batch execution failed")

	// ErrNotSettled is returned by Handle.Result before settlement.
	ErrNotSettled = errors.New("operation has not settled yet")

	// ErrInvalidPayload is returned by executors handed a payload of an
	// unexpected type.
	ErrInvalidPayload = errors.New("invalid payload for executor")
)

// PermanentFailureError settles an operation whose retries are exhausted.
// It carries the total attempt count and the last executor error.
type PermanentFailureError struct {
	OperationID string
	Attempts    int
	Err         error
}

func (e *PermanentFailureError) Error() string {
	return fmt.Sprintf("operation %s failed permanently after %d attempts: %v", e.OperationID, e.Attempts, e.Err)
}

func (e *PermanentFailureError) Unwrap() error {
	return e.Err
}
