package core

import (
	"fmt"
	"time"
)

// Batch is a set of operations cut from the queue together. It lives from
// the cut until every contained operation has settled or been requeued.
type Batch struct {
	// ID combines a monotonic sequence number with the creation time.
	ID string

	// Seq is the monotonic batch counter within one batcher.
	Seq uint64

	// Operations holds the cut records in submission order.
	Operations []*Operation

	// CreatedAt is when the batch was cut.
	CreatedAt time.Time
}

// NewBatch cuts a batch from the given records.
func NewBatch(seq uint64, ops []*Operation) *Batch {
	now := time.Now()
	return &Batch{
		ID:         fmt.Sprintf("batch-%d-%d", seq, now.UnixNano()),
		Seq:        seq,
		Operations: ops,
		CreatedAt:  now,
	}
}

// FailedOperation pairs a failed operation with the error that settled or
// requeued it.
type FailedOperation struct {
	OperationID string
	Type        string
	Err         error
}

// BatchResult summarizes one batch execution.
type BatchResult struct {
	BatchID string

	// Succeeded counts operations that settled successfully.
	Succeeded int

	// Failed lists operations whose executor call failed in this batch,
	// whether they were requeued for retry or settled permanently.
	Failed []FailedOperation

	// Duration is the wall time from cut to the settlement or requeue of
	// every member.
	Duration time.Duration
}
