package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/chainkit/txbatcher/internal/core"
	"github.com/chainkit/txbatcher/internal/deadletter"
)

// QueueStatus is a read-only snapshot of the submission queue and trigger.
type QueueStatus struct {
	// PendingOperations is the current queue length.
	PendingOperations int

	// CutInProgress reports whether a batch is currently executing.
	CutInProgress bool

	// TriggerState names the trigger state: idle, armed or cutting.
	TriggerState string

	// NextCutIn estimates the time until the next forced cut. Zero when
	// no timer is armed.
	NextCutIn time.Duration
}

// Statistics are cumulative counters over the batcher's lifetime.
type Statistics struct {
	Submitted         uint64
	BatchesCut        uint64
	Succeeded         uint64
	Retried           uint64
	PermanentFailures uint64
	Cancelled         uint64
	DeadLettered      uint64
	LastBatchSize     int
	LastBatchDuration time.Duration
}

// counters backs Statistics. Dispatch goroutines update it outside the
// scheduler mutex, so it carries its own lock.
type counters struct {
	mu                sync.Mutex
	submitted         uint64
	batchesCut        uint64
	succeeded         uint64
	retried           uint64
	permanentFailures uint64
	cancelled         uint64
	deadLettered      uint64
	lastBatchSize     int
	lastBatchDuration time.Duration
}

func (c *counters) addSubmitted() {
	c.mu.Lock()
	c.submitted++
	c.mu.Unlock()
}

func (c *counters) addCancelled(n int) {
	c.mu.Lock()
	c.cancelled += uint64(n)
	c.mu.Unlock()
}

func (c *counters) recordBatch(size int, d time.Duration) {
	c.mu.Lock()
	c.batchesCut++
	c.lastBatchSize = size
	c.lastBatchDuration = d
	c.mu.Unlock()
}

func (s *Scheduler) addSucceeded() {
	s.stats.mu.Lock()
	s.stats.succeeded++
	s.stats.mu.Unlock()
}

func (s *Scheduler) addRetried() {
	s.stats.mu.Lock()
	s.stats.retried++
	s.stats.mu.Unlock()
}

func (s *Scheduler) addPermanentFailure() {
	s.stats.mu.Lock()
	s.stats.permanentFailures++
	s.stats.mu.Unlock()
}

// QueueStatus returns the current queue length, whether a cut is running
// and the estimated time to the next forced cut.
func (s *Scheduler) QueueStatus() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := QueueStatus{
		PendingOperations: s.queue.Len(),
		CutInProgress:     s.state == stateCutting,
		TriggerState:      s.state.String(),
	}
	if !s.deadline.IsZero() {
		if until := time.Until(s.deadline); until > 0 {
			status.NextCutIn = until
		}
	}
	return status
}

// Statistics returns a snapshot of the lifetime counters.
func (s *Scheduler) Statistics() Statistics {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	return Statistics{
		Submitted:         s.stats.submitted,
		BatchesCut:        s.stats.batchesCut,
		Succeeded:         s.stats.succeeded,
		Retried:           s.stats.retried,
		PermanentFailures: s.stats.permanentFailures,
		Cancelled:         s.stats.cancelled,
		DeadLettered:      s.stats.deadLettered,
		LastBatchSize:     s.stats.lastBatchSize,
		LastBatchDuration: s.stats.lastBatchDuration,
	}
}

// publishDeadLetter records a permanently failed operation to the
// configured sink, best-effort. Publish errors are logged, never
// propagated: the operation has already settled.
func (s *Scheduler) publishDeadLetter(op *core.Operation, failure error) {
	if s.dlq == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := &deadletter.Entry{
		OperationID: op.ID,
		Type:        op.Type,
		Payload:     op.Payload,
		Attempts:    op.RetryCount,
		Error:       failure.Error(),
		FailedAt:    time.Now(),
	}
	if err := s.dlq.Publish(ctx, entry); err != nil {
		s.logger.Error("dead letter publish failed", "operation_id", op.ID, "error", err)
		return
	}
	s.stats.mu.Lock()
	s.stats.deadLettered++
	s.stats.mu.Unlock()
}
