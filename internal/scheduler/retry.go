package scheduler

import (
	"time"

	"github.com/chainkit/txbatcher/internal/core"
)

// handleFailure is the retry coordinator. On a failed attempt the retry
// count is incremented; within the budget the operation is requeued at the
// front after a linearly scaled delay, otherwise it settles as a permanent
// failure carrying the attempt count and last error.
func (s *Scheduler) handleFailure(op *core.Operation, rec *batchRecorder, execErr error) {
	rec.failed(op, execErr)
	op.RetryCount++

	if op.RetryCount <= s.cfg.RetryAttempts {
		// Linear scaling by attempt number, not exponential. This cadence
		// is observable behavior and kept as-is.
		delay := s.cfg.RetryDelay * time.Duration(op.RetryCount)
		s.addRetried()
		s.logger.Warn("operation failed, scheduling retry",
			"operation_id", op.ID,
			"type", op.Type,
			"attempt", op.RetryCount,
			"delay", delay,
			"error", execErr)
		time.AfterFunc(delay, func() {
			s.requeueFront(op)
		})
		return
	}

	perm := &core.PermanentFailureError{
		OperationID: op.ID,
		Attempts:    op.RetryCount,
		Err:         execErr,
	}
	if op.Handle.Settle(nil, perm) {
		s.addPermanentFailure()
		s.publishDeadLetter(op, perm)
	}
	s.logger.Error("operation failed permanently",
		"operation_id", op.ID,
		"type", op.Type,
		"attempts", op.RetryCount,
		"error", execErr)
}

// requeueFront returns ownership of a retried operation to the submission
// queue, ahead of all pending work, and re-arms the trigger. If the
// batcher closed in the meantime the operation settles as cancelled.
func (s *Scheduler) requeueFront(op *core.Operation) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if op.Handle.Settle(nil, core.ErrOperationCancelled) {
			s.stats.addCancelled(1)
		}
		return
	}
	s.queue.PushFront(op)
	s.armOrCutLocked()
	s.mu.Unlock()
}
