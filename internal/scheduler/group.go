package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chainkit/txbatcher/internal/core"
)

// typeGroup holds the operations of one type within a batch, in
// submission order.
type typeGroup struct {
	opType string
	ops    []*core.Operation
}

// groupByType partitions a batch into same-type groups, preserving
// relative order within each group. Groups come out in first-seen order.
func groupByType(ops []*core.Operation) []typeGroup {
	index := make(map[string]int, len(ops))
	groups := make([]typeGroup, 0, len(ops))
	for _, op := range ops {
		i, ok := index[op.Type]
		if !ok {
			i = len(groups)
			index[op.Type] = i
			groups = append(groups, typeGroup{opType: op.Type})
		}
		groups[i].ops = append(groups[i].ops, op)
	}
	return groups
}

// batchRecorder collects per-operation outcomes for one batch. Dispatch
// goroutines share it, so it carries its own lock.
type batchRecorder struct {
	mu     sync.Mutex
	result core.BatchResult
}

func (r *batchRecorder) ok() {
	r.mu.Lock()
	r.result.Succeeded++
	r.mu.Unlock()
}

func (r *batchRecorder) failed(op *core.Operation, err error) {
	r.mu.Lock()
	r.result.Failed = append(r.result.Failed, core.FailedOperation{
		OperationID: op.ID,
		Type:        op.Type,
		Err:         err,
	})
	r.mu.Unlock()
}

// executeBatch runs one cut batch to completion: every member either
// settles or is requeued for retry before it returns. A panic in the
// batch bookkeeping itself settles all unsettled members with a
// batch-level error, since attribution to one operation is impossible.
func (s *Scheduler) executeBatch(batch *core.Batch) *core.BatchResult {
	rec := &batchRecorder{result: core.BatchResult{BatchID: batch.ID}}
	start := batch.CreatedAt

	func() {
		defer func() {
			if r := recover(); r != nil {
				batchErr := fmt.Errorf("%w: %v", core.ErrBatchFailed, r)
				s.logger.Error("batch-level failure", "batch_id", batch.ID, "panic", r)
				for _, op := range batch.Operations {
					if op.Handle.Settle(nil, batchErr) {
						rec.failed(op, batchErr)
						s.addPermanentFailure()
						s.publishDeadLetter(op, batchErr)
					}
				}
			}
		}()

		var wg sync.WaitGroup
		for _, group := range groupByType(batch.Operations) {
			switch s.cfg.ModeFor(group.opType) {
			case core.ModeSequential:
				// One goroutine walks the group in submission order; a
				// failure does not stop later members.
				wg.Add(1)
				go func(ops []*core.Operation) {
					defer wg.Done()
					for _, op := range ops {
						s.dispatch(op, rec)
					}
				}(group.ops)
			default:
				for _, op := range group.ops {
					wg.Add(1)
					go func(op *core.Operation) {
						defer wg.Done()
						s.dispatch(op, rec)
					}(op)
				}
			}
		}
		wg.Wait()
	}()

	rec.mu.Lock()
	result := rec.result
	rec.mu.Unlock()
	result.Duration = time.Since(start)
	return &result
}

// dispatch performs one executor call for one operation and routes the
// outcome: settle on success, retry coordinator on failure.
func (s *Scheduler) dispatch(op *core.Operation, rec *batchRecorder) {
	if s.limiter != nil {
		// Dispatched operations run to completion and are never forcibly
		// cancelled, so the limiter waits on the background context.
		if err := s.limiter.Wait(context.Background()); err != nil {
			s.handleFailure(op, rec, fmt.Errorf("rate limiter: %w", err))
			return
		}
	}

	out, err := s.callExecutor(op)
	if err != nil {
		s.handleFailure(op, rec, err)
		return
	}

	if op.Handle.Settle(out, nil) {
		s.addSucceeded()
	}
	rec.ok()
}

// callExecutor contains an executor panic as an ordinary failed attempt.
func (s *Scheduler) callExecutor(op *core.Operation) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return s.exec.Execute(context.Background(), op.Payload)
}
