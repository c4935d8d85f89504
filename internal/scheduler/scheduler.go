package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/chainkit/txbatcher/internal/core"
	"github.com/chainkit/txbatcher/internal/deadletter"
)

// triggerState is the batch trigger's lifecycle state.
type triggerState int

const (
	// stateIdle means no timer is armed and no cut is running.
	stateIdle triggerState = iota

	// stateArmed means the batch timeout timer is running.
	stateArmed

	// stateCutting means extraction and execution are in progress.
	stateCutting
)

func (s triggerState) String() string {
	switch s {
	case stateArmed:
		return "armed"
	case stateCutting:
		return "cutting"
	default:
		return "idle"
	}
}

// Scheduler aggregates submitted operations into batches and hands them to
// the executor, preserving per-operation completion semantics. The queue
// and trigger state are guarded by mu; cuts are serialized through a
// single goroutine so only one batch executes at a time.
type Scheduler struct {
	cfg     Config
	exec    core.Executor
	limiter *rate.Limiter
	dlq     deadletter.Sink
	logger  *log.Logger

	mu           sync.Mutex
	queue        opQueue
	state        triggerState
	timer        *time.Timer
	deadline     time.Time
	closed       bool
	flushWaiters []chan struct{}
	batchSeq     uint64

	cutCh  chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	stats counters
}

// New creates a scheduler and starts its cut goroutine. The config must
// already be validated. sink may be nil to disable dead-lettering.
func New(cfg Config, exec core.Executor, sink deadletter.Sink, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	s := &Scheduler{
		cfg:    cfg,
		exec:   exec,
		dlq:    sink,
		logger: logger.With("component", "scheduler"),
		cutCh:  make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if cfg.DispatchRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}
	go s.run()
	return s
}

// Submit admits an operation to the queue and returns its completion
// handle. It never blocks on batch execution: the record is appended to
// the tail and the call returns immediately. Reaching the size threshold
// forces an immediate cut, bypassing any pending timeout wait.
func (s *Scheduler) Submit(opType string, payload any) (*core.Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.ErrBatcherClosed
	}

	op := core.NewOperation(opType, payload)
	s.queue.PushBack(op)
	s.stats.addSubmitted()
	s.armOrCutLocked()
	s.mu.Unlock()

	return op.Handle, nil
}

// armOrCutLocked applies the admission side effects: arm the trigger if
// idle, or force a cut once the size threshold is reached. Callers hold mu.
func (s *Scheduler) armOrCutLocked() {
	if s.queue.Len() >= s.cfg.MaxBatchSize {
		s.stopTimerLocked()
		s.signalCutLocked()
		return
	}
	if s.state == stateIdle {
		s.state = stateArmed
		s.armTimerLocked()
	}
}

func (s *Scheduler) armTimerLocked() {
	s.deadline = time.Now().Add(s.cfg.BatchTimeout)
	s.timer = time.AfterFunc(s.cfg.BatchTimeout, s.onTimeout)
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.deadline = time.Time{}
}

// onTimeout fires when the batch timeout elapses while armed.
func (s *Scheduler) onTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != stateArmed {
		return
	}
	s.signalCutLocked()
}

// signalCutLocked wakes the cut goroutine. The channel is buffered so a
// pending signal coalesces with later ones.
func (s *Scheduler) signalCutLocked() {
	select {
	case s.cutCh <- struct{}{}:
	default:
	}
}

// run is the cut goroutine. It owns batch execution: submissions during a
// cut still enqueue, but no second concurrent cut can start.
func (s *Scheduler) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.cutCh:
			s.cutLoop()
		}
	}
}

// cutLoop extracts and executes batches until the queue no longer calls
// for an immediate cut. After each batch it re-arms the trigger if work
// remains, or goes idle and releases flush waiters.
func (s *Scheduler) cutLoop() {
	for {
		s.mu.Lock()
		if s.queue.Len() == 0 {
			s.state = stateIdle
			s.stopTimerLocked()
			s.releaseFlushWaitersLocked()
			s.mu.Unlock()
			return
		}
		s.state = stateCutting
		s.stopTimerLocked()
		s.batchSeq++
		batch := core.NewBatch(s.batchSeq, s.queue.Cut(s.cfg.MaxBatchSize))
		s.mu.Unlock()

		s.logger.Debug("batch cut", "batch_id", batch.ID, "size", len(batch.Operations))
		result := s.executeBatch(batch)
		s.logger.Info("batch executed",
			"batch_id", result.BatchID,
			"succeeded", result.Succeeded,
			"failed", len(result.Failed),
			"duration", result.Duration)

		s.stats.recordBatch(len(batch.Operations), result.Duration)

		s.mu.Lock()
		if s.queue.Len() == 0 {
			s.state = stateIdle
			s.releaseFlushWaitersLocked()
			s.mu.Unlock()
			return
		}
		// Keep cutting while the threshold is met or a flush is draining.
		if s.queue.Len() >= s.cfg.MaxBatchSize || len(s.flushWaiters) > 0 {
			s.mu.Unlock()
			continue
		}
		s.state = stateArmed
		s.armTimerLocked()
		s.mu.Unlock()
		return
	}
}

func (s *Scheduler) releaseFlushWaitersLocked() {
	for _, ch := range s.flushWaiters {
		close(ch)
	}
	s.flushWaiters = nil
}

// Flush forces an immediate cut of whatever is queued and waits until the
// queue is drained and no cut is running. Usable at any time, including
// during shutdown.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.queue.Len() == 0 && s.state != stateCutting {
		s.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	s.flushWaiters = append(s.flushWaiters, done)
	s.stopTimerLocked()
	s.signalCutLocked()
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear drains the queue and settles every still-queued operation as
// cancelled. An in-flight cut is unaffected: operations already handed to
// the executor run to completion. Returns the number of cancelled
// operations.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	cleared := s.queue.Drain()
	s.stopTimerLocked()
	if s.state == stateArmed {
		s.state = stateIdle
	}
	s.stats.addCancelled(len(cleared))
	s.mu.Unlock()

	for _, op := range cleared {
		op.Handle.Settle(nil, core.ErrOperationCancelled)
	}
	if len(cleared) > 0 {
		s.logger.Info("queue cleared", "cancelled", len(cleared))
	}
	return len(cleared)
}

// Shutdown flushes in-flight work, then disables further admission and
// stops the cut goroutine. Retries that land after shutdown settle as
// cancelled so every admitted operation still settles.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	late := s.queue.Drain()
	s.stopTimerLocked()
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh

	for _, op := range late {
		if op.Handle.Settle(nil, core.ErrOperationCancelled) {
			s.stats.addCancelled(1)
		}
	}
	s.logger.Info("scheduler shut down", "late_cancelled", len(late))
	return nil
}
