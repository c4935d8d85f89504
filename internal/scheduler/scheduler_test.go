package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainkit/txbatcher/internal/core"
	"github.com/chainkit/txbatcher/internal/deadletter"
)

// recordingExecutor records dispatch order and fails scripted payloads a
// configured number of times.
type recordingExecutor struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int
	started  chan struct{} // closed once on first call, if set
	release  chan struct{} // blocks every call until closed, if set
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{failures: make(map[string]int)}
}

func (e *recordingExecutor) failTimes(payload string, n int) {
	e.mu.Lock()
	e.failures[payload] = n
	e.mu.Unlock()
}

func (e *recordingExecutor) Execute(_ context.Context, payload any) (any, error) {
	name := payload.(string)
	e.mu.Lock()
	e.calls = append(e.calls, name)
	first := len(e.calls) == 1
	remaining := e.failures[name]
	if remaining > 0 {
		e.failures[name] = remaining - 1
	}
	started := e.started
	release := e.release
	e.mu.Unlock()

	if started != nil && first {
		close(started)
	}
	if release != nil {
		<-release
	}
	if remaining > 0 {
		return nil, fmt.Errorf("induced failure for %s", name)
	}
	return "ok:" + name, nil
}

func (e *recordingExecutor) callHistory() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

func newTestScheduler(t *testing.T, cfg Config, exec core.Executor) *Scheduler {
	t.Helper()
	require.NoError(t, cfg.Validate())
	s := New(cfg, exec, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func waitSettled(t *testing.T, h *core.Handle) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "handle never settled")
	return value, err
}

func TestSizeThresholdForcesImmediateCut(t *testing.T) {
	exec := newRecordingExecutor()
	s := newTestScheduler(t, Config{
		MaxBatchSize: 3,
		BatchTimeout: 10 * time.Second, // must not be needed
	}, exec)

	start := time.Now()
	var handles []*core.Handle
	for _, name := range []string{"a", "b", "c"} {
		h, err := s.Submit("query", name)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		value, err := waitSettled(t, h)
		require.NoError(t, err)
		require.Contains(t, value, "ok:")
	}

	require.Less(t, time.Since(start), 2*time.Second, "cut waited for the timeout")
	require.Equal(t, uint64(1), s.Statistics().BatchesCut)
}

func TestTimeoutTriggersCutBelowThreshold(t *testing.T) {
	exec := newRecordingExecutor()
	s := newTestScheduler(t, Config{
		MaxBatchSize: 10,
		BatchTimeout: 60 * time.Millisecond,
	}, exec)

	start := time.Now()
	h1, err := s.Submit("query", "a")
	require.NoError(t, err)
	h2, err := s.Submit("query", "b")
	require.NoError(t, err)

	status := s.QueueStatus()
	require.Equal(t, 2, status.PendingOperations)
	require.Equal(t, "armed", status.TriggerState)
	require.Greater(t, status.NextCutIn, time.Duration(0))

	_, err = waitSettled(t, h1)
	require.NoError(t, err)
	_, err = waitSettled(t, h2)
	require.NoError(t, err)

	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond,
		"cut happened before the batch timeout")
	require.Equal(t, uint64(1), s.Statistics().BatchesCut)
}

func TestRetryExhaustionSettlesPermanentFailure(t *testing.T) {
	exec := newRecordingExecutor()
	exec.failTimes("doomed", 100)
	s := newTestScheduler(t, Config{
		MaxBatchSize:  1,
		BatchTimeout:  0,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	}, exec)

	h, err := s.Submit("query", "doomed")
	require.NoError(t, err)

	_, err = waitSettled(t, h)
	var perm *core.PermanentFailureError
	require.ErrorAs(t, err, &perm)
	require.Equal(t, 3, perm.Attempts, "total attempts must be retryAttempts+1")
	require.Equal(t, []string{"doomed", "doomed", "doomed"}, exec.callHistory())

	require.Equal(t, uint64(2), s.Statistics().Retried)
	// Permanent failure accounting happens just after the handle settles.
	require.Eventually(t, func() bool {
		return s.Statistics().PermanentFailures == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	exec := newRecordingExecutor()
	exec.failTimes("flaky", 1)
	s := newTestScheduler(t, Config{
		MaxBatchSize:  1,
		BatchTimeout:  0,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, exec)

	h, err := s.Submit("query", "flaky")
	require.NoError(t, err)

	value, err := waitSettled(t, h)
	require.NoError(t, err)
	require.Equal(t, "ok:flaky", value)
	require.Equal(t, []string{"flaky", "flaky"}, exec.callHistory())

	stats := s.Statistics()
	require.Equal(t, uint64(1), stats.Retried)
	require.Equal(t, uint64(1), stats.Succeeded)
	require.Zero(t, stats.PermanentFailures)
}

func TestRetriedOperationRequeuesAtFront(t *testing.T) {
	exec := newRecordingExecutor()
	exec.failTimes("a", 1)
	s := newTestScheduler(t, Config{
		MaxBatchSize:  2,
		BatchTimeout:  30 * time.Millisecond,
		RetryAttempts: 1,
		RetryDelay:    10 * time.Millisecond,
		// Sequential dispatch makes the executor call order deterministic.
		Modes: map[string]core.ExecutionMode{"transfer": core.ModeSequential},
	}, exec)

	var handles []*core.Handle
	for _, name := range []string{"a", "b", "c"} {
		h, err := s.Submit("transfer", name)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := waitSettled(t, h)
		require.NoError(t, err)
	}

	// First cut takes [a, b]; a fails and is requeued at the front, so the
	// second cut dispatches a again before the older pending c.
	require.Equal(t, []string{"a", "b", "a", "c"}, exec.callHistory())
}

func TestOversizeSubmissionLeavesRemainderQueued(t *testing.T) {
	exec := newRecordingExecutor()
	s := newTestScheduler(t, Config{
		MaxBatchSize: 2,
		BatchTimeout: 30 * time.Millisecond,
		Modes:        map[string]core.ExecutionMode{"transfer": core.ModeSequential},
	}, exec)

	var handles []*core.Handle
	for _, name := range []string{"a", "b", "c"} {
		h, err := s.Submit("transfer", name)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := waitSettled(t, h)
		require.NoError(t, err)
	}

	require.Equal(t, []string{"a", "b", "c"}, exec.callHistory())
	require.Equal(t, uint64(2), s.Statistics().BatchesCut)
}

func TestMixedStrategiesWithinOneBatch(t *testing.T) {
	exec := newRecordingExecutor()
	exec.failTimes("a", 1)
	s := newTestScheduler(t, Config{
		MaxBatchSize:  3,
		BatchTimeout:  50 * time.Millisecond,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
		Modes:         map[string]core.ExecutionMode{"transfer": core.ModeSequential},
	}, exec)

	ha, err := s.Submit("query", "a")
	require.NoError(t, err)
	hb, err := s.Submit("query", "b")
	require.NoError(t, err)
	hc, err := s.Submit("transfer", "c")
	require.NoError(t, err)

	value, err := waitSettled(t, ha)
	require.NoError(t, err, "a must succeed after its retry")
	require.Equal(t, "ok:a", value)
	_, err = waitSettled(t, hb)
	require.NoError(t, err)
	_, err = waitSettled(t, hc)
	require.NoError(t, err)

	history := exec.callHistory()
	require.Len(t, history, 4, "a twice, b and c once")
	require.Equal(t, "a", history[len(history)-1], "retried a runs in a later cut")
}

func TestClearCancelsQueuedOperations(t *testing.T) {
	exec := newRecordingExecutor()
	s := newTestScheduler(t, Config{
		MaxBatchSize: 100,
		BatchTimeout: 10 * time.Second,
	}, exec)

	var handles []*core.Handle
	for i := 0; i < 5; i++ {
		h, err := s.Submit("query", fmt.Sprintf("op-%d", i))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.Equal(t, 5, s.Clear())
	for _, h := range handles {
		_, err := waitSettled(t, h)
		require.ErrorIs(t, err, core.ErrOperationCancelled)
	}
	require.Zero(t, s.QueueStatus().PendingOperations)
	require.Empty(t, exec.callHistory(), "cancelled operations must never dispatch")
	require.Equal(t, uint64(5), s.Statistics().Cancelled)
}

func TestClearLeavesInFlightCutAlone(t *testing.T) {
	exec := newRecordingExecutor()
	exec.started = make(chan struct{})
	exec.release = make(chan struct{})
	s := newTestScheduler(t, Config{
		MaxBatchSize: 1,
		BatchTimeout: 0,
	}, exec)

	inFlight, err := s.Submit("query", "in-flight")
	require.NoError(t, err)
	<-exec.started // executor is now blocked mid-batch

	queued, err := s.Submit("query", "queued")
	require.NoError(t, err)

	require.Equal(t, 1, s.Clear())
	_, err = waitSettled(t, queued)
	require.ErrorIs(t, err, core.ErrOperationCancelled)

	select {
	case <-inFlight.Done():
		t.Fatal("in-flight operation settled by clear")
	default:
	}

	close(exec.release)
	value, err := waitSettled(t, inFlight)
	require.NoError(t, err)
	require.Equal(t, "ok:in-flight", value)
}

func TestFlushForcesCutAndWaits(t *testing.T) {
	exec := newRecordingExecutor()
	s := newTestScheduler(t, Config{
		MaxBatchSize: 100,
		BatchTimeout: 10 * time.Second,
	}, exec)

	var handles []*core.Handle
	for _, name := range []string{"a", "b", "c"} {
		h, err := s.Submit("query", name)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	start := time.Now()
	require.NoError(t, s.Flush(context.Background()))
	require.Less(t, time.Since(start), 2*time.Second)

	for _, h := range handles {
		_, err := h.Result()
		require.NoError(t, err, "flush returned before the batch settled")
	}
	require.Zero(t, s.QueueStatus().PendingOperations)
}

func TestFlushOnEmptyQueueReturnsImmediately(t *testing.T) {
	s := newTestScheduler(t, Config{
		MaxBatchSize: 10,
		BatchTimeout: time.Second,
	}, newRecordingExecutor())

	require.NoError(t, s.Flush(context.Background()))
}

func TestFlushRespectsContext(t *testing.T) {
	exec := newRecordingExecutor()
	exec.started = make(chan struct{})
	exec.release = make(chan struct{})
	s := newTestScheduler(t, Config{
		MaxBatchSize: 1,
		BatchTimeout: 0,
	}, exec)

	_, err := s.Submit("query", "stuck")
	require.NoError(t, err)
	<-exec.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Flush(ctx), context.DeadlineExceeded)

	close(exec.release)
}

func TestSubmitAfterShutdownIsRejected(t *testing.T) {
	exec := newRecordingExecutor()
	s := newTestScheduler(t, Config{
		MaxBatchSize: 10,
		BatchTimeout: time.Millisecond,
	}, exec)

	require.NoError(t, s.Shutdown(context.Background()))
	_, err := s.Submit("query", "late")
	require.ErrorIs(t, err, core.ErrBatcherClosed)
}

func TestShutdownDrainsQueuedWork(t *testing.T) {
	exec := newRecordingExecutor()
	s := newTestScheduler(t, Config{
		MaxBatchSize: 100,
		BatchTimeout: 10 * time.Second,
	}, exec)

	h, err := s.Submit("query", "pending")
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(context.Background()))
	value, err := waitSettled(t, h)
	require.NoError(t, err)
	require.Equal(t, "ok:pending", value)
}

func TestExecutorPanicIsContained(t *testing.T) {
	exec := core.ExecutorFunc(func(context.Context, any) (any, error) {
		panic("executor blew up")
	})
	s := newTestScheduler(t, Config{
		MaxBatchSize:  1,
		BatchTimeout:  0,
		RetryAttempts: 0,
	}, exec)

	h, err := s.Submit("query", "boom")
	require.NoError(t, err)

	_, err = waitSettled(t, h)
	var perm *core.PermanentFailureError
	require.ErrorAs(t, err, &perm)
	require.Contains(t, perm.Error(), "panicked")
}

func TestPermanentFailureGoesToDeadLetter(t *testing.T) {
	exec := newRecordingExecutor()
	exec.failTimes("doomed", 100)
	sink := deadletter.NewMemorySink()
	cfg := Config{
		MaxBatchSize:  1,
		BatchTimeout:  0,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	}
	require.NoError(t, cfg.Validate())
	s := New(cfg, exec, sink, nil)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	h, err := s.Submit("transfer", "doomed")
	require.NoError(t, err)
	_, err = waitSettled(t, h)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return len(sink.Entries()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	entry := sink.Entries()[0]
	require.Equal(t, "transfer", entry.Type)
	require.Equal(t, 2, entry.Attempts)
	require.Contains(t, entry.Error, "induced failure")
	require.Equal(t, uint64(1), s.Statistics().DeadLettered)
}

func TestConcurrentGroupFailureDoesNotBlockOthers(t *testing.T) {
	exec := newRecordingExecutor()
	exec.failTimes("bad", 100)
	s := newTestScheduler(t, Config{
		MaxBatchSize:  3,
		BatchTimeout:  20 * time.Millisecond,
		RetryAttempts: 0,
	}, exec)

	hBad, err := s.Submit("query", "bad")
	require.NoError(t, err)
	hGood1, err := s.Submit("query", "good-1")
	require.NoError(t, err)
	hGood2, err := s.Submit("query", "good-2")
	require.NoError(t, err)

	_, err = waitSettled(t, hBad)
	require.Error(t, err)
	_, err = waitSettled(t, hGood1)
	require.NoError(t, err)
	_, err = waitSettled(t, hGood2)
	require.NoError(t, err)
}

func TestSequentialGroupContinuesAfterFailure(t *testing.T) {
	exec := newRecordingExecutor()
	exec.failTimes("middle", 100)
	s := newTestScheduler(t, Config{
		MaxBatchSize:  3,
		BatchTimeout:  20 * time.Millisecond,
		RetryAttempts: 0,
		Modes:         map[string]core.ExecutionMode{"transfer": core.ModeSequential},
	}, exec)

	hFirst, err := s.Submit("transfer", "first")
	require.NoError(t, err)
	hMiddle, err := s.Submit("transfer", "middle")
	require.NoError(t, err)
	hLast, err := s.Submit("transfer", "last")
	require.NoError(t, err)

	_, err = waitSettled(t, hFirst)
	require.NoError(t, err)
	_, err = waitSettled(t, hMiddle)
	require.Error(t, err)
	_, err = waitSettled(t, hLast)
	require.NoError(t, err, "a failure must not abort later group members")

	require.Equal(t, []string{"first", "middle", "last"}, exec.callHistory())
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{MaxBatchSize: 1}, true},
		{"zero batch size", Config{MaxBatchSize: 0}, false},
		{"negative timeout", Config{MaxBatchSize: 1, BatchTimeout: -time.Second}, false},
		{"negative retries", Config{MaxBatchSize: 1, RetryAttempts: -1}, false},
		{"negative delay", Config{MaxBatchSize: 1, RetryDelay: -time.Second}, false},
		{"negative rate", Config{MaxBatchSize: 1, DispatchRate: -5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestModeForDefaultsToConcurrent(t *testing.T) {
	cfg := Config{
		MaxBatchSize: 1,
		Modes:        map[string]core.ExecutionMode{"transfer": core.ModeSequential},
	}
	require.Equal(t, core.ModeSequential, cfg.ModeFor("transfer"))
	require.Equal(t, core.ModeConcurrent, cfg.ModeFor("unheard-of"))
}

func TestHistoryIsNeverDroppedUnderLoad(t *testing.T) {
	exec := newRecordingExecutor()
	exec.failTimes("flaky-3", 1)
	s := newTestScheduler(t, Config{
		MaxBatchSize:  4,
		BatchTimeout:  5 * time.Millisecond,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
		DispatchRate:  2000,
	}, exec)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Submit("query", fmt.Sprintf("flaky-%d", i))
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = h.Wait(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "operation %d", i)
	}
	stats := s.Statistics()
	require.Equal(t, uint64(20), stats.Submitted)
	require.Equal(t, uint64(20), stats.Succeeded)
	require.Equal(t, uint64(1), stats.Retried)
}

func TestQueueStatusWhileIdle(t *testing.T) {
	s := newTestScheduler(t, Config{
		MaxBatchSize: 10,
		BatchTimeout: time.Second,
	}, newRecordingExecutor())

	status := s.QueueStatus()
	require.Zero(t, status.PendingOperations)
	require.False(t, status.CutInProgress)
	require.Equal(t, "idle", status.TriggerState)
	require.Zero(t, status.NextCutIn)
}

func TestErrorsAreDistinguishable(t *testing.T) {
	require.False(t, errors.Is(core.ErrOperationCancelled, core.ErrBatchFailed))
	require.False(t, errors.Is(core.ErrOperationCancelled, core.ErrBatcherClosed))
}
