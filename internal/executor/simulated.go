package executor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// SimulatedExecutor fakes a downstream capability with configurable
// latency and failure rate. Used by the demo server and for local
// experiments without a real backend.
type SimulatedExecutor struct {
	latency     time.Duration
	failureRate float64

	mu    sync.Mutex
	rng   *rand.Rand
	calls int
}

// NewSimulatedExecutor creates a simulated executor. failureRate is the
// probability in [0,1] that a call fails.
func NewSimulatedExecutor(latency time.Duration, failureRate float64) *SimulatedExecutor {
	return &SimulatedExecutor{
		latency:     latency,
		failureRate: failureRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute sleeps for the configured latency, then succeeds or fails
// according to the failure rate.
func (e *SimulatedExecutor) Execute(ctx context.Context, payload any) (any, error) {
	if e.latency > 0 {
		select {
		case <-time.After(e.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	e.calls++
	n := e.calls
	fail := e.failureRate > 0 && e.rng.Float64() < e.failureRate
	e.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("simulated executor failure (call %d)", n)
	}
	return map[string]any{"call": n, "payload": payload}, nil
}

// Calls returns how many times Execute has been invoked.
func (e *SimulatedExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
