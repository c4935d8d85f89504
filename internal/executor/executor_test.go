package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainkit/txbatcher/internal/core"
)

func TestSimulatedExecutorAlwaysSucceedsAtZeroRate(t *testing.T) {
	exec := NewSimulatedExecutor(0, 0)
	for i := 0; i < 10; i++ {
		result, err := exec.Execute(context.Background(), "payload")
		require.NoError(t, err)
		require.Contains(t, result.(map[string]any), "call")
	}
	require.Equal(t, 10, exec.Calls())
}

func TestSimulatedExecutorAlwaysFailsAtFullRate(t *testing.T) {
	exec := NewSimulatedExecutor(0, 1)
	_, err := exec.Execute(context.Background(), "payload")
	require.Error(t, err)
}

func TestSimulatedExecutorHonorsContextDuringLatency(t *testing.T) {
	exec := NewSimulatedExecutor(10*time.Second, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, "payload")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, exec.Calls(), "cancelled calls must not count")
}

func TestSQLExecutorRejectsForeignPayload(t *testing.T) {
	exec := &SQLExecutor{}
	_, err := exec.Execute(context.Background(), 42)
	require.ErrorIs(t, err, core.ErrInvalidPayload)

	_, err = exec.Execute(context.Background(), Statement{})
	require.ErrorIs(t, err, core.ErrInvalidPayload)
}
