package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecutionStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from    ExecutionStatus
		to      ExecutionStatus
		allowed bool
	}{
		{ExecutionPending, ExecutionRunning, true},
		{ExecutionPending, ExecutionSuccess, true},
		{ExecutionPending, ExecutionError, true},
		{ExecutionPending, ExecutionCancelled, true},
		{ExecutionRunning, ExecutionSuccess, true},
		{ExecutionRunning, ExecutionError, true},
		{ExecutionRunning, ExecutionCancelled, true},
		{ExecutionRunning, ExecutionPending, false},
		{ExecutionSuccess, ExecutionRunning, false},
		{ExecutionError, ExecutionPending, false},
		{ExecutionCancelled, ExecutionRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			require.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestExecution_TransitionTo_StampsTimestamps(t *testing.T) {
	exec := &Execution{
		ID:        "exec-1",
		Status:    ExecutionPending,
		CreatedAt: time.Now(),
	}

	require.NoError(t, exec.TransitionTo(ExecutionRunning))
	require.NotNil(t, exec.StartedAt)
	require.Nil(t, exec.CompletedAt)
	started := *exec.StartedAt

	require.NoError(t, exec.TransitionTo(ExecutionSuccess))
	require.Equal(t, started, *exec.StartedAt, "startedAt stamped once")
	require.NotNil(t, exec.CompletedAt)
	require.NotNil(t, exec.DurationMs)
	require.GreaterOrEqual(t, *exec.DurationMs, int64(0))
}

func TestExecution_TransitionTo_TerminalFromPending(t *testing.T) {
	// An execution cancelled before it ever ran still gets both stamps.
	exec := &Execution{ID: "exec-1", Status: ExecutionPending}

	require.NoError(t, exec.TransitionTo(ExecutionCancelled))
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.CompletedAt)
	require.NotNil(t, exec.DurationMs)
}

func TestExecution_TransitionTo_RejectsBackwards(t *testing.T) {
	exec := &Execution{ID: "exec-1", Status: ExecutionSuccess}

	err := exec.TransitionTo(ExecutionRunning)
	var transErr *InvalidExecutionTransitionError
	require.ErrorAs(t, err, &transErr)
	require.Equal(t, ExecutionSuccess, exec.Status)
}
