package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerStatus_CountsAgainstCap(t *testing.T) {
	tests := []struct {
		status WorkerStatus
		counts bool
	}{
		{WorkerIdle, true},
		{WorkerWorking, true},
		{WorkerPaused, false},
		{WorkerError, false},
		{WorkerTerminated, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			require.Equal(t, tt.counts, tt.status.CountsAgainstCap())
		})
	}
}

func TestWorker_CanAcceptWork(t *testing.T) {
	w := &Worker{ID: "w-1", Status: WorkerIdle}
	require.True(t, w.CanAcceptWork())

	for _, status := range []WorkerStatus{WorkerWorking, WorkerPaused, WorkerError, WorkerTerminated} {
		w.Status = status
		require.False(t, w.CanAcceptWork(), "status %s should not accept work", status)
	}
}

func TestWorker_HasAssignment(t *testing.T) {
	w := &Worker{ID: "w-1", Status: WorkerWorking}
	require.False(t, w.HasAssignment())

	w.CurrentWorkItemID = "wi-1"
	require.True(t, w.HasAssignment())
}

func TestWorker_ContextExhausted(t *testing.T) {
	w := &Worker{ID: "w-1", ContextWindowLimit: 1000}

	w.ContextWindowUsed = 999
	require.False(t, w.ContextExhausted())

	w.ContextWindowUsed = 1000
	require.True(t, w.ContextExhausted())

	w.ContextWindowUsed = 2000
	require.True(t, w.ContextExhausted())

	// No limit means no exhaustion.
	w.ContextWindowLimit = 0
	require.False(t, w.ContextExhausted())
}
