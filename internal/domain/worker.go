package domain

import "time"

// DefaultContextWindowLimit is the context budget assigned to new workers
// when the template does not say otherwise.
const DefaultContextWindowLimit = 200_000

// WorkerStatus represents the lifecycle state of a worker.
// Valid transitions, enforced by the pool:
//
//	idle    -> working, paused is not allowed (pause requires working)
//	working -> idle, paused
//	paused  -> working, idle
//	any     -> error, terminated
type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "idle"
	WorkerWorking    WorkerStatus = "working"
	WorkerPaused     WorkerStatus = "paused"
	WorkerError      WorkerStatus = "error"
	WorkerTerminated WorkerStatus = "terminated"
)

// String returns the string representation of the worker status.
func (s WorkerStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized worker status.
func (s WorkerStatus) IsValid() bool {
	switch s {
	case WorkerIdle, WorkerWorking, WorkerPaused, WorkerError, WorkerTerminated:
		return true
	default:
		return false
	}
}

// CountsAgainstCap reports whether a worker in this status occupies a slot
// of the pool's worker cap. Paused, errored, and terminated workers do not.
func (s WorkerStatus) CountsAgainstCap() bool {
	return s == WorkerIdle || s == WorkerWorking
}

// Worker is a live agent handle: one spawned instance of a template with
// session state and a resource budget.
type Worker struct {
	ID         string `json:"id"`
	TemplateID string `json:"templateId"`
	SessionID  string `json:"sessionId"`

	Status            WorkerStatus `json:"status"`
	CurrentWorkItemID string       `json:"currentWorkItemId,omitempty"`
	CurrentRole       Role         `json:"currentRole,omitempty"`

	// Budget
	ContextWindowUsed  int64   `json:"contextWindowUsed"`
	ContextWindowLimit int64   `json:"contextWindowLimit"`
	TokensUsed         int64   `json:"tokensUsed"`
	CostUSD            float64 `json:"costUsd"`
	ToolCallsCount     int     `json:"toolCallsCount"`
	ErrorCount         int     `json:"errorCount"`
	LastError          string  `json:"lastError,omitempty"`

	SpawnedAt    time.Time  `json:"spawnedAt"`
	TerminatedAt *time.Time `json:"terminatedAt,omitempty"`
}

// WorkerMetricsDelta carries increments to a worker's usage counters.
// All fields are deltas, never absolute values.
type WorkerMetricsDelta struct {
	TokensUsed        int64   `json:"tokensUsed"`
	CostUSD           float64 `json:"costUsd"`
	ToolCalls         int     `json:"toolCalls"`
	ContextWindowUsed int64   `json:"contextWindowUsed"`
}

// CanAcceptWork returns true when the worker may be assigned a work item.
func (w *Worker) CanAcceptWork() bool {
	return w.Status == WorkerIdle
}

// HasAssignment returns true if the worker holds a current work item.
func (w *Worker) HasAssignment() bool {
	return w.CurrentWorkItemID != ""
}

// ContextExhausted returns true once the used context window reaches the
// limit. The pool moves such workers to the error state.
func (w *Worker) ContextExhausted() bool {
	return w.ContextWindowLimit > 0 && w.ContextWindowUsed >= w.ContextWindowLimit
}
