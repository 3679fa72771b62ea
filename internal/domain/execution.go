package domain

import "time"

// ExecutionStatus represents the state of one execution attempt.
// Valid transitions:
//
//	pending -> running, success, error, cancelled
//	running -> success, error, cancelled
//	success | error | cancelled -> (terminal)
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionError     ExecutionStatus = "error"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

var executionTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	ExecutionPending: {
		ExecutionRunning:   true,
		ExecutionSuccess:   true,
		ExecutionError:     true,
		ExecutionCancelled: true,
	},
	ExecutionRunning: {
		ExecutionSuccess:   true,
		ExecutionError:     true,
		ExecutionCancelled: true,
	},
	// Terminal
	ExecutionSuccess:   {},
	ExecutionError:     {},
	ExecutionCancelled: {},
}

// String returns the string representation of the execution status.
func (s ExecutionStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized execution status.
func (s ExecutionStatus) IsValid() bool {
	_, ok := executionTransitions[s]
	return ok
}

// IsTerminal returns true for success, error, and cancelled.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionError || s == ExecutionCancelled
}

// CanTransitionTo returns true if the status may advance to target.
func (s ExecutionStatus) CanTransitionTo(target ExecutionStatus) bool {
	allowed, ok := executionTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// Execution records one atomic attempt of a (worker, work item, workspace)
// tuple against the agent executor.
type Execution struct {
	ID          string          `json:"id"`
	WorkerID    string          `json:"workerId"`
	WorkItemID  string          `json:"workItemId"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	TemplateID  string          `json:"templateId"`
	Status      ExecutionStatus `json:"status"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  *int64     `json:"durationMs,omitempty"`

	TokensUsed     int64   `json:"tokensUsed"`
	CostUSD        float64 `json:"costUsd"`
	ToolCallsCount int     `json:"toolCallsCount"`

	ErrorMessage string `json:"errorMessage,omitempty"`
	Output       string `json:"output,omitempty"`
}

// TransitionTo advances the execution status, stamping startedAt on the
// first move out of pending and completedAt plus durationMs on any terminal
// status. Statuses only advance; invalid moves are rejected.
func (e *Execution) TransitionTo(target ExecutionStatus) error {
	if !e.Status.CanTransitionTo(target) {
		return &InvalidExecutionTransitionError{ExecutionID: e.ID, From: e.Status, To: target}
	}

	now := time.Now()
	e.Status = target

	if e.StartedAt == nil {
		e.StartedAt = &now
	}
	if target.IsTerminal() {
		e.CompletedAt = &now
		duration := now.Sub(*e.StartedAt).Milliseconds()
		e.DurationMs = &duration
	}
	return nil
}
