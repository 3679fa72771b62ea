package domain

import (
	"encoding/json"
	"time"
)

// TraceEventType classifies entries in the audit trail.
type TraceEventType string

const (
	TraceAgentState       TraceEventType = "agent-state"
	TraceWorkItemUpdate   TraceEventType = "work-item-update"
	TraceToolCall         TraceEventType = "tool-call"
	TraceMetricUpdate     TraceEventType = "metric-update"
	TraceError            TraceEventType = "error"
	TraceApprovalRequired TraceEventType = "approval-required"
	TraceTemplateAudit    TraceEventType = "template-audit"
)

// IsValid returns true if this is a recognized trace event type.
func (t TraceEventType) IsValid() bool {
	switch t {
	case TraceAgentState, TraceWorkItemUpdate, TraceToolCall,
		TraceMetricUpdate, TraceError, TraceApprovalRequired,
		TraceTemplateAudit:
		return true
	}
	return false
}

// Trace is one append-only audit record. Data carries event-specific
// payload and is stored verbatim.
type Trace struct {
	ID          string          `json:"id"`
	EventType   TraceEventType  `json:"eventType"`
	WorkerID    string          `json:"workerId,omitempty"`
	WorkItemID  string          `json:"workItemId,omitempty"`
	ExecutionID string          `json:"executionId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}
