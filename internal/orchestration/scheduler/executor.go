package scheduler

import "context"

// ToolUseFn observes one tool invocation inside an execution. The
// payload is the executor's own encoding of the call; the scheduler
// stores it verbatim in the audit trail.
type ToolUseFn func(toolName string, payload []byte)

// Request describes one agent invocation.
type Request struct {
	// WorkspacePath is the local checkout the agent works in. Empty when
	// the work item targets no registered repository.
	WorkspacePath string

	// Prompt is the full instruction text, template system prompt
	// included.
	Prompt string

	// SessionID resumes the worker's agent session across executions.
	SessionID string

	// OnPreToolUse and OnPostToolUse, when non-nil, are called around
	// every tool invocation.
	OnPreToolUse  ToolUseFn
	OnPostToolUse ToolUseFn
}

// Result is the outcome of one agent invocation. Failures surface in
// Err, not as a Go error: the executor only fails at the transport
// level when it cannot run the agent at all.
type Result struct {
	SessionID      string
	TokensUsed     int64
	CostUSD        float64
	ToolCallsCount int
	Output         string
	Err            string
}

// Failed reports whether the execution ended in an error.
func (r Result) Failed() bool { return r.Err != "" }

// Executor runs agent invocations. Implementations must honor ctx
// cancellation within a bounded time.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) Result

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) Result {
	return f(ctx, req)
}
