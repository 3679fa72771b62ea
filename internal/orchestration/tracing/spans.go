package tracing

// Span names for the scheduling loop.
const (
	// SpanCycle covers one scheduling pass: retry drain, queue refresh,
	// dispatches, hooks.
	SpanCycle = "scheduler.cycle"

	// SpanExecution covers one agent invocation from dispatch to its
	// terminal bookkeeping. Execution spans are roots linked to the
	// cycle that dispatched them; executions outlive their cycle.
	SpanExecution = "execution.run"
)

// Attribute keys for scheduler spans.
const (
	// Cycle attributes
	AttrCycleNumber     = "cycle.number"
	AttrCycleDispatched = "cycle.dispatched"
	AttrCycleQueued     = "cycle.queued"

	// Work item attributes
	AttrWorkItemID     = "work_item.id"
	AttrWorkItemType   = "work_item.type"
	AttrWorkItemStatus = "work_item.status"
	AttrRepositoryID   = "repository.id"

	// Worker attributes
	AttrWorkerID   = "worker.id"
	AttrWorkerRole = "worker.role"
	AttrTemplateID = "template.id"

	// Execution attributes
	AttrExecutionID = "execution.id"
	AttrTokensUsed  = "execution.tokens_used"
	AttrCostUSD     = "execution.cost_usd"
	AttrToolCalls   = "execution.tool_calls"

	// Error attributes
	AttrErrorCategory = "error.category"
)
