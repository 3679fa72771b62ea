package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
	"github.com/zjrosen/gaffer/internal/orchestration/queue"
	"github.com/zjrosen/gaffer/internal/orchestration/retry"
	"github.com/zjrosen/gaffer/internal/orchestration/tracing"
)

// runCycle performs one scheduling pass: drain due retries, refresh the
// queue, dispatch as many queued items as the gates admit, then run the
// status-change hooks.
func (o *Orchestrator) runCycle(ctx context.Context) error {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := o.tracer.Start(ctx, tracing.SpanCycle)
	defer span.End()

	for _, rc := range o.deps.Retry.ReadyRetries() {
		if err := o.deps.Queue.RefreshItem(ctx, rc.WorkItemID); err != nil {
			log.ErrorErr(log.CatOrch, "retry re-insert failed", err, "workItem", rc.WorkItemID)
		}
	}

	if err := o.deps.Queue.RefreshQueue(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Bounded by the refreshed length: entries requeued during this pass
	// wait for the next cycle.
	dispatched := 0
	for range o.deps.Queue.Len() {
		entry, ok := o.deps.Queue.Next()
		if !ok {
			break
		}
		if o.dispatch(ctx, entry) {
			dispatched++
		}
	}

	o.mu.Lock()
	o.cycleCount++
	o.lastCycleAt = time.Now()
	count := o.cycleCount
	o.mu.Unlock()

	span.SetAttributes(
		attribute.Int64(tracing.AttrCycleNumber, count),
		attribute.Int(tracing.AttrCycleDispatched, dispatched),
		attribute.Int(tracing.AttrCycleQueued, o.deps.Queue.Len()),
	)

	log.Debug(log.CatOrch, "cycle complete",
		"cycle", count, "dispatched", dispatched, "queued", o.deps.Queue.Len())

	o.hooks.runStatusChangeHooks(o.Status())
	return nil
}

// dispatch routes one popped entry: admission, worker selection, veto
// hooks, bookkeeping, then the background launch. Returns true when an
// execution was launched.
func (o *Orchestrator) dispatch(ctx context.Context, entry *queue.QueuedItem) bool {
	item := entry.Item

	// Escalated items stay visible in the store but are never picked up
	// again; a due retry re-inserts items waiting on their backoff.
	if o.deps.Retry.IsEscalated(item.ID) {
		log.Debug(log.CatOrch, "skipping escalated item", "workItem", item.ID)
		return false
	}
	if o.deps.Retry.HasPending(item.ID) {
		return false
	}

	role := domain.RoleForStatus(item.Status)
	if !role.IsValid() {
		log.Warn(log.CatOrch, "no role for item status",
			"workItem", item.ID, "status", string(item.Status))
		return false
	}

	if d := o.deps.Limits.CanStartExecution(item); !d.Allowed {
		o.deps.Queue.Requeue(entry, d.Reason)
		return false
	}

	worker, err := o.deps.Assign.FindBestWorker(ctx, item, role)
	if err != nil {
		log.ErrorErr(log.CatOrch, "worker selection failed", err, "workItem", item.ID)
		o.deps.Queue.Requeue(entry, "worker selection failed: "+err.Error())
		return false
	}
	if worker == nil {
		worker = o.autoSpawnFor(item, role)
	}
	if worker == nil {
		o.deps.Queue.Requeue(entry, "no available worker")
		return false
	}

	if !o.hooks.runPreExecutionHooks(item, worker) {
		o.deps.Queue.Requeue(entry, "vetoed by pre-execution hook")
		return false
	}

	exec := &domain.Execution{
		ID:         uuid.NewString(),
		WorkerID:   worker.ID,
		WorkItemID: item.ID,
		TemplateID: worker.TemplateID,
		Status:     domain.ExecutionPending,
	}
	if err := o.deps.Executions.Create(exec); err != nil {
		log.ErrorErr(log.CatOrch, "execution create failed", err, "workItem", item.ID)
		o.deps.Queue.Requeue(entry, "execution create failed: "+err.Error())
		return false
	}

	if err := o.deps.Pool.AssignWork(worker.ID, item.ID, role); err != nil {
		log.ErrorErr(log.CatOrch, "assign failed", err, "workItem", item.ID, "worker", worker.ID)
		o.abortDispatch(exec, worker.ID, false)
		o.deps.Queue.Requeue(entry, "assign failed: "+err.Error())
		return false
	}
	if err := o.deps.Progress.MarkStarted(ctx, item.ID, worker.ID, exec.ID); err != nil {
		log.ErrorErr(log.CatOrch, "start transition failed", err, "workItem", item.ID)
		o.abortDispatch(exec, worker.ID, true)
		o.deps.Queue.Requeue(entry, "start transition failed: "+err.Error())
		return false
	}
	if err := o.deps.Limits.RegisterStart(item, worker.ID); err != nil {
		log.ErrorErr(log.CatOrch, "start registration failed", err, "workItem", item.ID)
		o.abortDispatch(exec, worker.ID, true)
		o.revertToReady(item.ID)
		o.deps.Queue.Requeue(entry, "start registration failed: "+err.Error())
		return false
	}

	o.launch(trace.SpanContextFromContext(ctx), entry, worker, role, exec)
	return true
}

// abortDispatch unwinds a half-finished dispatch: the execution row is
// cancelled and, when release is set, the worker is freed again.
func (o *Orchestrator) abortDispatch(exec *domain.Execution, workerID string, release bool) {
	if err := exec.TransitionTo(domain.ExecutionCancelled); err == nil {
		if err := o.deps.Executions.Update(exec); err != nil {
			log.ErrorErr(log.CatOrch, "execution cancel write failed", err, "execution", exec.ID)
		}
	}
	if release {
		if err := o.deps.Pool.CompleteWork(workerID); err != nil {
			log.ErrorErr(log.CatOrch, "worker release failed", err, "worker", workerID)
		}
	}
}

// autoSpawnFor spawns a worker from the first registered template whose
// role and capability match the item. Returns nil when auto-spawn is
// off, the pool is full, or no template fits.
func (o *Orchestrator) autoSpawnFor(item *domain.WorkItem, role domain.Role) *domain.Worker {
	if !o.autoSpawnEnabled() {
		return nil
	}
	ok, err := o.deps.Pool.CanSpawnMore()
	if err != nil || !ok {
		return nil
	}

	templates, err := o.deps.Registry.FindByRole(role)
	if err != nil {
		log.ErrorErr(log.CatOrch, "template lookup failed", err, "role", string(role))
		return nil
	}
	for _, tpl := range templates {
		if !tpl.AllowsWorkItemType(item.Type) {
			continue
		}
		w, err := o.deps.Pool.Spawn(tpl.ID, "")
		if err != nil {
			log.ErrorErr(log.CatOrch, "auto-spawn failed", err, "template", tpl.ID)
			return nil
		}
		log.Info(log.CatOrch, "worker auto-spawned",
			"worker", w.ID, "template", tpl.Name, "workItem", item.ID)
		return w
	}
	return nil
}

// launch runs the execution in a goroutine holding its own cancel
// function. The loop context is deliberately not the parent: executions
// outlive the cycle and are cancelled through Stop. The cycle's span
// context rides along only as a link on the execution span.
func (o *Orchestrator) launch(cycleSpan trace.SpanContext, entry *queue.QueuedItem, worker *domain.Worker, role domain.Role, exec *domain.Execution) {
	execCtx, cancel := context.WithCancel(context.Background())

	o.execMu.Lock()
	o.inflight[exec.ID] = cancel
	o.execMu.Unlock()

	o.execWg.Add(1)
	go func() {
		defer o.execWg.Done()
		defer func() {
			o.execMu.Lock()
			delete(o.inflight, exec.ID)
			o.execMu.Unlock()
			cancel()
		}()
		o.execute(execCtx, cycleSpan, entry, worker, role, exec)
	}()
}

// execute invokes the agent and routes the outcome. Terminal
// bookkeeping always runs against a fresh context: execCtx may already
// be cancelled.
func (o *Orchestrator) execute(execCtx context.Context, cycleSpan trace.SpanContext, entry *queue.QueuedItem, worker *domain.Worker, role domain.Role, exec *domain.Execution) {
	item := entry.Item

	var opts []trace.SpanStartOption
	if cycleSpan.IsValid() {
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: cycleSpan}))
	}
	execCtx, span := o.tracer.Start(execCtx, tracing.SpanExecution, opts...)
	defer span.End()
	span.SetAttributes(
		attribute.String(tracing.AttrExecutionID, exec.ID),
		attribute.String(tracing.AttrWorkItemID, item.ID),
		attribute.String(tracing.AttrWorkItemType, string(item.Type)),
		attribute.String(tracing.AttrWorkerID, worker.ID),
		attribute.String(tracing.AttrWorkerRole, string(role)),
		attribute.String(tracing.AttrTemplateID, worker.TemplateID),
	)
	if item.RepositoryID != "" {
		span.SetAttributes(attribute.String(tracing.AttrRepositoryID, item.RepositoryID))
	}

	if err := exec.TransitionTo(domain.ExecutionRunning); err == nil {
		if err := o.deps.Executions.Update(exec); err != nil {
			log.ErrorErr(log.CatExec, "execution start write failed", err, "execution", exec.ID)
		}
	}

	req := Request{
		WorkspacePath: o.workspacePath(item),
		Prompt:        o.buildPrompt(item, worker, role),
		SessionID:     worker.SessionID,
		OnPreToolUse:  o.toolAudit(exec, "pre"),
		OnPostToolUse: o.toolAudit(exec, "post"),
	}

	log.Info(log.CatExec, "execution started",
		"execution", exec.ID, "workItem", item.ID, "worker", worker.ID)
	result := o.deps.Executor.Execute(execCtx, req)

	span.SetAttributes(
		attribute.Int64(tracing.AttrTokensUsed, result.TokensUsed),
		attribute.Float64(tracing.AttrCostUSD, result.CostUSD),
		attribute.Int(tracing.AttrToolCalls, result.ToolCallsCount),
	)

	// Resume can fork the conversation under a new session id; persist
	// it so the next execution continues where this one left off.
	if result.SessionID != "" && result.SessionID != worker.SessionID {
		if err := o.deps.Pool.SetSession(worker.ID, result.SessionID); err != nil {
			log.ErrorErr(log.CatExec, "session update failed", err, "worker", worker.ID)
		}
	}

	delta := domain.WorkerMetricsDelta{
		TokensUsed:        result.TokensUsed,
		CostUSD:           result.CostUSD,
		ToolCalls:         result.ToolCallsCount,
		ContextWindowUsed: result.TokensUsed,
	}
	if _, err := o.deps.Pool.UpdateMetrics(worker.ID, delta); err != nil {
		log.ErrorErr(log.CatExec, "metrics update failed", err, "worker", worker.ID)
	}

	exec.TokensUsed = result.TokensUsed
	exec.CostUSD = result.CostUSD
	exec.ToolCallsCount = result.ToolCallsCount
	exec.Output = result.Output

	switch {
	case execCtx.Err() != nil:
		span.SetStatus(codes.Error, "cancelled")
		o.finishCancelled(item, worker, exec)
	case result.Failed():
		span.RecordError(errors.New(result.Err))
		span.SetAttributes(attribute.String(tracing.AttrErrorCategory, string(retry.Categorize(result.Err))))
		span.SetStatus(codes.Error, result.Err)
		o.finishFailed(entry, worker, exec, result.Err)
	default:
		span.SetStatus(codes.Ok, "")
		o.finishSuccess(item, worker, exec)
	}
}

func (o *Orchestrator) finishSuccess(item *domain.WorkItem, worker *domain.Worker, exec *domain.Execution) {
	o.writeTerminal(exec, domain.ExecutionSuccess)

	if err := o.deps.Progress.MarkCompleted(context.Background(), item.ID, worker.ID, exec.ID); err != nil {
		log.ErrorErr(log.CatExec, "completion transition failed", err, "workItem", item.ID)
	}
	if err := o.deps.Pool.CompleteWork(worker.ID); err != nil {
		// The worker may have exhausted its context window during this
		// run; it stays in the error state with the result recorded.
		log.Debug(log.CatExec, "worker not released", "worker", worker.ID, "reason", err.Error())
	}
	o.deps.Limits.RegisterCompletion(item, worker.ID)
	o.deps.Assign.RecordRepoExperience(worker.ID, item.RepositoryID)
	o.deps.Assign.RecordCompletion(worker.ID)

	o.hooks.runPostExecutionHooks(item, worker, exec)
	log.Info(log.CatExec, "execution succeeded",
		"execution", exec.ID, "workItem", item.ID, "worker", worker.ID,
		"tokens", exec.TokensUsed, "cost", exec.CostUSD)
}

func (o *Orchestrator) finishFailed(entry *queue.QueuedItem, worker *domain.Worker, exec *domain.Execution, errMsg string) {
	item := entry.Item
	exec.ErrorMessage = errMsg
	o.writeTerminal(exec, domain.ExecutionError)

	o.hooks.runErrorHooks(item, worker.ID, errMsg)

	cat := retry.Categorize(errMsg)
	o.deps.Retry.RecordError(item.ID, worker.ID, errMsg, cat)
	o.deps.Progress.MarkFailed(item.ID, worker.ID, errMsg)
	o.revertToReady(item.ID)

	if _, scheduled := o.deps.Retry.ScheduleRetry(item.ID, errMsg, entry.RetryCount); scheduled {
		o.deps.Queue.Requeue(entry, errMsg)
	} else {
		o.deps.Retry.Escalate(item.ID, worker.ID, errMsg, cat)
	}

	// A validation failure is a caller problem; the worker is only
	// marked failed for the categories where it is at fault.
	if cat == retry.CategoryValidation {
		if err := o.deps.Pool.CompleteWork(worker.ID); err != nil {
			log.Debug(log.CatExec, "worker not released", "worker", worker.ID, "reason", err.Error())
		}
	} else {
		if err := o.deps.Pool.ReportError(worker.ID, errMsg); err != nil {
			log.ErrorErr(log.CatExec, "worker error report failed", err, "worker", worker.ID)
		}
	}
	o.deps.Limits.RegisterCompletion(item, worker.ID)

	log.Warn(log.CatExec, "execution failed",
		"execution", exec.ID, "workItem", item.ID, "worker", worker.ID,
		"category", cat, "error", errMsg)
}

func (o *Orchestrator) finishCancelled(item *domain.WorkItem, worker *domain.Worker, exec *domain.Execution) {
	o.writeTerminal(exec, domain.ExecutionCancelled)

	if err := o.deps.Pool.CompleteWork(worker.ID); err != nil {
		log.Debug(log.CatExec, "worker not released", "worker", worker.ID, "reason", err.Error())
	}
	o.deps.Limits.RegisterCompletion(item, worker.ID)
	o.revertToReady(item.ID)

	log.Info(log.CatExec, "execution cancelled",
		"execution", exec.ID, "workItem", item.ID, "worker", worker.ID)
}

// writeTerminal moves the execution to its terminal status and persists
// the accumulated result fields.
func (o *Orchestrator) writeTerminal(exec *domain.Execution, status domain.ExecutionStatus) {
	if err := exec.TransitionTo(status); err != nil {
		log.ErrorErr(log.CatExec, "terminal transition failed", err,
			"execution", exec.ID, "to", string(status))
		return
	}
	if err := o.deps.Executions.Update(exec); err != nil {
		log.ErrorErr(log.CatExec, "execution write failed", err, "execution", exec.ID)
	}
}

// revertToReady walks a dispatched item back to ready through the legal
// two-step in_progress -> backlog -> ready so it can be rescheduled.
func (o *Orchestrator) revertToReady(itemID string) {
	item, err := o.deps.Items.Get(itemID)
	if err != nil {
		log.ErrorErr(log.CatOrch, "revert lookup failed", err, "workItem", itemID)
		return
	}
	if item.Status != domain.StatusInProgress {
		return
	}
	for _, target := range []domain.WorkItemStatus{domain.StatusBacklog, domain.StatusReady} {
		if err := item.TransitionTo(target); err != nil {
			log.ErrorErr(log.CatOrch, "revert transition failed", err,
				"workItem", itemID, "to", string(target))
			return
		}
		if err := o.deps.Items.Update(item); err != nil {
			log.ErrorErr(log.CatOrch, "revert write failed", err, "workItem", itemID)
			return
		}
	}
}

// workspacePath resolves the item's repository to its local checkout.
func (o *Orchestrator) workspacePath(item *domain.WorkItem) string {
	if o.deps.Repositories == nil || item.RepositoryID == "" {
		return ""
	}
	repo, err := o.deps.Repositories.Get(item.RepositoryID)
	if err != nil {
		log.Debug(log.CatOrch, "workspace lookup failed",
			"workItem", item.ID, "repository", item.RepositoryID, "error", err.Error())
		return ""
	}
	return repo.LocalPath
}

// toolAudit returns a callback recording tool invocations in the trace
// stream. Returns nil when tracing is not wired.
func (o *Orchestrator) toolAudit(exec *domain.Execution, phase string) ToolUseFn {
	if o.deps.Traces == nil {
		return nil
	}
	return func(toolName string, payload []byte) {
		data, err := json.Marshal(map[string]any{
			"phase":   phase,
			"tool":    toolName,
			"payload": json.RawMessage(normalizeJSON(payload)),
		})
		if err != nil {
			log.ErrorErr(log.CatExec, "tool audit encode failed", err, "execution", exec.ID)
			return
		}
		row := &domain.Trace{
			ID:          uuid.NewString(),
			EventType:   domain.TraceToolCall,
			WorkerID:    exec.WorkerID,
			WorkItemID:  exec.WorkItemID,
			ExecutionID: exec.ID,
			Data:        data,
		}
		if err := o.deps.Traces.Create(row); err != nil {
			log.ErrorErr(log.CatExec, "tool audit write failed", err, "execution", exec.ID)
		}
	}
}

// normalizeJSON wraps non-JSON payloads as a JSON string so the audit
// row always stores valid JSON.
func normalizeJSON(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte("null")
	}
	if json.Valid(payload) {
		return payload
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return []byte("null")
	}
	return quoted
}
