package metrics

import (
	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/orchestration/retry"
	"github.com/zjrosen/gaffer/internal/orchestration/scheduler"
)

// hookKey identifies the metric hooks on the orchestrator and engine.
const hookKey = "metrics"

// Observe attaches the collectors to the orchestrator's lifecycle hooks
// and the retry engine's escalation hook. Gauges follow the end-of-cycle
// status snapshot; counters follow dispatch and completion events. The
// returned function detaches everything.
func (m *Metrics) Observe(o *scheduler.Orchestrator, eng *retry.Engine) func() {
	o.RegisterStatusChangeHook(hookKey, func(s scheduler.Status) {
		m.RecordCycles(s.CycleCount)
		m.SetQueueDepth(s.QueueLength)
		m.SetPendingRetries(s.PendingRetries)
		m.SetActiveExecutions(s.ActiveExecutions)
		m.SetWorkers(s.Workers)
	})
	o.RegisterPreExecutionHook(hookKey, func(*domain.WorkItem, *domain.Worker) bool {
		m.RecordDispatch()
		return true
	})
	o.RegisterPostExecutionHook(hookKey, func(_ *domain.WorkItem, _ *domain.Worker, exec *domain.Execution) {
		m.RecordExecution(string(exec.Status))
	})
	o.RegisterErrorHook(hookKey, func(_ *domain.WorkItem, _, errMsg string) {
		m.RecordExecution(string(domain.ExecutionError))
		m.RecordFailure(string(retry.Categorize(errMsg)))
	})
	if eng != nil {
		eng.RegisterEscalationHook(hookKey, func(_, _, _ string, _ retry.Category) {
			m.RecordEscalation()
		})
	}

	return func() {
		o.UnregisterStatusChangeHook(hookKey)
		o.UnregisterPreExecutionHook(hookKey)
		o.UnregisterPostExecutionHook(hookKey)
		o.UnregisterErrorHook(hookKey)
		if eng != nil {
			eng.UnregisterEscalationHook(hookKey)
		}
	}
}
