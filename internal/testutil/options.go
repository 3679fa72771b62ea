package testutil

import (
	"time"

	"github.com/zjrosen/gaffer/internal/domain"
)

// TemplateOption configures a template before insertion.
type TemplateOption func(*domain.Template)

// TemplateRole sets the template's default role.
func TemplateRole(role domain.Role) TemplateOption {
	return func(t *domain.Template) { t.DefaultRole = role }
}

// TemplateTypes restricts the work-item types the template accepts.
func TemplateTypes(types ...string) TemplateOption {
	return func(t *domain.Template) { t.AllowedWorkItemTypes = types }
}

// TemplatePermission sets the template's permission mode.
func TemplatePermission(mode domain.PermissionMode) TemplateOption {
	return func(t *domain.Template) { t.PermissionMode = mode }
}

// TemplateBuiltIn marks the template as system-owned.
func TemplateBuiltIn() TemplateOption {
	return func(t *domain.Template) { t.CreatedBy = domain.SystemCreator }
}

// WorkItemOption configures a work item before insertion.
type WorkItemOption func(*domain.WorkItem)

// ItemStatus sets the work item's status.
func ItemStatus(status domain.WorkItemStatus) WorkItemOption {
	return func(w *domain.WorkItem) { w.Status = status }
}

// ItemType sets the work item's type.
func ItemType(typ domain.WorkItemType) WorkItemOption {
	return func(w *domain.WorkItem) { w.Type = typ }
}

// ItemRepository scopes the work item to a repository.
func ItemRepository(repoID string) WorkItemOption {
	return func(w *domain.WorkItem) { w.RepositoryID = repoID }
}

// ItemCreatedBy sets the creating user.
func ItemCreatedBy(userID string) WorkItemOption {
	return func(w *domain.WorkItem) { w.CreatedBy = userID }
}

// ItemParent sets the parent work item.
func ItemParent(parentID string) WorkItemOption {
	return func(w *domain.WorkItem) { w.ParentID = parentID }
}

// ItemBlockedBy adds blocking dependencies.
func ItemBlockedBy(ids ...string) WorkItemOption {
	return func(w *domain.WorkItem) { w.BlockedBy = append(w.BlockedBy, ids...) }
}

// ItemCreatedAt pins the creation timestamp, for ordering-sensitive
// tests.
func ItemCreatedAt(at time.Time) WorkItemOption {
	return func(w *domain.WorkItem) { w.CreatedAt = at }
}

// ItemApprovalGate requires approval for the given transition.
func ItemApprovalGate(from, to domain.WorkItemStatus) WorkItemOption {
	return func(w *domain.WorkItem) {
		if w.RequiresApproval == nil {
			w.RequiresApproval = make(map[string]bool)
		}
		w.RequiresApproval[domain.ApprovalKey(from, to)] = true
	}
}

// WorkerOption configures a worker before insertion.
type WorkerOption func(*domain.Worker)

// WorkerState sets the worker's status.
func WorkerState(status domain.WorkerStatus) WorkerOption {
	return func(w *domain.Worker) { w.Status = status }
}

// WorkerAssignment gives the worker a current work item and role.
func WorkerAssignment(workItemID string, role domain.Role) WorkerOption {
	return func(w *domain.Worker) {
		w.CurrentWorkItemID = workItemID
		w.CurrentRole = role
	}
}

// WorkerUsage sets the worker's consumption counters.
func WorkerUsage(tokens int64, cost float64, toolCalls int) WorkerOption {
	return func(w *domain.Worker) {
		w.TokensUsed = tokens
		w.CostUSD = cost
		w.ToolCallsCount = toolCalls
	}
}

// WorkerErrors sets the worker's error counter.
func WorkerErrors(count int) WorkerOption {
	return func(w *domain.Worker) { w.ErrorCount = count }
}

// WorkerContext sets context window usage and limit.
func WorkerContext(used, limit int64) WorkerOption {
	return func(w *domain.Worker) {
		w.ContextWindowUsed = used
		w.ContextWindowLimit = limit
	}
}
