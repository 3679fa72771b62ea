package domain

import "time"

// TemplateRepository provides persistence for agent templates.
type TemplateRepository interface {
	// Create persists a new template. Returns DuplicateNameError if the
	// name (case-folded) is already taken.
	Create(t *Template) error

	// Get returns the template or TemplateNotFoundError.
	Get(id string) (*Template, error)

	// GetByName looks a template up by case-insensitive name.
	GetByName(name string) (*Template, error)

	// List returns all templates ordered by name.
	List() ([]*Template, error)

	// Update saves the full template row and bumps updatedAt. Returns
	// TemplateNotFoundError if the id does not exist.
	Update(t *Template) error

	// Delete removes a template. Fails if any worker still references it.
	Delete(id string) error
}

// WorkItemRepository provides persistence for work items.
type WorkItemRepository interface {
	Create(item *WorkItem) error

	// Get returns the work item or WorkItemNotFoundError.
	Get(id string) (*WorkItem, error)

	List() ([]*WorkItem, error)
	ListByStatus(status WorkItemStatus) ([]*WorkItem, error)
	ListChildren(parentID string) ([]*WorkItem, error)
	ListByAssignedAgent(workerID string) ([]*WorkItem, error)

	// Update saves the full work item row and bumps updatedAt.
	Update(item *WorkItem) error

	// Delete removes a work item. Fails while the item still has children.
	Delete(id string) error
}

// WorkerRepository provides persistence for workers.
type WorkerRepository interface {
	Create(w *Worker) error

	// Get returns the worker or WorkerNotFoundError.
	Get(id string) (*Worker, error)

	List() ([]*Worker, error)
	ListByStatus(status WorkerStatus) ([]*Worker, error)
	ListByTemplate(templateID string) ([]*Worker, error)

	Update(w *Worker) error
	Delete(id string) error
}

// ExecutionFilter narrows execution listings. Zero values mean "any".
type ExecutionFilter struct {
	Status     ExecutionStatus
	WorkerID   string
	WorkItemID string
	DateFrom   *time.Time
	DateTo     *time.Time
	Limit      int
	Offset     int
}

// ExecutionRepository provides persistence for execution attempts.
type ExecutionRepository interface {
	Create(e *Execution) error

	// Get returns the execution or ExecutionNotFoundError.
	Get(id string) (*Execution, error)

	// List returns the filtered page ordered by createdAt descending,
	// plus the total match count before Limit and Offset are applied.
	List(filter ExecutionFilter) ([]*Execution, int, error)

	ListByWorkItem(workItemID string) ([]*Execution, error)

	Update(e *Execution) error
}

// TraceRepository provides append-only persistence for audit traces.
type TraceRepository interface {
	Create(t *Trace) error

	// ListByExecution returns traces for one execution ordered by
	// createdAt ascending. An empty eventType matches all types.
	ListByExecution(executionID string, eventType TraceEventType) ([]*Trace, error)

	ListByWorkItem(workItemID string) ([]*Trace, error)
	ListRecent(limit int) ([]*Trace, error)
}

// RepositoryStore provides persistence for registered code repositories.
type RepositoryStore interface {
	Create(r *Repository) error

	// Get returns the repository or RepositoryNotFoundError.
	Get(id string) (*Repository, error)

	List() ([]*Repository, error)
	Update(r *Repository) error
	Delete(id string) error
}
