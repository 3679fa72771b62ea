package domain

import (
	"errors"
	"fmt"
)

// TemplateNotFoundError indicates a template lookup failed.
type TemplateNotFoundError struct {
	ID string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template not found: %s", e.ID)
}

// WorkItemNotFoundError indicates a work item lookup failed.
type WorkItemNotFoundError struct {
	ID string
}

func (e *WorkItemNotFoundError) Error() string {
	return fmt.Sprintf("work item not found: %s", e.ID)
}

// WorkerNotFoundError indicates a worker lookup failed.
type WorkerNotFoundError struct {
	ID string
}

func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("worker not found: %s", e.ID)
}

// ExecutionNotFoundError indicates an execution lookup failed.
type ExecutionNotFoundError struct {
	ID string
}

func (e *ExecutionNotFoundError) Error() string {
	return fmt.Sprintf("execution not found: %s", e.ID)
}

// RepositoryNotFoundError indicates a repository lookup failed.
type RepositoryNotFoundError struct {
	ID string
}

func (e *RepositoryNotFoundError) Error() string {
	return fmt.Sprintf("repository not found: %s", e.ID)
}

// ValidationError indicates an entity failed validation. Field names the
// offending field, Reason explains what is wrong with it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError indicates a work item status move that the
// transition table does not allow.
type InvalidTransitionError struct {
	WorkItemID string
	From       WorkItemStatus
	To         WorkItemStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for work item %s: %s -> %s", e.WorkItemID, e.From, e.To)
}

// InvalidExecutionTransitionError indicates an execution status move that
// the transition table does not allow.
type InvalidExecutionTransitionError struct {
	ExecutionID string
	From        ExecutionStatus
	To          ExecutionStatus
}

func (e *InvalidExecutionTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for execution %s: %s -> %s", e.ExecutionID, e.From, e.To)
}

// ApprovalRequiredError indicates a transition that is gated behind human
// approval for this work item.
type ApprovalRequiredError struct {
	WorkItemID string
	From       WorkItemStatus
	To         WorkItemStatus
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("transition %s -> %s for work item %s requires approval", e.From, e.To, e.WorkItemID)
}

// WorkerStateError indicates a worker operation its current status does
// not allow, such as pausing an idle worker.
type WorkerStateError struct {
	WorkerID string
	Status   WorkerStatus
	Op       string
}

func (e *WorkerStateError) Error() string {
	return fmt.Sprintf("cannot %s worker %s while %s", e.Op, e.WorkerID, e.Status)
}

// DuplicateNameError indicates a template name collision.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("template name already in use: %s", e.Name)
}

// SystemTemplateError indicates an attempt to delete or modify a
// built-in template. Op is "modify" for updates; anything else reads as
// a delete.
type SystemTemplateError struct {
	ID string
	Op string
}

func (e *SystemTemplateError) Error() string {
	if e.Op == "modify" {
		return "Cannot modify system template"
	}
	return "Cannot delete system template"
}

// TemplateInUseError indicates a template delete blocked by workers that
// still reference it.
type TemplateInUseError struct {
	ID string
}

func (e *TemplateInUseError) Error() string {
	return fmt.Sprintf("template %s is still referenced by workers", e.ID)
}

// WorkItemHasChildrenError indicates a work item delete blocked by its
// children.
type WorkItemHasChildrenError struct {
	ID       string
	Children int
}

func (e *WorkItemHasChildrenError) Error() string {
	return fmt.Sprintf("work item %s still has %d children", e.ID, e.Children)
}

// IsNotFound reports whether err is any of the typed not-found errors.
func IsNotFound(err error) bool {
	var (
		tmpl *TemplateNotFoundError
		item *WorkItemNotFoundError
		wrk  *WorkerNotFoundError
		exec *ExecutionNotFoundError
		repo *RepositoryNotFoundError
	)
	return errors.As(err, &tmpl) ||
		errors.As(err, &item) ||
		errors.As(err, &wrk) ||
		errors.As(err, &exec) ||
		errors.As(err, &repo)
}

// IsConflict reports whether err represents a state conflict: an invalid
// or gated transition, a name collision, or a protected system template.
func IsConflict(err error) bool {
	var (
		trans    *InvalidTransitionError
		exec     *InvalidExecutionTransitionError
		appr     *ApprovalRequiredError
		state    *WorkerStateError
		dup      *DuplicateNameError
		system   *SystemTemplateError
		inUse    *TemplateInUseError
		children *WorkItemHasChildrenError
	)
	return errors.As(err, &trans) ||
		errors.As(err, &exec) ||
		errors.As(err, &appr) ||
		errors.As(err, &state) ||
		errors.As(err, &dup) ||
		errors.As(err, &system) ||
		errors.As(err, &inUse) ||
		errors.As(err, &children)
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
