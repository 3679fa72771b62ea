package domain

import "time"

// WorkItemStatus represents the work item lifecycle state.
// Valid transitions:
//
//	backlog     -> ready
//	ready       -> in_progress, backlog
//	in_progress -> review, backlog
//	review      -> done, in_progress
//	done        -> (terminal)
type WorkItemStatus string

const (
	StatusBacklog    WorkItemStatus = "backlog"
	StatusReady      WorkItemStatus = "ready"
	StatusInProgress WorkItemStatus = "in_progress"
	StatusReview     WorkItemStatus = "review"
	StatusDone       WorkItemStatus = "done"
)

// workItemTransitions defines the allowed status transitions.
// The key is the current status, the value is the set of valid targets.
var workItemTransitions = map[WorkItemStatus]map[WorkItemStatus]bool{
	StatusBacklog: {
		StatusReady: true,
	},
	StatusReady: {
		StatusInProgress: true,
		StatusBacklog:    true,
	},
	StatusInProgress: {
		StatusReview:  true,
		StatusBacklog: true,
	},
	StatusReview: {
		StatusDone:       true,
		StatusInProgress: true,
	},
	// Terminal
	StatusDone: {},
}

// String returns the string representation of the status.
func (s WorkItemStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized work item status.
func (s WorkItemStatus) IsValid() bool {
	_, ok := workItemTransitions[s]
	return ok
}

// IsTerminal returns true for statuses with no valid successors.
func (s WorkItemStatus) IsTerminal() bool {
	return s == StatusDone
}

// CanTransitionTo returns true if moving from the current status to the
// target is allowed by the status machine.
func (s WorkItemStatus) CanTransitionTo(target WorkItemStatus) bool {
	allowed, ok := workItemTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// ValidTargets returns all statuses reachable from the current status.
func (s WorkItemStatus) ValidTargets() []WorkItemStatus {
	allowed, ok := workItemTransitions[s]
	if !ok {
		return nil
	}
	targets := make([]WorkItemStatus, 0, len(allowed))
	for target := range allowed {
		targets = append(targets, target)
	}
	return targets
}

// WorkItemType categorizes the nature of work. The set is open: unknown
// types are accepted and sort after the known ones in the queue.
type WorkItemType string

const (
	TypeFeature  WorkItemType = "feature"
	TypeBug      WorkItemType = "bug"
	TypeTask     WorkItemType = "task"
	TypeResearch WorkItemType = "research"
)

// SuccessCriterion is one checkable acceptance condition on a work item.
type SuccessCriterion struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Completed  bool       `json:"completed"`
	VerifiedBy string     `json:"verifiedBy,omitempty"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
}

// ApprovalKey builds the requiresApproval map key for a transition.
func ApprovalKey(from, to WorkItemStatus) string {
	return string(from) + "_" + string(to)
}

// WorkItem is a unit of engineering work tracked through the status machine.
type WorkItem struct {
	ID               string             `json:"id"`
	Title            string             `json:"title"`
	Type             WorkItemType       `json:"type"`
	Status           WorkItemStatus     `json:"status"`
	Description      string             `json:"description"`
	SuccessCriteria  []SuccessCriterion `json:"successCriteria"`
	LinkedFiles      []string           `json:"linkedFiles"`
	RepositoryID     string             `json:"repositoryId,omitempty"`
	ExternalIssueID  string             `json:"externalIssueId,omitempty"`
	ExternalIssueURL string             `json:"externalIssueUrl,omitempty"`
	CreatedBy        string             `json:"createdBy,omitempty"`

	// Relationships
	ParentID  string   `json:"parentId,omitempty"`
	ChildIDs  []string `json:"childIds"`
	BlockedBy []string `json:"blockedBy"`

	// Control
	AssignedAgents   map[Role]string `json:"assignedAgents"`
	RequiresApproval map[string]bool `json:"requiresApproval"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TransitionTo moves the work item to the target status, enforcing the
// status machine and any approval gate. On success it stamps startedAt on
// the first ever entry into in_progress, sets completedAt on done, and
// clears completedAt when leaving done.
func (w *WorkItem) TransitionTo(target WorkItemStatus) error {
	if !w.Status.CanTransitionTo(target) {
		return &InvalidTransitionError{WorkItemID: w.ID, From: w.Status, To: target}
	}
	if w.RequiresApproval[ApprovalKey(w.Status, target)] {
		return &ApprovalRequiredError{WorkItemID: w.ID, From: w.Status, To: target}
	}

	now := time.Now()
	from := w.Status
	w.Status = target
	w.UpdatedAt = now

	if target == StatusInProgress && w.StartedAt == nil {
		w.StartedAt = &now
	}
	if target == StatusDone {
		w.CompletedAt = &now
	} else if from == StatusDone {
		w.CompletedAt = nil
	}
	return nil
}

// IsBlocked returns true if any of the item's blockers, looked up through
// statusOf, is not yet done. Blockers that no longer resolve count as
// blocking so that a raced delete cannot release dependents early.
func (w *WorkItem) IsBlocked(statusOf func(id string) (WorkItemStatus, bool)) bool {
	for _, dep := range w.BlockedBy {
		status, ok := statusOf(dep)
		if !ok || !status.IsTerminal() {
			return true
		}
	}
	return false
}
