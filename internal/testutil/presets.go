package testutil

import (
	"github.com/zjrosen/gaffer/internal/domain"
)

// DefaultTemplate returns a valid implementer template. Options override
// individual fields.
func DefaultTemplate(id, name string) *domain.Template {
	return &domain.Template{
		ID:                   id,
		Name:                 name,
		SystemPrompt:         "You are a coding agent. Work the assigned item to completion.",
		PermissionMode:       domain.PermissionAcceptEdits,
		MaxTurns:             50,
		BuiltinTools:         []string{"bash", "edit", "read"},
		AllowedWorkItemTypes: []string{domain.AllTypesWildcard},
		DefaultRole:          domain.RoleImplementer,
		CreatedBy:            "test-user",
	}
}

// DefaultWorkItem returns a ready feature item.
func DefaultWorkItem(id, title string) *domain.WorkItem {
	return &domain.WorkItem{
		ID:        id,
		Title:     title,
		Type:      domain.TypeFeature,
		Status:    domain.StatusReady,
		CreatedBy: "test-user",
	}
}

// DefaultWorker returns an idle worker for the template.
func DefaultWorker(id, templateID string) *domain.Worker {
	return &domain.Worker{
		ID:                 id,
		TemplateID:         templateID,
		SessionID:          "session-" + id,
		Status:             domain.WorkerIdle,
		ContextWindowLimit: domain.DefaultContextWindowLimit,
	}
}
