package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/orchestration/hub"
)

type workItemListResponse struct {
	Items []*domain.WorkItem `json:"items"`
	Total int                `json:"total"`
}

type createWorkItemRequest struct {
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	Type             domain.WorkItemType `json:"type"`
	RepositoryID     string              `json:"repositoryId"`
	ParentID         string              `json:"parentId"`
	BlockedBy        []string            `json:"blockedBy"`
	LinkedFiles      []string            `json:"linkedFiles"`
	SuccessCriteria  []string            `json:"successCriteria"`
	RequiresApproval map[string]bool     `json:"requiresApproval"`
	CreatedBy        string              `json:"createdBy"`
}

type transitionWorkItemRequest struct {
	Status domain.WorkItemStatus `json:"status"`
}

func (s *Server) listWorkItems(c *gin.Context) {
	var (
		items []*domain.WorkItem
		err   error
	)
	if raw := c.Query("status"); raw != "" {
		status := domain.WorkItemStatus(raw)
		if !status.IsValid() {
			respondError(c, &domain.ValidationError{Field: "status", Reason: "unknown status " + raw})
			return
		}
		items, err = s.deps.Items.ListByStatus(status)
	} else {
		items, err = s.deps.Items.List()
	}
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []*domain.WorkItem{}
	}
	c.JSON(http.StatusOK, workItemListResponse{Items: items, Total: len(items)})
}

func (s *Server) getWorkItem(c *gin.Context) {
	item, err := s.deps.Items.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) createWorkItem(c *gin.Context) {
	var req createWorkItemRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Title == "" {
		respondError(c, &domain.ValidationError{Field: "title", Reason: "title is required"})
		return
	}
	if req.Type == "" {
		req.Type = domain.TypeTask
	}

	criteria := make([]domain.SuccessCriterion, 0, len(req.SuccessCriteria))
	for _, text := range req.SuccessCriteria {
		criteria = append(criteria, domain.SuccessCriterion{ID: uuid.NewString(), Text: text})
	}

	item := &domain.WorkItem{
		ID:               uuid.NewString(),
		Title:            req.Title,
		Type:             req.Type,
		Status:           domain.StatusBacklog,
		Description:      req.Description,
		SuccessCriteria:  criteria,
		LinkedFiles:      req.LinkedFiles,
		RepositoryID:     req.RepositoryID,
		ParentID:         req.ParentID,
		BlockedBy:        req.BlockedBy,
		RequiresApproval: req.RequiresApproval,
		CreatedBy:        req.CreatedBy,
	}
	if err := s.deps.Items.Create(item); err != nil {
		respondError(c, err)
		return
	}

	s.deps.Hub.Publish(hub.NewEvent(hub.EventWorkItemCreated, item), hub.WorkItemChannel(item.ID))
	c.JSON(http.StatusCreated, item)
}

// transitionWorkItem moves a work item through the status machine. The
// machine itself decides legality; gated or illegal moves come back 409.
func (s *Server) transitionWorkItem(c *gin.Context) {
	var req transitionWorkItemRequest
	if !bindJSON(c, &req) {
		return
	}
	if !req.Status.IsValid() {
		respondError(c, &domain.ValidationError{Field: "status", Reason: "unknown status " + string(req.Status)})
		return
	}

	item, err := s.deps.Items.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := item.TransitionTo(req.Status); err != nil {
		respondError(c, err)
		return
	}
	if err := s.deps.Items.Update(item); err != nil {
		respondError(c, err)
		return
	}

	s.deps.Hub.Publish(hub.NewEvent(hub.EventWorkItemUpdated, item), hub.WorkItemChannel(item.ID))
	c.JSON(http.StatusOK, item)
}
