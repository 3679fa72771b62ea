package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zjrosen/gaffer/internal/domain"
)

const (
	defaultExecutionPage = 50
	maxExecutionPage     = 200
)

type executionListResponse struct {
	Items   []*domain.Execution `json:"items"`
	Total   int                 `json:"total"`
	HasMore bool                `json:"hasMore"`
}

type executionDetailResponse struct {
	*domain.Execution
	Traces []*domain.Trace `json:"traces"`
}

type traceListResponse struct {
	Traces []*domain.Trace `json:"traces"`
	Total  int             `json:"total"`
}

func (s *Server) listExecutions(c *gin.Context) {
	filter, ok := executionFilterFromQuery(c)
	if !ok {
		return
	}

	items, total, err := s.deps.Executions.List(filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []*domain.Execution{}
	}
	c.JSON(http.StatusOK, executionListResponse{
		Items:   items,
		Total:   total,
		HasMore: filter.Offset+len(items) < total,
	})
}

func executionFilterFromQuery(c *gin.Context) (domain.ExecutionFilter, bool) {
	filter := domain.ExecutionFilter{
		WorkerID:   c.Query("workerId"),
		WorkItemID: c.Query("workItemId"),
		Limit:      defaultExecutionPage,
	}

	if raw := c.Query("status"); raw != "" {
		status := domain.ExecutionStatus(raw)
		if !status.IsValid() {
			respondError(c, &domain.ValidationError{Field: "status", Reason: "unknown status " + raw})
			return filter, false
		}
		filter.Status = status
	}
	if raw := c.Query("dateFrom"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, &domain.ValidationError{Field: "dateFrom", Reason: "must be RFC 3339"})
			return filter, false
		}
		filter.DateFrom = &t
	}
	if raw := c.Query("dateTo"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, &domain.ValidationError{Field: "dateTo", Reason: "must be RFC 3339"})
			return filter, false
		}
		filter.DateTo = &t
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(c, &domain.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return filter, false
		}
		filter.Limit = min(n, maxExecutionPage)
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, &domain.ValidationError{Field: "offset", Reason: "must be a non-negative integer"})
			return filter, false
		}
		filter.Offset = n
	}
	return filter, true
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.deps.Executions.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	traces, err := s.deps.Traces.ListByExecution(exec.ID, "")
	if err != nil {
		respondError(c, err)
		return
	}
	if traces == nil {
		traces = []*domain.Trace{}
	}
	c.JSON(http.StatusOK, executionDetailResponse{Execution: exec, Traces: traces})
}

func (s *Server) listExecutionTraces(c *gin.Context) {
	if _, err := s.deps.Executions.Get(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}

	eventType := domain.TraceEventType(c.Query("eventType"))
	if eventType != "" && !eventType.IsValid() {
		respondError(c, &domain.ValidationError{Field: "eventType", Reason: "unknown event type " + string(eventType)})
		return
	}

	traces, err := s.deps.Traces.ListByExecution(c.Param("id"), eventType)
	if err != nil {
		respondError(c, err)
		return
	}
	if traces == nil {
		traces = []*domain.Trace{}
	}
	c.JSON(http.StatusOK, traceListResponse{Traces: traces, Total: len(traces)})
}
