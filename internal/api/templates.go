package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/registry"
)

type templateListResponse struct {
	Templates []*domain.Template `json:"templates"`
	Total     int                `json:"total"`
}

type createTemplateRequest struct {
	Name                 string                `json:"name"`
	SystemPrompt         string                `json:"systemPrompt"`
	PermissionMode       domain.PermissionMode `json:"permissionMode"`
	MaxTurns             int                   `json:"maxTurns"`
	BuiltinTools         []string              `json:"builtinTools"`
	MCPServers           []domain.MCPServer    `json:"mcpServers"`
	AllowedWorkItemTypes []string              `json:"allowedWorkItemTypes"`
	DefaultRole          domain.Role           `json:"defaultRole"`
	CreatedBy            string                `json:"createdBy"`
}

type updateTemplateRequest struct {
	Name                 *string                `json:"name"`
	SystemPrompt         *string                `json:"systemPrompt"`
	PermissionMode       *domain.PermissionMode `json:"permissionMode"`
	MaxTurns             *int                   `json:"maxTurns"`
	DefaultRole          *domain.Role           `json:"defaultRole"`
	BuiltinTools         []string               `json:"builtinTools"`
	MCPServers           []domain.MCPServer     `json:"mcpServers"`
	AllowedWorkItemTypes []string               `json:"allowedWorkItemTypes"`
}

type cloneTemplateRequest struct {
	Name      string `json:"name"`
	CreatedBy string `json:"createdBy"`
}

func (s *Server) listTemplates(c *gin.Context) {
	s.respondTemplates(c)(s.deps.Registry.GetAll())
}

func (s *Server) listBuiltInTemplates(c *gin.Context) {
	s.respondTemplates(c)(s.deps.Registry.GetBuiltIn())
}

func (s *Server) listUserTemplates(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		respondError(c, &domain.ValidationError{Field: "userId", Reason: "query parameter is required"})
		return
	}
	s.respondTemplates(c)(s.deps.Registry.GetUserDefined(userID))
}

func (s *Server) listTemplatesByRole(c *gin.Context) {
	role := domain.Role(c.Query("role"))
	if !role.IsValid() {
		respondError(c, &domain.ValidationError{Field: "role", Reason: "unknown role " + string(role)})
		return
	}
	s.respondTemplates(c)(s.deps.Registry.FindByRole(role))
}

func (s *Server) listTemplatesForType(c *gin.Context) {
	typ := c.Query("type")
	if typ == "" {
		respondError(c, &domain.ValidationError{Field: "type", Reason: "query parameter is required"})
		return
	}
	s.respondTemplates(c)(s.deps.Registry.FindForWorkItemType(domain.WorkItemType(typ)))
}

// respondTemplates adapts a (templates, err) pair into the list response,
// so every filtered listing shares one shape.
func (s *Server) respondTemplates(c *gin.Context) func([]*domain.Template, error) {
	return func(templates []*domain.Template, err error) {
		if err != nil {
			respondError(c, err)
			return
		}
		if templates == nil {
			templates = []*domain.Template{}
		}
		c.JSON(http.StatusOK, templateListResponse{Templates: templates, Total: len(templates)})
	}
}

func (s *Server) getTemplate(c *gin.Context) {
	tpl, err := s.deps.Registry.GetByID(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

func (s *Server) createTemplate(c *gin.Context) {
	var req createTemplateRequest
	if !bindJSON(c, &req) {
		return
	}

	tpl := &domain.Template{
		Name:                 req.Name,
		SystemPrompt:         req.SystemPrompt,
		PermissionMode:       req.PermissionMode,
		MaxTurns:             req.MaxTurns,
		BuiltinTools:         req.BuiltinTools,
		MCPServers:           req.MCPServers,
		AllowedWorkItemTypes: req.AllowedWorkItemTypes,
		DefaultRole:          req.DefaultRole,
		CreatedBy:            req.CreatedBy,
	}
	if err := s.deps.Registry.Register(tpl); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

func (s *Server) updateTemplate(c *gin.Context) {
	var req updateTemplateRequest
	if !bindJSON(c, &req) {
		return
	}

	tpl, err := s.deps.Registry.Update(c.Param("id"), registry.TemplateUpdate{
		Name:                 req.Name,
		SystemPrompt:         req.SystemPrompt,
		PermissionMode:       req.PermissionMode,
		MaxTurns:             req.MaxTurns,
		DefaultRole:          req.DefaultRole,
		BuiltinTools:         req.BuiltinTools,
		MCPServers:           req.MCPServers,
		AllowedWorkItemTypes: req.AllowedWorkItemTypes,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

func (s *Server) deleteTemplate(c *gin.Context) {
	if err := s.deps.Registry.Unregister(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cloneTemplate(c *gin.Context) {
	var req cloneTemplateRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Name == "" {
		respondError(c, &domain.ValidationError{Field: "name", Reason: "clone name is required"})
		return
	}

	clone, err := s.deps.Registry.Clone(c.Param("id"), req.Name, req.CreatedBy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, clone)
}
