// Package domain defines the core entities of the gaffer control plane and
// the repository interfaces they persist through. It contains only pure Go
// with no infrastructure dependencies.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// SystemCreator is the createdBy value marking immutable built-in templates.
const SystemCreator = "system"

// PermissionMode controls how much autonomy a worker spawned from a
// template is granted.
type PermissionMode string

const (
	PermissionAskUser     PermissionMode = "ask-user"
	PermissionAcceptEdits PermissionMode = "accept-edits"
	PermissionBypass      PermissionMode = "bypass"
)

// IsValid returns true if this is a recognized permission mode.
func (m PermissionMode) IsValid() bool {
	switch m {
	case PermissionAskUser, PermissionAcceptEdits, PermissionBypass:
		return true
	default:
		return false
	}
}

// Role identifies the workflow role a worker plays for a work item.
type Role string

const (
	RoleRefiner     Role = "refiner"
	RoleImplementer Role = "implementer"
	RoleTester      Role = "tester"
	RoleReviewer    Role = "reviewer"
)

// IsValid returns true if this is a recognized role. The empty role is not
// valid here; templates without a default role store the empty string.
func (r Role) IsValid() bool {
	switch r {
	case RoleRefiner, RoleImplementer, RoleTester, RoleReviewer:
		return true
	default:
		return false
	}
}

// RoleForStatus maps a work item's current status to the role that should
// pick it up next: backlog items need refining, ready items implementing,
// in-progress items testing, and review items reviewing.
func RoleForStatus(status WorkItemStatus) Role {
	switch status {
	case StatusBacklog:
		return RoleRefiner
	case StatusReady:
		return RoleImplementer
	case StatusInProgress:
		return RoleTester
	case StatusReview:
		return RoleReviewer
	default:
		return ""
	}
}

// MCPServerKind distinguishes how an MCP server is reached.
type MCPServerKind string

const (
	MCPKindStdio MCPServerKind = "stdio"
	MCPKindSSE   MCPServerKind = "sse"
)

// MCPServer describes an MCP server a worker connects to. Stdio servers
// are launched as subprocesses and require a command; SSE servers are
// remote and require a URL.
type MCPServer struct {
	Name    string            `json:"name"`
	Kind    MCPServerKind     `json:"kind"`
	Command string            `json:"command,omitempty"`
	URL     string            `json:"url,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// AllTypesWildcard in a template's allowed work-item types matches every type.
const AllTypesWildcard = "*"

// minSystemPromptLen is the minimum accepted system prompt length.
const minSystemPromptLen = 20

// Template is a blueprint for spawning workers: the prompt and permission
// envelope the agent runs with, plus capability filters used by assignment.
type Template struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	SystemPrompt         string         `json:"systemPrompt"`
	PermissionMode       PermissionMode `json:"permissionMode"`
	MaxTurns             int            `json:"maxTurns"`
	BuiltinTools         []string       `json:"builtinTools"`
	MCPServers           []MCPServer    `json:"mcpServers"`
	AllowedWorkItemTypes []string       `json:"allowedWorkItemTypes"`
	DefaultRole          Role           `json:"defaultRole,omitempty"`
	CreatedBy            string         `json:"createdBy"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// IsBuiltIn returns true for system-owned templates, which cannot be
// deleted or modified.
func (t *Template) IsBuiltIn() bool {
	return t.CreatedBy == SystemCreator
}

// AllowsWorkItemType returns true if the template can handle the given
// work-item type, either via the wildcard or an exact entry.
func (t *Template) AllowsWorkItemType(typ WorkItemType) bool {
	for _, allowed := range t.AllowedWorkItemTypes {
		if allowed == AllTypesWildcard || allowed == string(typ) {
			return true
		}
	}
	return false
}

// Validate checks the template invariants. It returns a ValidationError
// naming the offending field.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return &ValidationError{Field: "name", Reason: "name is required"}
	}
	if len(t.SystemPrompt) < minSystemPromptLen {
		return &ValidationError{
			Field:  "systemPrompt",
			Reason: fmt.Sprintf("system prompt must be at least %d characters, got %d", minSystemPromptLen, len(t.SystemPrompt)),
		}
	}
	if !t.PermissionMode.IsValid() {
		return &ValidationError{
			Field:  "permissionMode",
			Reason: fmt.Sprintf("unknown permission mode %q", t.PermissionMode),
		}
	}
	if t.MaxTurns < 1 || t.MaxTurns > 1000 {
		return &ValidationError{
			Field:  "maxTurns",
			Reason: fmt.Sprintf("maxTurns must be between 1 and 1000, got %d", t.MaxTurns),
		}
	}
	if len(t.AllowedWorkItemTypes) == 0 {
		return &ValidationError{
			Field:  "allowedWorkItemTypes",
			Reason: "at least one allowed work-item type is required (use * for all)",
		}
	}
	if t.DefaultRole != "" && !t.DefaultRole.IsValid() {
		return &ValidationError{
			Field:  "defaultRole",
			Reason: fmt.Sprintf("unknown role %q", t.DefaultRole),
		}
	}
	seen := make(map[string]bool, len(t.MCPServers))
	for _, srv := range t.MCPServers {
		if srv.Name == "" {
			return &ValidationError{Field: "mcpServers", Reason: "mcp server name is required"}
		}
		if seen[srv.Name] {
			return &ValidationError{
				Field:  "mcpServers",
				Reason: fmt.Sprintf("duplicate mcp server name %q", srv.Name),
			}
		}
		seen[srv.Name] = true
		switch srv.Kind {
		case MCPKindStdio:
			if srv.Command == "" {
				return &ValidationError{
					Field:  "mcpServers",
					Reason: fmt.Sprintf("stdio mcp server %q requires a command", srv.Name),
				}
			}
		case MCPKindSSE:
			if srv.URL == "" {
				return &ValidationError{
					Field:  "mcpServers",
					Reason: fmt.Sprintf("sse mcp server %q requires a url", srv.Name),
				}
			}
		default:
			return &ValidationError{
				Field:  "mcpServers",
				Reason: fmt.Sprintf("mcp server %q has unknown kind %q", srv.Name, srv.Kind),
			}
		}
	}
	return nil
}
