package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validTemplate() *Template {
	return &Template{
		ID:                   "tpl-1",
		Name:                 "Implementer",
		SystemPrompt:         "You implement work items end to end and open pull requests.",
		PermissionMode:       PermissionAcceptEdits,
		MaxTurns:             50,
		BuiltinTools:         []string{"bash", "edit"},
		AllowedWorkItemTypes: []string{AllTypesWildcard},
		DefaultRole:          RoleImplementer,
		CreatedBy:            "user-1",
	}
}

func TestTemplate_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Template)
		wantErr string // empty means valid; otherwise the expected Field
	}{
		{"valid", func(t *Template) {}, ""},
		{"missing name", func(t *Template) { t.Name = "  " }, "name"},
		{"short prompt", func(t *Template) { t.SystemPrompt = "too short" }, "systemPrompt"},
		{"bad permission mode", func(t *Template) { t.PermissionMode = "yolo" }, "permissionMode"},
		{"maxTurns zero", func(t *Template) { t.MaxTurns = 0 }, "maxTurns"},
		{"maxTurns too large", func(t *Template) { t.MaxTurns = 1001 }, "maxTurns"},
		{"maxTurns upper bound ok", func(t *Template) { t.MaxTurns = 1000 }, ""},
		{"no allowed types", func(t *Template) { t.AllowedWorkItemTypes = nil }, "allowedWorkItemTypes"},
		{"bad default role", func(t *Template) { t.DefaultRole = "wizard" }, "defaultRole"},
		{"empty default role ok", func(t *Template) { t.DefaultRole = "" }, ""},
		{"mcp missing name", func(t *Template) {
			t.MCPServers = []MCPServer{{Kind: MCPKindStdio, Command: "run"}}
		}, "mcpServers"},
		{"mcp duplicate name", func(t *Template) {
			t.MCPServers = []MCPServer{
				{Name: "fs", Kind: MCPKindStdio, Command: "run"},
				{Name: "fs", Kind: MCPKindSSE, URL: "http://localhost"},
			}
		}, "mcpServers"},
		{"stdio without command", func(t *Template) {
			t.MCPServers = []MCPServer{{Name: "fs", Kind: MCPKindStdio}}
		}, "mcpServers"},
		{"sse without url", func(t *Template) {
			t.MCPServers = []MCPServer{{Name: "remote", Kind: MCPKindSSE}}
		}, "mcpServers"},
		{"unknown mcp kind", func(t *Template) {
			t.MCPServers = []MCPServer{{Name: "x", Kind: "grpc"}}
		}, "mcpServers"},
		{"valid mcp servers", func(t *Template) {
			t.MCPServers = []MCPServer{
				{Name: "fs", Kind: MCPKindStdio, Command: "mcp-fs", Args: []string{"--root", "/tmp"}},
				{Name: "tracker", Kind: MCPKindSSE, URL: "http://localhost:9000/sse"},
			}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := validTemplate()
			tt.mutate(tpl)
			err := tpl.Validate()

			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			require.Equal(t, tt.wantErr, vErr.Field)
		})
	}
}

func TestTemplate_IsBuiltIn(t *testing.T) {
	tpl := validTemplate()
	require.False(t, tpl.IsBuiltIn())

	tpl.CreatedBy = SystemCreator
	require.True(t, tpl.IsBuiltIn())
}

func TestTemplate_AllowsWorkItemType(t *testing.T) {
	tpl := validTemplate()

	tpl.AllowedWorkItemTypes = []string{AllTypesWildcard}
	require.True(t, tpl.AllowsWorkItemType(TypeBug))
	require.True(t, tpl.AllowsWorkItemType(WorkItemType("custom")))

	tpl.AllowedWorkItemTypes = []string{"bug", "feature"}
	require.True(t, tpl.AllowsWorkItemType(TypeBug))
	require.True(t, tpl.AllowsWorkItemType(TypeFeature))
	require.False(t, tpl.AllowsWorkItemType(TypeResearch))
}

func TestRoleForStatus(t *testing.T) {
	tests := []struct {
		status WorkItemStatus
		role   Role
	}{
		{StatusBacklog, RoleRefiner},
		{StatusReady, RoleImplementer},
		{StatusInProgress, RoleTester},
		{StatusReview, RoleReviewer},
		{StatusDone, Role("")},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			require.Equal(t, tt.role, RoleForStatus(tt.status))
		})
	}
}

func TestPermissionMode_IsValid(t *testing.T) {
	require.True(t, PermissionAskUser.IsValid())
	require.True(t, PermissionAcceptEdits.IsValid())
	require.True(t, PermissionBypass.IsValid())
	require.False(t, PermissionMode("").IsValid())
	require.False(t, PermissionMode(strings.ToUpper(string(PermissionBypass))).IsValid())
}
