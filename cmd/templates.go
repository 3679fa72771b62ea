package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/gaffer/internal/config"
	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/infrastructure/sqlite"
	"github.com/zjrosen/gaffer/internal/registry"
	"github.com/zjrosen/gaffer/internal/ui/markdown"
)

// promptWrapWidth is the word wrap for rendered system prompts.
const promptWrapWidth = 100

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect agent templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent templates as JSON",
	Long: `List all agent templates as JSON.

Built-in templates are seeded on first run. User-defined templates are
created through the API.

Examples:
  # List all templates
  gaffer templates list

  # Parse specific fields with jq
  gaffer templates list | jq '.[].name'
  gaffer templates list | jq '.[] | select(.defaultRole == "implementer")'`,
	RunE: func(_ *cobra.Command, _ []string) error {
		reg, closeDB, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeDB()

		all, err := reg.GetAll()
		if err != nil {
			return fmt.Errorf("listing templates: %w", err)
		}

		out, err := json.MarshalIndent(templateSummaries(all), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var templatesShowCmd = &cobra.Command{
	Use:   "show <id-or-name>",
	Short: "Show one template with its rendered system prompt",
	Long: `Show a template's settings and its system prompt rendered as markdown.

The argument matches a template id first, then a name (case-insensitive).

Examples:
  gaffer templates show Implementer
  gaffer templates show "my custom reviewer"`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		reg, closeDB, err := openRegistry()
		if err != nil {
			return err
		}
		defer closeDB()

		tpl, err := findTemplate(reg, args[0])
		if err != nil {
			return err
		}

		owner := tpl.CreatedBy
		if tpl.IsBuiltIn() {
			owner = "built-in"
		}
		fmt.Printf("ID:          %s\n", tpl.ID)
		fmt.Printf("Name:        %s\n", tpl.Name)
		if tpl.DefaultRole != "" {
			fmt.Printf("Role:        %s\n", tpl.DefaultRole)
		}
		fmt.Printf("Permissions: %s\n", tpl.PermissionMode)
		fmt.Printf("Max turns:   %d\n", tpl.MaxTurns)
		fmt.Printf("Item types:  %s\n", strings.Join(tpl.AllowedWorkItemTypes, ", "))
		if len(tpl.BuiltinTools) > 0 {
			fmt.Printf("Tools:       %s\n", strings.Join(tpl.BuiltinTools, ", "))
		}
		if len(tpl.MCPServers) > 0 {
			names := make([]string, len(tpl.MCPServers))
			for i, srv := range tpl.MCPServers {
				names[i] = srv.Name
			}
			fmt.Printf("MCP servers: %s\n", strings.Join(names, ", "))
		}
		fmt.Printf("Owner:       %s\n", owner)

		rendered, err := markdown.Render(tpl.SystemPrompt, promptWrapWidth)
		if err != nil {
			// Fall back to the raw prompt when the terminal renderer
			// cannot be built (no TERM, unsupported profile).
			fmt.Printf("\n%s\n", tpl.SystemPrompt)
			return nil
		}
		fmt.Print(rendered)
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesShowCmd)
	rootCmd.AddCommand(templatesCmd)
}

// openRegistry opens the configured database and returns a registry over
// it. Seeding is idempotent, so a fresh install lists the built-ins
// without requiring the daemon to have run first.
func openRegistry() (*registry.Registry, func(), error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = config.DefaultDatabasePath()
	}
	if dbPath == "" {
		return nil, nil, fmt.Errorf("no database path configured and home directory unavailable")
	}
	db, err := sqlite.NewDB(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	reg := registry.New(db.Templates(), db.Traces())
	if err := reg.InitializeBuiltIns(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("seeding built-in templates: %w", err)
	}
	return reg, func() { _ = db.Close() }, nil
}

type templateSummary struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	DefaultRole    string   `json:"defaultRole,omitempty"`
	PermissionMode string   `json:"permissionMode"`
	MaxTurns       int      `json:"maxTurns"`
	WorkItemTypes  []string `json:"workItemTypes"`
	BuiltIn        bool     `json:"builtIn"`
}

func templateSummaries(all []*domain.Template) []templateSummary {
	out := make([]templateSummary, len(all))
	for i, tpl := range all {
		out[i] = templateSummary{
			ID:             tpl.ID,
			Name:           tpl.Name,
			DefaultRole:    string(tpl.DefaultRole),
			PermissionMode: string(tpl.PermissionMode),
			MaxTurns:       tpl.MaxTurns,
			WorkItemTypes:  tpl.AllowedWorkItemTypes,
			BuiltIn:        tpl.IsBuiltIn(),
		}
	}
	return out
}

// findTemplate resolves the argument as an id first, then as a
// case-insensitive name.
func findTemplate(reg *registry.Registry, key string) (*domain.Template, error) {
	if tpl, err := reg.GetByID(key); err == nil {
		return tpl, nil
	}
	all, err := reg.GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	for _, tpl := range all {
		if strings.EqualFold(tpl.Name, key) {
			return tpl, nil
		}
	}
	return nil, fmt.Errorf("no template with id or name %q", key)
}
