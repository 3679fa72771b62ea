package registry

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/gaffer/internal/domain"
)

//go:embed seeds/builtins.yaml
var seedFS embed.FS

// seedFile is the root structure of seeds/builtins.yaml.
type seedFile struct {
	Templates []seedDef `yaml:"templates"`
}

// seedDef defines a single built-in template in YAML.
type seedDef struct {
	Name                 string   `yaml:"name"`
	DefaultRole          string   `yaml:"defaultRole"`
	PermissionMode       string   `yaml:"permissionMode"`
	MaxTurns             int      `yaml:"maxTurns"`
	AllowedWorkItemTypes []string `yaml:"allowedWorkItemTypes"`
	BuiltinTools         []string `yaml:"builtinTools"`
	SystemPrompt         string   `yaml:"systemPrompt"`
}

// loadBuiltIns parses the embedded seed definitions into templates. The
// returned templates have no IDs; callers assign them when persisting.
func loadBuiltIns() ([]*domain.Template, error) {
	content, err := seedFS.ReadFile("seeds/builtins.yaml")
	if err != nil {
		return nil, fmt.Errorf("read builtin seeds: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse builtin seeds: %w", err)
	}

	templates := make([]*domain.Template, 0, len(file.Templates))
	for _, def := range file.Templates {
		tpl := &domain.Template{
			Name:                 def.Name,
			SystemPrompt:         def.SystemPrompt,
			PermissionMode:       domain.PermissionMode(def.PermissionMode),
			MaxTurns:             def.MaxTurns,
			BuiltinTools:         def.BuiltinTools,
			AllowedWorkItemTypes: def.AllowedWorkItemTypes,
			DefaultRole:          domain.Role(def.DefaultRole),
			CreatedBy:            domain.SystemCreator,
		}
		if err := tpl.Validate(); err != nil {
			return nil, fmt.Errorf("builtin seed %s: %w", def.Name, err)
		}
		templates = append(templates, tpl)
	}
	return templates, nil
}
