// Package registry manages agent templates: CRUD with validation,
// capability queries used by assignment, and idempotent seeding of the
// built-in role templates.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/gaffer/internal/cachemanager"
	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
)

const templateCacheTTL = 5 * time.Minute

// Registry is the template service. All reads go through a TTL cache that
// is flushed on every write; consumers holding their own template caches
// subscribe with OnWrite.
type Registry struct {
	templates domain.TemplateRepository
	traces    domain.TraceRepository
	cache     cachemanager.CacheManager[string, *domain.Template]

	mu      sync.Mutex
	onWrite []func()
}

// New creates a registry over the given repositories. traces may be nil;
// prompt-change audits are then skipped.
func New(templates domain.TemplateRepository, traces domain.TraceRepository) *Registry {
	return &Registry{
		templates: templates,
		traces:    traces,
		cache: cachemanager.NewInMemoryCacheManager[string, *domain.Template](
			"template-registry", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval,
		),
	}
}

// OnWrite registers a hook invoked after every successful template write.
// The scorer uses this to drop its own template cache.
func (r *Registry) OnWrite(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onWrite = append(r.onWrite, fn)
}

func (r *Registry) invalidate() {
	_ = r.cache.Flush(context.Background())

	r.mu.Lock()
	hooks := slices.Clone(r.onWrite)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Register validates and persists a new template. An empty ID is assigned
// a fresh uuid.
func (r *Registry) Register(t *domain.Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if err := r.templates.Create(t); err != nil {
		return err
	}

	log.Info(log.CatReg, "Template registered", "id", t.ID, "name", t.Name)
	r.invalidate()
	return nil
}

// TemplateUpdate is a partial template change. Nil pointer fields and nil
// slices leave the current value untouched.
type TemplateUpdate struct {
	Name                 *string
	SystemPrompt         *string
	PermissionMode       *domain.PermissionMode
	MaxTurns             *int
	DefaultRole          *domain.Role
	BuiltinTools         []string
	MCPServers           []domain.MCPServer
	AllowedWorkItemTypes []string
}

func (u TemplateUpdate) apply(t *domain.Template) {
	if u.Name != nil {
		t.Name = *u.Name
	}
	if u.SystemPrompt != nil {
		t.SystemPrompt = *u.SystemPrompt
	}
	if u.PermissionMode != nil {
		t.PermissionMode = *u.PermissionMode
	}
	if u.MaxTurns != nil {
		t.MaxTurns = *u.MaxTurns
	}
	if u.DefaultRole != nil {
		t.DefaultRole = *u.DefaultRole
	}
	if u.BuiltinTools != nil {
		t.BuiltinTools = u.BuiltinTools
	}
	if u.MCPServers != nil {
		t.MCPServers = u.MCPServers
	}
	if u.AllowedWorkItemTypes != nil {
		t.AllowedWorkItemTypes = u.AllowedWorkItemTypes
	}
}

// Update applies a partial change to a template. Built-in templates are
// immutable.
func (r *Registry) Update(id string, patch TemplateUpdate) (*domain.Template, error) {
	current, err := r.templates.Get(id)
	if err != nil {
		return nil, err
	}
	if current.IsBuiltIn() {
		return nil, &domain.SystemTemplateError{ID: id, Op: "modify"}
	}

	oldPrompt := current.SystemPrompt
	patch.apply(current)
	if err := current.Validate(); err != nil {
		return nil, err
	}
	if err := r.templates.Update(current); err != nil {
		return nil, err
	}

	if current.SystemPrompt != oldPrompt {
		r.auditPromptChange(current, oldPrompt, current.SystemPrompt)
	}

	log.Info(log.CatReg, "Template updated", "id", id, "name", current.Name)
	r.invalidate()
	return current, nil
}

// Unregister deletes a template. Built-ins are protected, and templates
// still referenced by workers cannot be removed.
func (r *Registry) Unregister(id string) error {
	current, err := r.templates.Get(id)
	if err != nil {
		return err
	}
	if current.IsBuiltIn() {
		return &domain.SystemTemplateError{ID: id}
	}
	if err := r.templates.Delete(id); err != nil {
		return err
	}

	log.Info(log.CatReg, "Template unregistered", "id", id, "name", current.Name)
	r.invalidate()
	return nil
}

// GetByID returns a template, served from cache when warm.
func (r *Registry) GetByID(id string) (*domain.Template, error) {
	if tpl, ok := r.cache.Get(context.Background(), id); ok {
		return tpl, nil
	}
	tpl, err := r.templates.Get(id)
	if err != nil {
		return nil, err
	}
	r.cache.Set(context.Background(), id, tpl, templateCacheTTL)
	return tpl, nil
}

// GetAll returns every template ordered by name.
func (r *Registry) GetAll() ([]*domain.Template, error) {
	return r.templates.List()
}

// GetBuiltIn returns the system-owned templates.
func (r *Registry) GetBuiltIn() ([]*domain.Template, error) {
	return r.filter(func(t *domain.Template) bool { return t.IsBuiltIn() })
}

// GetUserDefined returns templates created by the given user.
func (r *Registry) GetUserDefined(userID string) ([]*domain.Template, error) {
	return r.filter(func(t *domain.Template) bool { return !t.IsBuiltIn() && t.CreatedBy == userID })
}

// FindByRole returns templates whose default role matches.
func (r *Registry) FindByRole(role domain.Role) ([]*domain.Template, error) {
	return r.filter(func(t *domain.Template) bool { return t.DefaultRole == role })
}

// FindForWorkItemType returns templates able to handle the given type,
// via the wildcard or an exact entry.
func (r *Registry) FindForWorkItemType(typ domain.WorkItemType) ([]*domain.Template, error) {
	return r.filter(func(t *domain.Template) bool { return t.AllowsWorkItemType(typ) })
}

func (r *Registry) filter(keep func(*domain.Template) bool) ([]*domain.Template, error) {
	all, err := r.templates.List()
	if err != nil {
		return nil, err
	}
	matched := make([]*domain.Template, 0, len(all))
	for _, t := range all {
		if keep(t) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// Clone copies a template under a new name and owner. Clones of built-ins
// belong to the creator and are freely editable.
func (r *Registry) Clone(id, newName, creator string) (*domain.Template, error) {
	source, err := r.templates.Get(id)
	if err != nil {
		return nil, err
	}

	clone := *source
	clone.ID = uuid.NewString()
	clone.Name = newName
	clone.CreatedBy = creator
	clone.CreatedAt = time.Time{}
	clone.UpdatedAt = time.Time{}
	clone.BuiltinTools = slices.Clone(source.BuiltinTools)
	clone.AllowedWorkItemTypes = slices.Clone(source.AllowedWorkItemTypes)
	clone.MCPServers = slices.Clone(source.MCPServers)

	if err := clone.Validate(); err != nil {
		return nil, err
	}
	if err := r.templates.Create(&clone); err != nil {
		return nil, err
	}

	log.Info(log.CatReg, "Template cloned", "source", id, "id", clone.ID, "name", newName)
	r.invalidate()
	return &clone, nil
}

// InitializeBuiltIns seeds the built-in role templates from the embedded
// definitions. Calling it repeatedly is safe; templates that already exist
// by name are left alone.
func (r *Registry) InitializeBuiltIns() error {
	seeds, err := loadBuiltIns()
	if err != nil {
		return err
	}

	var seeded int
	for _, tpl := range seeds {
		_, err := r.templates.GetByName(tpl.Name)
		if err == nil {
			continue
		}
		var notFound *domain.TemplateNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("checking builtin %s: %w", tpl.Name, err)
		}

		tpl.ID = uuid.NewString()
		if err := r.templates.Create(tpl); err != nil {
			// A concurrent seeder won the race for this name.
			var dup *domain.DuplicateNameError
			if errors.As(err, &dup) {
				continue
			}
			return fmt.Errorf("seeding builtin %s: %w", tpl.Name, err)
		}
		seeded++
	}

	if seeded > 0 {
		log.Info(log.CatReg, "Built-in templates seeded", "count", seeded)
		r.invalidate()
	}
	return nil
}

// auditPromptChange records a word-diff of a prompt edit in the trace
// stream. Audit failures are logged, never surfaced.
func (r *Registry) auditPromptChange(tpl *domain.Template, before, after string) {
	if r.traces == nil {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"templateId": tpl.ID,
		"field":      "systemPrompt",
		"diff":       promptDiff(before, after),
	})
	if err != nil {
		log.ErrorErr(log.CatReg, "Failed to encode prompt audit", err, "template", tpl.ID)
		return
	}

	trace := &domain.Trace{
		ID:        uuid.NewString(),
		EventType: domain.TraceTemplateAudit,
		Data:      payload,
	}
	if err := r.traces.Create(trace); err != nil {
		log.ErrorErr(log.CatReg, "Failed to record prompt audit", err, "template", tpl.ID)
	}
}
