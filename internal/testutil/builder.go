package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/infrastructure/sqlite"
)

// Builder accumulates fixtures and inserts them in dependency order:
// repositories, then templates, then work items, then workers.
type Builder struct {
	t         *testing.T
	db        *sqlite.DB
	repos     []*domain.Repository
	templates []*domain.Template
	items     []*domain.WorkItem
	workers   []*domain.Worker
}

// NewBuilder creates a builder for the given test database.
func NewBuilder(t *testing.T, db *sqlite.DB) *Builder {
	t.Helper()
	return &Builder{t: t, db: db}
}

// WithRepository adds a code repository.
func (b *Builder) WithRepository(id, name string) *Builder {
	b.repos = append(b.repos, &domain.Repository{
		ID:   id,
		Name: name,
		URL:  "https://example.com/" + name + ".git",
	})
	return b
}

// WithTemplate adds a template with optional configuration.
func (b *Builder) WithTemplate(id, name string, opts ...TemplateOption) *Builder {
	tpl := DefaultTemplate(id, name)
	for _, opt := range opts {
		opt(tpl)
	}
	b.templates = append(b.templates, tpl)
	return b
}

// WithWorkItem adds a work item with optional configuration.
func (b *Builder) WithWorkItem(id, title string, opts ...WorkItemOption) *Builder {
	item := DefaultWorkItem(id, title)
	for _, opt := range opts {
		opt(item)
	}
	b.items = append(b.items, item)
	return b
}

// WithWorker adds a worker spawned from the given template.
func (b *Builder) WithWorker(id, templateID string, opts ...WorkerOption) *Builder {
	w := DefaultWorker(id, templateID)
	for _, opt := range opts {
		opt(w)
	}
	b.workers = append(b.workers, w)
	return b
}

// Build inserts all accumulated fixtures.
func (b *Builder) Build() {
	b.t.Helper()
	for _, repo := range b.repos {
		require.NoError(b.t, b.db.Repositories().Create(repo))
	}
	for _, tpl := range b.templates {
		require.NoError(b.t, b.db.Templates().Create(tpl))
	}
	for _, item := range b.items {
		require.NoError(b.t, b.db.WorkItems().Create(item))
	}
	for _, w := range b.workers {
		require.NoError(b.t, b.db.Workers().Create(w))
	}
}
