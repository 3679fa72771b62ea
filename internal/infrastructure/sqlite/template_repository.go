package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/gaffer/internal/domain"
)

// templateColumns is the list of columns to select for template queries.
const templateColumns = `id, name, system_prompt, permission_mode, max_turns, builtin_tools,
	mcp_servers, allowed_work_item_types, default_role, created_by, created_at, updated_at`

// templateRepository implements domain.TemplateRepository using sqlite.
type templateRepository struct {
	db *sql.DB
}

func newTemplateRepository(db *sql.DB) *templateRepository {
	return &templateRepository{db: db}
}

var _ domain.TemplateRepository = (*templateRepository)(nil)

func scanTemplate(scanner interface{ Scan(...any) error }) (*domain.Template, error) {
	var (
		t            domain.Template
		builtinTools sql.NullString
		mcpServers   sql.NullString
		allowedTypes sql.NullString
		defaultRole  sql.NullString
		createdAt    int64
		updatedAt    int64
	)
	err := scanner.Scan(
		&t.ID, &t.Name, &t.SystemPrompt, &t.PermissionMode, &t.MaxTurns,
		&builtinTools, &mcpServers, &allowedTypes, &defaultRole,
		&t.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := jsonScan(builtinTools, &t.BuiltinTools); err != nil {
		return nil, fmt.Errorf("decoding builtin_tools: %w", err)
	}
	if err := jsonScan(mcpServers, &t.MCPServers); err != nil {
		return nil, fmt.Errorf("decoding mcp_servers: %w", err)
	}
	if err := jsonScan(allowedTypes, &t.AllowedWorkItemTypes); err != nil {
		return nil, fmt.Errorf("decoding allowed_work_item_types: %w", err)
	}
	t.DefaultRole = domain.Role(defaultRole.String)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

func (r *templateRepository) Create(t *domain.Template) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	builtinTools, err := jsonString(t.BuiltinTools)
	if err != nil {
		return fmt.Errorf("encoding builtin_tools: %w", err)
	}
	mcpServers, err := jsonString(t.MCPServers)
	if err != nil {
		return fmt.Errorf("encoding mcp_servers: %w", err)
	}
	allowedTypes, err := jsonString(t.AllowedWorkItemTypes)
	if err != nil {
		return fmt.Errorf("encoding allowed_work_item_types: %w", err)
	}

	_, err = r.db.Exec(
		`INSERT INTO templates (
			id, name, system_prompt, permission_mode, max_turns, builtin_tools,
			mcp_servers, allowed_work_item_types, default_role, created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.SystemPrompt, string(t.PermissionMode), t.MaxTurns, builtinTools,
		mcpServers, allowedTypes, stringOrNil(string(t.DefaultRole)), t.CreatedBy,
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if isUniqueViolation(err) {
		return &domain.DuplicateNameError{Name: t.Name}
	}
	if err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

func (r *templateRepository) Get(id string) (*domain.Template, error) {
	row := r.db.QueryRow(
		`SELECT `+templateColumns+` FROM templates WHERE id = ?`, id,
	)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.TemplateNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find template by id: %w", err)
	}
	return t, nil
}

func (r *templateRepository) GetByName(name string) (*domain.Template, error) {
	row := r.db.QueryRow(
		`SELECT `+templateColumns+` FROM templates WHERE name = ? COLLATE NOCASE`, name,
	)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.TemplateNotFoundError{ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find template by name: %w", err)
	}
	return t, nil
}

func (r *templateRepository) List() ([]*domain.Template, error) {
	rows, err := r.db.Query(
		`SELECT ` + templateColumns + ` FROM templates ORDER BY name COLLATE NOCASE`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var templates []*domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating template rows: %w", err)
	}
	return templates, nil
}

func (r *templateRepository) Update(t *domain.Template) error {
	t.UpdatedAt = time.Now()

	builtinTools, err := jsonString(t.BuiltinTools)
	if err != nil {
		return fmt.Errorf("encoding builtin_tools: %w", err)
	}
	mcpServers, err := jsonString(t.MCPServers)
	if err != nil {
		return fmt.Errorf("encoding mcp_servers: %w", err)
	}
	allowedTypes, err := jsonString(t.AllowedWorkItemTypes)
	if err != nil {
		return fmt.Errorf("encoding allowed_work_item_types: %w", err)
	}

	result, err := r.db.Exec(
		`UPDATE templates SET
			name = ?, system_prompt = ?, permission_mode = ?, max_turns = ?, builtin_tools = ?,
			mcp_servers = ?, allowed_work_item_types = ?, default_role = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.SystemPrompt, string(t.PermissionMode), t.MaxTurns, builtinTools,
		mcpServers, allowedTypes, stringOrNil(string(t.DefaultRole)), t.UpdatedAt.Unix(),
		t.ID,
	)
	if isUniqueViolation(err) {
		return &domain.DuplicateNameError{Name: t.Name}
	}
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &domain.TemplateNotFoundError{ID: t.ID}
	}
	return nil
}

func (r *templateRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM templates WHERE id = ?`, id)
	if isForeignKeyViolation(err) {
		return &domain.TemplateInUseError{ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &domain.TemplateNotFoundError{ID: id}
	}
	return nil
}
