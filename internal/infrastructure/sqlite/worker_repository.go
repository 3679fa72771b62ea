package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/gaffer/internal/domain"
)

// workerColumns is the list of columns to select for worker queries.
const workerColumns = `id, template_id, session_id, status, current_work_item_id, current_role,
	context_window_used, context_window_limit, tokens_used, cost_usd, tool_calls_count,
	error_count, last_error, spawned_at, terminated_at`

// workerRepository implements domain.WorkerRepository using sqlite.
type workerRepository struct {
	db *sql.DB
}

func newWorkerRepository(db *sql.DB) *workerRepository {
	return &workerRepository{db: db}
}

var _ domain.WorkerRepository = (*workerRepository)(nil)

func scanWorker(scanner interface{ Scan(...any) error }) (*domain.Worker, error) {
	var (
		w            domain.Worker
		currentItem  sql.NullString
		currentRole  sql.NullString
		spawnedAt    int64
		terminatedAt sql.NullInt64
	)
	err := scanner.Scan(
		&w.ID, &w.TemplateID, &w.SessionID, &w.Status, &currentItem, &currentRole,
		&w.ContextWindowUsed, &w.ContextWindowLimit, &w.TokensUsed, &w.CostUSD,
		&w.ToolCallsCount, &w.ErrorCount, &w.LastError, &spawnedAt, &terminatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.CurrentWorkItemID = currentItem.String
	w.CurrentRole = domain.Role(currentRole.String)
	w.SpawnedAt = time.Unix(spawnedAt, 0)
	w.TerminatedAt = timeFromUnix(terminatedAt)
	return &w, nil
}

func (r *workerRepository) Create(w *domain.Worker) error {
	if w.SpawnedAt.IsZero() {
		w.SpawnedAt = time.Now()
	}

	_, err := r.db.Exec(
		`INSERT INTO workers (
			id, template_id, session_id, status, current_work_item_id, current_role,
			context_window_used, context_window_limit, tokens_used, cost_usd,
			tool_calls_count, error_count, last_error, spawned_at, terminated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.TemplateID, w.SessionID, string(w.Status),
		stringOrNil(w.CurrentWorkItemID), stringOrNil(string(w.CurrentRole)),
		w.ContextWindowUsed, w.ContextWindowLimit, w.TokensUsed, w.CostUSD,
		w.ToolCallsCount, w.ErrorCount, w.LastError, w.SpawnedAt.Unix(), unixOrNil(w.TerminatedAt),
	)
	if isForeignKeyViolation(err) {
		return &domain.ValidationError{Field: "templateId", Reason: "template does not exist"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert worker: %w", err)
	}
	return nil
}

func (r *workerRepository) Get(id string) (*domain.Worker, error) {
	row := r.db.QueryRow(
		`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id,
	)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.WorkerNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find worker by id: %w", err)
	}
	return w, nil
}

func (r *workerRepository) List() ([]*domain.Worker, error) {
	return r.queryWorkers(`SELECT ` + workerColumns + ` FROM workers ORDER BY spawned_at ASC`)
}

func (r *workerRepository) ListByStatus(status domain.WorkerStatus) ([]*domain.Worker, error) {
	return r.queryWorkers(
		`SELECT `+workerColumns+` FROM workers WHERE status = ? ORDER BY spawned_at ASC`,
		string(status),
	)
}

func (r *workerRepository) ListByTemplate(templateID string) ([]*domain.Worker, error) {
	return r.queryWorkers(
		`SELECT `+workerColumns+` FROM workers WHERE template_id = ? ORDER BY spawned_at ASC`,
		templateID,
	)
}

func (r *workerRepository) queryWorkers(query string, args ...any) ([]*domain.Worker, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []*domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker row: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating worker rows: %w", err)
	}
	return workers, nil
}

func (r *workerRepository) Update(w *domain.Worker) error {
	result, err := r.db.Exec(
		`UPDATE workers SET
			template_id = ?, session_id = ?, status = ?, current_work_item_id = ?,
			current_role = ?, context_window_used = ?, context_window_limit = ?,
			tokens_used = ?, cost_usd = ?, tool_calls_count = ?, error_count = ?,
			last_error = ?, terminated_at = ?
		WHERE id = ?`,
		w.TemplateID, w.SessionID, string(w.Status), stringOrNil(w.CurrentWorkItemID),
		stringOrNil(string(w.CurrentRole)), w.ContextWindowUsed, w.ContextWindowLimit,
		w.TokensUsed, w.CostUSD, w.ToolCallsCount, w.ErrorCount,
		w.LastError, unixOrNil(w.TerminatedAt),
		w.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &domain.WorkerNotFoundError{ID: w.ID}
	}
	return nil
}

func (r *workerRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &domain.WorkerNotFoundError{ID: id}
	}
	return nil
}
