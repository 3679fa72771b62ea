package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/gaffer/internal/domain"
)

// executionColumns is the list of columns to select for execution queries.
const executionColumns = `id, worker_id, work_item_id, workspace_id, template_id, status,
	created_at, started_at, completed_at, duration_ms, tokens_used, cost_usd,
	tool_calls_count, error_message, output`

// executionRepository implements domain.ExecutionRepository using sqlite.
type executionRepository struct {
	db *sql.DB
}

func newExecutionRepository(db *sql.DB) *executionRepository {
	return &executionRepository{db: db}
}

var _ domain.ExecutionRepository = (*executionRepository)(nil)

func scanExecution(scanner interface{ Scan(...any) error }) (*domain.Execution, error) {
	var (
		e           domain.Execution
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		durationMs  sql.NullInt64
	)
	err := scanner.Scan(
		&e.ID, &e.WorkerID, &e.WorkItemID, &e.WorkspaceID, &e.TemplateID, &e.Status,
		&createdAt, &startedAt, &completedAt, &durationMs, &e.TokensUsed, &e.CostUSD,
		&e.ToolCallsCount, &e.ErrorMessage, &e.Output,
	)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = time.Unix(createdAt, 0)
	e.StartedAt = timeFromUnix(startedAt)
	e.CompletedAt = timeFromUnix(completedAt)
	if durationMs.Valid {
		e.DurationMs = &durationMs.Int64
	}
	return &e, nil
}

func (r *executionRepository) Create(e *domain.Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var durationMs any
	if e.DurationMs != nil {
		durationMs = *e.DurationMs
	}

	_, err := r.db.Exec(
		`INSERT INTO executions (
			id, worker_id, work_item_id, workspace_id, template_id, status,
			created_at, started_at, completed_at, duration_ms, tokens_used, cost_usd,
			tool_calls_count, error_message, output
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkerID, e.WorkItemID, e.WorkspaceID, e.TemplateID, string(e.Status),
		e.CreatedAt.Unix(), unixOrNil(e.StartedAt), unixOrNil(e.CompletedAt), durationMs,
		e.TokensUsed, e.CostUSD, e.ToolCallsCount, e.ErrorMessage, e.Output,
	)
	if isForeignKeyViolation(err) {
		return &domain.ValidationError{Field: "workerId", Reason: "worker, work item, or template does not exist"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (r *executionRepository) Get(id string) (*domain.Execution, error) {
	row := r.db.QueryRow(
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id,
	)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ExecutionNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find execution by id: %w", err)
	}
	return e, nil
}

// List returns the filtered page ordered newest first, plus the total match
// count before pagination.
func (r *executionRepository) List(filter domain.ExecutionFilter) ([]*domain.Execution, int, error) {
	where := ` FROM executions WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.WorkerID != "" {
		where += ` AND worker_id = ?`
		args = append(args, filter.WorkerID)
	}
	if filter.WorkItemID != "" {
		where += ` AND work_item_id = ?`
		args = append(args, filter.WorkItemID)
	}
	if filter.DateFrom != nil {
		where += ` AND created_at >= ?`
		args = append(args, filter.DateFrom.Unix())
	}
	if filter.DateTo != nil {
		where += ` AND created_at <= ?`
		args = append(args, filter.DateTo.Unix())
	}

	var total int
	if err := r.db.QueryRow(`SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	query := `SELECT ` + executionColumns + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		// Sqlite requires a LIMIT clause before OFFSET; -1 means unbounded.
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var executions []*domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan execution row: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating execution rows: %w", err)
	}
	return executions, total, nil
}

func (r *executionRepository) ListByWorkItem(workItemID string) ([]*domain.Execution, error) {
	executions, _, err := r.List(domain.ExecutionFilter{WorkItemID: workItemID})
	return executions, err
}

func (r *executionRepository) Update(e *domain.Execution) error {
	var durationMs any
	if e.DurationMs != nil {
		durationMs = *e.DurationMs
	}

	result, err := r.db.Exec(
		`UPDATE executions SET
			status = ?, started_at = ?, completed_at = ?, duration_ms = ?,
			tokens_used = ?, cost_usd = ?, tool_calls_count = ?, error_message = ?, output = ?
		WHERE id = ?`,
		string(e.Status), unixOrNil(e.StartedAt), unixOrNil(e.CompletedAt), durationMs,
		e.TokensUsed, e.CostUSD, e.ToolCallsCount, e.ErrorMessage, e.Output,
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &domain.ExecutionNotFoundError{ID: e.ID}
	}
	return nil
}
