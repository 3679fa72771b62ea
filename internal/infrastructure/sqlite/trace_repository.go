package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/gaffer/internal/domain"
)

// traceColumns is the list of columns to select for trace queries.
const traceColumns = `id, event_type, worker_id, work_item_id, execution_id, data, created_at`

// traceRepository implements domain.TraceRepository using sqlite. Traces
// are append-only; there is no update or delete.
type traceRepository struct {
	db *sql.DB
}

func newTraceRepository(db *sql.DB) *traceRepository {
	return &traceRepository{db: db}
}

var _ domain.TraceRepository = (*traceRepository)(nil)

func scanTrace(scanner interface{ Scan(...any) error }) (*domain.Trace, error) {
	var (
		t           domain.Trace
		workerID    sql.NullString
		workItemID  sql.NullString
		executionID sql.NullString
		data        sql.NullString
		createdAt   int64
	)
	err := scanner.Scan(&t.ID, &t.EventType, &workerID, &workItemID, &executionID, &data, &createdAt)
	if err != nil {
		return nil, err
	}
	t.WorkerID = workerID.String
	t.WorkItemID = workItemID.String
	t.ExecutionID = executionID.String
	if data.Valid && data.String != "" {
		t.Data = json.RawMessage(data.String)
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	return &t, nil
}

func (r *traceRepository) Create(t *domain.Trace) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	var data any
	if len(t.Data) > 0 {
		data = string(t.Data)
	}

	_, err := r.db.Exec(
		`INSERT INTO traces (id, event_type, worker_id, work_item_id, execution_id, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.EventType), stringOrNil(t.WorkerID), stringOrNil(t.WorkItemID),
		stringOrNil(t.ExecutionID), data, t.CreatedAt.Unix(),
	)
	if isForeignKeyViolation(err) {
		return &domain.ValidationError{Field: "executionId", Reason: "execution does not exist"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert trace: %w", err)
	}
	return nil
}

func (r *traceRepository) ListByExecution(executionID string, eventType domain.TraceEventType) ([]*domain.Trace, error) {
	query := `SELECT ` + traceColumns + ` FROM traces WHERE execution_id = ?`
	args := []any{executionID}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return r.queryTraces(query, args...)
}

func (r *traceRepository) ListByWorkItem(workItemID string) ([]*domain.Trace, error) {
	return r.queryTraces(
		`SELECT `+traceColumns+` FROM traces WHERE work_item_id = ? ORDER BY created_at ASC, id ASC`,
		workItemID,
	)
}

func (r *traceRepository) ListRecent(limit int) ([]*domain.Trace, error) {
	return r.queryTraces(
		`SELECT `+traceColumns+` FROM traces ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
}

func (r *traceRepository) queryTraces(query string, args ...any) ([]*domain.Trace, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var traces []*domain.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trace row: %w", err)
		}
		traces = append(traces, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trace rows: %w", err)
	}
	return traces, nil
}
