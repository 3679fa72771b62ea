package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/zjrosen/gaffer/internal/domain"
)

// workItemColumns is the list of columns to select for work item queries.
const workItemColumns = `id, title, item_type, status, description, success_criteria, linked_files,
	repository_id, external_issue_id, external_issue_url, created_by, parent_id, child_ids,
	blocked_by, assigned_agents, requires_approval, created_at, updated_at, started_at, completed_at`

// workItemRepository implements domain.WorkItemRepository using sqlite.
type workItemRepository struct {
	db *sql.DB
}

func newWorkItemRepository(db *sql.DB) *workItemRepository {
	return &workItemRepository{db: db}
}

var _ domain.WorkItemRepository = (*workItemRepository)(nil)

func scanWorkItem(scanner interface{ Scan(...any) error }) (*domain.WorkItem, error) {
	var (
		item             domain.WorkItem
		successCriteria  sql.NullString
		linkedFiles      sql.NullString
		repositoryID     sql.NullString
		externalIssueID  sql.NullString
		externalIssueURL sql.NullString
		parentID         sql.NullString
		childIDs         sql.NullString
		blockedBy        sql.NullString
		assignedAgents   sql.NullString
		requiresApproval sql.NullString
		createdAt        int64
		updatedAt        int64
		startedAt        sql.NullInt64
		completedAt      sql.NullInt64
	)
	err := scanner.Scan(
		&item.ID, &item.Title, &item.Type, &item.Status, &item.Description,
		&successCriteria, &linkedFiles, &repositoryID, &externalIssueID, &externalIssueURL,
		&item.CreatedBy, &parentID, &childIDs, &blockedBy, &assignedAgents, &requiresApproval,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := jsonScan(successCriteria, &item.SuccessCriteria); err != nil {
		return nil, fmt.Errorf("decoding success_criteria: %w", err)
	}
	if err := jsonScan(linkedFiles, &item.LinkedFiles); err != nil {
		return nil, fmt.Errorf("decoding linked_files: %w", err)
	}
	if err := jsonScan(childIDs, &item.ChildIDs); err != nil {
		return nil, fmt.Errorf("decoding child_ids: %w", err)
	}
	if err := jsonScan(blockedBy, &item.BlockedBy); err != nil {
		return nil, fmt.Errorf("decoding blocked_by: %w", err)
	}
	if err := jsonScan(assignedAgents, &item.AssignedAgents); err != nil {
		return nil, fmt.Errorf("decoding assigned_agents: %w", err)
	}
	if err := jsonScan(requiresApproval, &item.RequiresApproval); err != nil {
		return nil, fmt.Errorf("decoding requires_approval: %w", err)
	}
	item.RepositoryID = repositoryID.String
	item.ExternalIssueID = externalIssueID.String
	item.ExternalIssueURL = externalIssueURL.String
	item.ParentID = parentID.String
	item.CreatedAt = time.Unix(createdAt, 0)
	item.UpdatedAt = time.Unix(updatedAt, 0)
	item.StartedAt = timeFromUnix(startedAt)
	item.CompletedAt = timeFromUnix(completedAt)
	return &item, nil
}

type workItemJSON struct {
	successCriteria  string
	linkedFiles      string
	childIDs         string
	blockedBy        string
	assignedAgents   string
	requiresApproval string
}

func encodeWorkItem(item *domain.WorkItem) (workItemJSON, error) {
	var enc workItemJSON
	var err error
	if enc.successCriteria, err = jsonString(item.SuccessCriteria); err != nil {
		return enc, fmt.Errorf("encoding success_criteria: %w", err)
	}
	if enc.linkedFiles, err = jsonString(item.LinkedFiles); err != nil {
		return enc, fmt.Errorf("encoding linked_files: %w", err)
	}
	if enc.childIDs, err = jsonString(item.ChildIDs); err != nil {
		return enc, fmt.Errorf("encoding child_ids: %w", err)
	}
	if enc.blockedBy, err = jsonString(item.BlockedBy); err != nil {
		return enc, fmt.Errorf("encoding blocked_by: %w", err)
	}
	if enc.assignedAgents, err = jsonString(item.AssignedAgents); err != nil {
		return enc, fmt.Errorf("encoding assigned_agents: %w", err)
	}
	if enc.requiresApproval, err = jsonString(item.RequiresApproval); err != nil {
		return enc, fmt.Errorf("encoding requires_approval: %w", err)
	}
	return enc, nil
}

// validateEdges rejects self-references and edges pointing at rows that do
// not exist. Foreign keys back this up, but checking here yields errors that
// name the offending field.
func (r *workItemRepository) validateEdges(item *domain.WorkItem) error {
	if item.ParentID == item.ID && item.ParentID != "" {
		return &domain.ValidationError{Field: "parentId", Reason: "work item cannot be its own parent"}
	}
	if item.ParentID != "" {
		exists, err := r.rowExists(`SELECT COUNT(*) FROM work_items WHERE id = ?`, item.ParentID)
		if err != nil {
			return fmt.Errorf("failed to check parent: %w", err)
		}
		if !exists {
			return &domain.ValidationError{Field: "parentId", Reason: "parent work item does not exist"}
		}
	}
	if item.RepositoryID != "" {
		exists, err := r.rowExists(`SELECT COUNT(*) FROM repositories WHERE id = ?`, item.RepositoryID)
		if err != nil {
			return fmt.Errorf("failed to check repository: %w", err)
		}
		if !exists {
			return &domain.ValidationError{Field: "repositoryId", Reason: "repository does not exist"}
		}
	}
	for _, blocker := range item.BlockedBy {
		if blocker == item.ID {
			return &domain.ValidationError{Field: "blockedBy", Reason: "work item cannot block itself"}
		}
		exists, err := r.rowExists(`SELECT COUNT(*) FROM work_items WHERE id = ?`, blocker)
		if err != nil {
			return fmt.Errorf("failed to check blocker: %w", err)
		}
		if !exists {
			return &domain.ValidationError{
				Field:  "blockedBy",
				Reason: fmt.Sprintf("blocker %s does not exist", blocker),
			}
		}
	}
	return nil
}

func (r *workItemRepository) rowExists(query string, id string) (bool, error) {
	var count int
	if err := r.db.QueryRow(query, id).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *workItemRepository) Create(item *domain.WorkItem) error {
	if err := r.validateEdges(item); err != nil {
		return err
	}

	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	enc, err := encodeWorkItem(item)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO work_items (
			id, title, item_type, status, description, success_criteria, linked_files,
			repository_id, external_issue_id, external_issue_url, created_by, parent_id,
			child_ids, blocked_by, assigned_agents, requires_approval,
			created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Title, string(item.Type), string(item.Status), item.Description,
		enc.successCriteria, enc.linkedFiles,
		stringOrNil(item.RepositoryID), stringOrNil(item.ExternalIssueID), stringOrNil(item.ExternalIssueURL),
		item.CreatedBy, stringOrNil(item.ParentID),
		enc.childIDs, enc.blockedBy, enc.assignedAgents, enc.requiresApproval,
		item.CreatedAt.Unix(), item.UpdatedAt.Unix(), unixOrNil(item.StartedAt), unixOrNil(item.CompletedAt),
	)
	if isForeignKeyViolation(err) {
		return &domain.ValidationError{Field: "workItem", Reason: "referenced row does not exist"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert work item: %w", err)
	}

	// Keep the parent's child list in sync.
	if item.ParentID != "" {
		if err := appendChildTx(tx, item.ParentID, item.ID, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit work item insert: %w", err)
	}
	return nil
}

// appendChildTx adds childID to the parent's child_ids inside tx, skipping
// duplicates.
func appendChildTx(tx *sql.Tx, parentID, childID string, now time.Time) error {
	var childIDs sql.NullString
	err := tx.QueryRow(`SELECT child_ids FROM work_items WHERE id = ?`, parentID).Scan(&childIDs)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.WorkItemNotFoundError{ID: parentID}
	}
	if err != nil {
		return fmt.Errorf("failed to read parent children: %w", err)
	}

	var children []string
	if err := jsonScan(childIDs, &children); err != nil {
		return fmt.Errorf("decoding parent child_ids: %w", err)
	}
	if slices.Contains(children, childID) {
		return nil
	}
	children = append(children, childID)

	encoded, err := jsonString(children)
	if err != nil {
		return fmt.Errorf("encoding parent child_ids: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE work_items SET child_ids = ?, updated_at = ? WHERE id = ?`,
		encoded, now.Unix(), parentID,
	); err != nil {
		return fmt.Errorf("failed to update parent children: %w", err)
	}
	return nil
}

func (r *workItemRepository) Get(id string) (*domain.WorkItem, error) {
	row := r.db.QueryRow(
		`SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id,
	)
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.WorkItemNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find work item by id: %w", err)
	}
	return item, nil
}

func (r *workItemRepository) List() ([]*domain.WorkItem, error) {
	return r.queryItems(`SELECT ` + workItemColumns + ` FROM work_items ORDER BY created_at ASC`)
}

func (r *workItemRepository) ListByStatus(status domain.WorkItemStatus) ([]*domain.WorkItem, error) {
	return r.queryItems(
		`SELECT `+workItemColumns+` FROM work_items WHERE status = ? ORDER BY created_at ASC`,
		string(status),
	)
}

func (r *workItemRepository) ListChildren(parentID string) ([]*domain.WorkItem, error) {
	return r.queryItems(
		`SELECT `+workItemColumns+` FROM work_items WHERE parent_id = ? ORDER BY created_at ASC`,
		parentID,
	)
}

// ListByAssignedAgent returns items whose assignedAgents map contains the
// worker, regardless of role. The mapping lives in a JSON column, so the
// match happens after decoding.
func (r *workItemRepository) ListByAssignedAgent(workerID string) ([]*domain.WorkItem, error) {
	items, err := r.List()
	if err != nil {
		return nil, err
	}
	var assigned []*domain.WorkItem
	for _, item := range items {
		for _, id := range item.AssignedAgents {
			if id == workerID {
				assigned = append(assigned, item)
				break
			}
		}
	}
	return assigned, nil
}

func (r *workItemRepository) queryItems(query string, args ...any) ([]*domain.WorkItem, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*domain.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating work item rows: %w", err)
	}
	return items, nil
}

func (r *workItemRepository) Update(item *domain.WorkItem) error {
	if err := r.validateEdges(item); err != nil {
		return err
	}

	item.UpdatedAt = time.Now()

	enc, err := encodeWorkItem(item)
	if err != nil {
		return err
	}

	result, err := r.db.Exec(
		`UPDATE work_items SET
			title = ?, item_type = ?, status = ?, description = ?, success_criteria = ?,
			linked_files = ?, repository_id = ?, external_issue_id = ?, external_issue_url = ?,
			created_by = ?, parent_id = ?, child_ids = ?, blocked_by = ?, assigned_agents = ?,
			requires_approval = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		item.Title, string(item.Type), string(item.Status), item.Description, enc.successCriteria,
		enc.linkedFiles, stringOrNil(item.RepositoryID), stringOrNil(item.ExternalIssueID),
		stringOrNil(item.ExternalIssueURL), item.CreatedBy, stringOrNil(item.ParentID),
		enc.childIDs, enc.blockedBy, enc.assignedAgents, enc.requiresApproval,
		item.UpdatedAt.Unix(), unixOrNil(item.StartedAt), unixOrNil(item.CompletedAt),
		item.ID,
	)
	if isForeignKeyViolation(err) {
		return &domain.ValidationError{Field: "workItem", Reason: "referenced row does not exist"}
	}
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &domain.WorkItemNotFoundError{ID: item.ID}
	}
	return nil
}

func (r *workItemRepository) Delete(id string) error {
	var children int
	if err := r.db.QueryRow(
		`SELECT COUNT(*) FROM work_items WHERE parent_id = ?`, id,
	).Scan(&children); err != nil {
		return fmt.Errorf("failed to count children: %w", err)
	}
	if children > 0 {
		return &domain.WorkItemHasChildrenError{ID: id, Children: children}
	}

	result, err := r.db.Exec(`DELETE FROM work_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete work item: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &domain.WorkItemNotFoundError{ID: id}
	}
	return nil
}
