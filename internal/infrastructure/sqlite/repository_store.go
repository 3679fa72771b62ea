package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/gaffer/internal/domain"
)

// repositoryColumns is the list of columns to select for repository queries.
const repositoryColumns = `id, name, url, local_path, default_branch, sync_status, created_at, updated_at`

// repositoryStore implements domain.RepositoryStore using sqlite.
type repositoryStore struct {
	db *sql.DB
}

func newRepositoryStore(db *sql.DB) *repositoryStore {
	return &repositoryStore{db: db}
}

var _ domain.RepositoryStore = (*repositoryStore)(nil)

func scanRepository(scanner interface{ Scan(...any) error }) (*domain.Repository, error) {
	var (
		repo      domain.Repository
		localPath sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := scanner.Scan(
		&repo.ID, &repo.Name, &repo.URL, &localPath, &repo.DefaultBranch,
		&repo.SyncStatus, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	repo.LocalPath = localPath.String
	repo.CreatedAt = time.Unix(createdAt, 0)
	repo.UpdatedAt = time.Unix(updatedAt, 0)
	return &repo, nil
}

func (r *repositoryStore) Create(repo *domain.Repository) error {
	now := time.Now()
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now
	}
	repo.UpdatedAt = now
	if repo.SyncStatus == "" {
		repo.SyncStatus = domain.SyncPending
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}

	_, err := r.db.Exec(
		`INSERT INTO repositories (id, name, url, local_path, default_branch, sync_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		repo.ID, repo.Name, repo.URL, stringOrNil(repo.LocalPath), repo.DefaultBranch,
		string(repo.SyncStatus), repo.CreatedAt.Unix(), repo.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert repository: %w", err)
	}
	return nil
}

func (r *repositoryStore) Get(id string) (*domain.Repository, error) {
	row := r.db.QueryRow(
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id,
	)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.RepositoryNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find repository by id: %w", err)
	}
	return repo, nil
}

func (r *repositoryStore) List() ([]*domain.Repository, error) {
	rows, err := r.db.Query(
		`SELECT ` + repositoryColumns + ` FROM repositories ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []*domain.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repository row: %w", err)
		}
		repos = append(repos, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating repository rows: %w", err)
	}
	return repos, nil
}

func (r *repositoryStore) Update(repo *domain.Repository) error {
	repo.UpdatedAt = time.Now()

	result, err := r.db.Exec(
		`UPDATE repositories SET
			name = ?, url = ?, local_path = ?, default_branch = ?, sync_status = ?, updated_at = ?
		WHERE id = ?`,
		repo.Name, repo.URL, stringOrNil(repo.LocalPath), repo.DefaultBranch,
		string(repo.SyncStatus), repo.UpdatedAt.Unix(),
		repo.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update repository: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &domain.RepositoryNotFoundError{ID: repo.ID}
	}
	return nil
}

func (r *repositoryStore) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM repositories WHERE id = ?`, id)
	if isForeignKeyViolation(err) {
		return &domain.ValidationError{Field: "id", Reason: "repository is referenced by work items"}
	}
	if err != nil {
		return fmt.Errorf("failed to delete repository: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &domain.RepositoryNotFoundError{ID: id}
	}
	return nil
}
