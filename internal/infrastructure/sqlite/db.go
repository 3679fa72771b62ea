// Package sqlite implements the persistence ports over a sqlite database.
package sqlite

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/gaffer/internal/domain"
	"github.com/zjrosen/gaffer/internal/log"
)

// DB owns the sqlite connection and hands out repositories bound to it.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens the database at path, creating the parent directory and file
// if missing, and runs pending migrations. An existing database file is
// copied to <path>.bak before migrations touch it.
func NewDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("backing up database: %w", err)
		}
	}

	// busy_timeout and foreign_keys are per-connection, so they go in the
	// DSN where every pooled connection picks them up.
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Info(log.CatDB, "Database ready", "path", path)
	return &DB{conn: conn, path: path}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Connection returns the underlying *sql.DB for callers that need raw
// query access.
func (d *DB) Connection() *sql.DB {
	return d.conn
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Templates returns the template repository bound to this database.
func (d *DB) Templates() domain.TemplateRepository {
	return newTemplateRepository(d.conn)
}

// WorkItems returns the work item repository bound to this database.
func (d *DB) WorkItems() domain.WorkItemRepository {
	return newWorkItemRepository(d.conn)
}

// Workers returns the worker repository bound to this database.
func (d *DB) Workers() domain.WorkerRepository {
	return newWorkerRepository(d.conn)
}

// Executions returns the execution repository bound to this database.
func (d *DB) Executions() domain.ExecutionRepository {
	return newExecutionRepository(d.conn)
}

// Traces returns the trace repository bound to this database.
func (d *DB) Traces() domain.TraceRepository {
	return newTraceRepository(d.conn)
}

// Repositories returns the repository store bound to this database.
func (d *DB) Repositories() domain.RepositoryStore {
	return newRepositoryStore(d.conn)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
