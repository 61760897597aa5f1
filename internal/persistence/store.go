package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/jobcore/internal/jobs"
)

// Store is a report store that owns a database handle.
type Store interface {
	jobs.ReportStore
	Close() error
}

// SQLiteStore implements jobs.ReportStore using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	locks *KeyedLocker
}

var _ Store = (*SQLiteStore)(nil)

// Connection options applied to every connection of the pool.
// modernc.org/sqlite only honors PRAGMAs passed as _pragma parameters.
const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	return open(ctx, fmt.Sprintf("file:%s?%s", dbPath, pragmas))
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Every store gets its own shared-cache database so pooled connections see
// the same data while separate stores stay isolated.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	name := "memdb-" + uuid.NewString()
	return open(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name))
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow 2 connections: one writer and one reader.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db, locks: NewKeyedLocker()}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
