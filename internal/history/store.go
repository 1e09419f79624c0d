// Package history records terminal task results and workflow runs so metrics
// and post-hoc inspection survive batch destruction. Recording is
// at-least-once; the store is an audit log, not a source of truth for
// scheduling state.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TaskRecord is one terminal task outcome.
type TaskRecord struct {
	TaskID      string
	Kind        string
	BatchID     string
	WorkerID    string
	Success     bool
	Error       string
	Attempts    int
	FromCache   bool
	Duration    time.Duration
	CompletedAt time.Time
}

// WorkflowRecord is one finished workflow run.
type WorkflowRecord struct {
	WorkflowID       string
	Template         string
	Status           string // "completed" or "failed"
	FailedStage      string
	Error            string
	AutoProgressions int
	Duration         time.Duration
	FinishedAt       time.Time
}

// TaskAggregates summarizes recorded task outcomes for metrics.
type TaskAggregates struct {
	Total       int64
	Failed      int64
	AvgDuration time.Duration
	ErrorRate   float64
}

// Store is the run-history persistence interface.
type Store interface {
	RecordTaskResult(ctx context.Context, rec TaskRecord) error
	RecordWorkflowRun(ctx context.Context, rec WorkflowRecord) error

	ListTaskResults(ctx context.Context, limit int) ([]TaskRecord, error)
	TaskAggregates(ctx context.Context) (TaskAggregates, error)
	WorkflowCounts(ctx context.Context) (completed, failed int64, err error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path, creating
// parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return newStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Uses a shared
// cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	// One writer, one reader: recording happens on the scheduling loop,
	// reads come from metrics queries.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
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
