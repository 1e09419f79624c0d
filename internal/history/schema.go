package history

import (
	"context"
)

// initSchema creates the history tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_results (
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		batch_id TEXT,
		worker_id TEXT,
		success INTEGER NOT NULL,
		error TEXT,
		attempts INTEGER NOT NULL,
		from_cache INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL,
		completed_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_results_kind ON task_results(kind);
	CREATE INDEX IF NOT EXISTS idx_task_results_completed_at ON task_results(completed_at);

	CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		template TEXT NOT NULL,
		status TEXT NOT NULL,
		failed_stage TEXT,
		error TEXT,
		auto_progressions INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_runs_template ON workflow_runs(template);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
