package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordTaskResult appends one terminal task outcome.
func (s *SQLiteStore) RecordTaskResult(ctx context.Context, rec TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results (task_id, kind, batch_id, worker_id, success, error, attempts, from_cache, duration_ms, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.Kind, rec.BatchID, rec.WorkerID, boolInt(rec.Success), rec.Error,
		rec.Attempts, boolInt(rec.FromCache), rec.Duration.Milliseconds(), rec.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record task result: %w", err)
	}
	return nil
}

// RecordWorkflowRun upserts one finished workflow run.
func (s *SQLiteStore) RecordWorkflowRun(ctx context.Context, rec WorkflowRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, template, status, failed_stage, error, auto_progressions, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			failed_stage = excluded.failed_stage,
			error = excluded.error,
			auto_progressions = excluded.auto_progressions,
			duration_ms = excluded.duration_ms,
			finished_at = excluded.finished_at
	`, rec.WorkflowID, rec.Template, rec.Status, rec.FailedStage, rec.Error,
		rec.AutoProgressions, rec.Duration.Milliseconds(), rec.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record workflow run: %w", err)
	}
	return nil
}

// ListTaskResults returns the most recent task outcomes, newest first.
func (s *SQLiteStore) ListTaskResults(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, kind, batch_id, worker_id, success, error, attempts, from_cache, duration_ms, completed_at
		FROM task_results
		ORDER BY completed_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query task results: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var success, fromCache int
		var durationMs int64
		if err := rows.Scan(&rec.TaskID, &rec.Kind, &rec.BatchID, &rec.WorkerID,
			&success, &rec.Error, &rec.Attempts, &fromCache, &durationMs, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		rec.Success = success != 0
		rec.FromCache = fromCache != 0
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TaskAggregates computes totals, failure count, error rate, and average
// duration over all recorded task outcomes.
func (s *SQLiteStore) TaskAggregates(ctx context.Context) (TaskAggregates, error) {
	var agg TaskAggregates
	var avgMs sql.NullFloat64

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		       AVG(duration_ms)
		FROM task_results
	`).Scan(&agg.Total, &agg.Failed, &avgMs)
	if err != nil {
		return TaskAggregates{}, fmt.Errorf("failed to aggregate task results: %w", err)
	}

	if avgMs.Valid {
		agg.AvgDuration = time.Duration(avgMs.Float64 * float64(time.Millisecond))
	}
	if agg.Total > 0 {
		agg.ErrorRate = float64(agg.Failed) / float64(agg.Total)
	}
	return agg, nil
}

// WorkflowCounts returns the number of completed and failed workflow runs.
func (s *SQLiteStore) WorkflowCounts(ctx context.Context) (completed, failed int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM workflow_runs
	`).Scan(&completed, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count workflow runs: %w", err)
	}
	return completed, failed, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
