package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_reports (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		info TEXT NOT NULL DEFAULT '',
		resume_state BLOB,
		critical_error TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		parent_id TEXT,
		metadata TEXT,
		next_jobs TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		estimated_completion DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_reports_status ON job_reports(status);
	CREATE INDEX IF NOT EXISTS idx_job_reports_created_at ON job_reports(created_at);

	CREATE TABLE IF NOT EXISTS job_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		at DATETIME NOT NULL,
		FOREIGN KEY (job_id) REFERENCES job_reports(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_job_errors_job_id ON job_errors(job_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
