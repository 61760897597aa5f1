package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/aristath/jobcore/internal/jobs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const reportColumns = `id, name, status, phase, completed, total, message, info, resume_state, critical_error,
	action, parent_id, metadata, next_jobs, created_at, started_at, completed_at, estimated_completion, updated_at`

// SaveReport saves or replaces a report and appends its new non-critical errors.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveReport(ctx context.Context, r jobs.Report) error {
	key := r.ID.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	var metadata sql.NullString
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	var parentID sql.NullString
	if r.ParentID != nil {
		parentID = sql.NullString{String: r.ParentID.String(), Valid: true}
	}
	var next sql.NullString
	if len(r.Next) > 0 {
		b, err := json.Marshal(r.Next)
		if err != nil {
			return fmt.Errorf("failed to encode next jobs: %w", err)
		}
		next = sql.NullString{String: string(b), Valid: true}
	}

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			phase = excluded.phase,
			completed = excluded.completed,
			total = excluded.total,
			message = excluded.message,
			info = excluded.info,
			resume_state = excluded.resume_state,
			critical_error = excluded.critical_error,
			action = excluded.action,
			parent_id = excluded.parent_id,
			metadata = excluded.metadata,
			next_jobs = excluded.next_jobs,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			estimated_completion = excluded.estimated_completion,
			updated_at = excluded.updated_at
	`, key, r.Name, r.Status.String(), r.Phase, r.Progress.Completed, r.Progress.Total, r.Progress.Message, r.Info,
		r.ResumeState, r.CriticalError, r.Action, parentID, metadata, next,
		r.CreatedAt.UTC(), nullTime(r.StartedAt), nullTime(r.CompletedAt), nullTime(r.EstimatedCompletion), r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert report: %w", err)
	}

	// Errors only ever grow; write the ones the table has not seen yet.
	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_errors WHERE job_id = ?`, key).Scan(&stored); err != nil {
		return fmt.Errorf("failed to count errors: %w", err)
	}
	if stored > len(r.NonCriticalErrors) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_errors WHERE job_id = ?`, key); err != nil {
			return fmt.Errorf("failed to delete old errors: %w", err)
		}
		stored = 0
	}
	for _, rec := range r.NonCriticalErrors[stored:] {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_errors (job_id, task_id, message, at)
			VALUES (?, ?, ?, ?)
		`, key, rec.TaskID, rec.Message, rec.At.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert error for job %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadReport retrieves a report by job ID, including its errors.
func (s *SQLiteStore) LoadReport(ctx context.Context, id jobs.JobID) (jobs.Report, error) {
	key := id.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM job_reports WHERE id = ?`, key)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Report{}, fmt.Errorf("job %s: %w", key, jobs.ErrReportNotFound)
	}
	if err != nil {
		return jobs.Report{}, fmt.Errorf("failed to query report: %w", err)
	}

	if err := s.loadErrors(ctx, &r); err != nil {
		return jobs.Report{}, err
	}
	return r, nil
}

// ListReports returns matching reports, newest first.
func (s *SQLiteStore) ListReports(ctx context.Context, filter jobs.ReportFilter) ([]jobs.Report, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, st.String())
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT ` + reportColumns + ` FROM job_reports`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}

	var reports []jobs.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}

	// Errors are loaded after the report cursor is closed so a single
	// connection is enough.
	for i := range reports {
		if err := s.loadErrors(ctx, &reports[i]); err != nil {
			return nil, err
		}
	}
	return reports, nil
}

// ListNonTerminalReports returns reports of jobs that can still be resumed.
func (s *SQLiteStore) ListNonTerminalReports(ctx context.Context) ([]jobs.Report, error) {
	return s.ListReports(ctx, jobs.ReportFilter{Statuses: jobs.NonTerminalStatuses()})
}

// DeleteReport removes a report. Its errors go with it.
func (s *SQLiteStore) DeleteReport(ctx context.Context, id jobs.JobID) error {
	key := id.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	res, err := s.db.ExecContext(ctx, `DELETE FROM job_reports WHERE id = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", key, jobs.ErrReportNotFound)
	}
	return nil
}

func (s *SQLiteStore) loadErrors(ctx context.Context, r *jobs.Report) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, message, at
		FROM job_errors
		WHERE job_id = ?
		ORDER BY id
	`, r.ID.String())
	if err != nil {
		return fmt.Errorf("failed to query errors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec jobs.ErrorRecord
		if err := rows.Scan(&rec.TaskID, &rec.Message, &rec.At); err != nil {
			return fmt.Errorf("failed to scan error: %w", err)
		}
		r.NonCriticalErrors = append(r.NonCriticalErrors, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating errors: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(sc scanner) (jobs.Report, error) {
	var (
		r                                 jobs.Report
		id, status                        string
		parentID, metadata, next          sql.NullString
		startedAt, completedAt, estimated sql.NullTime
	)
	err := sc.Scan(&id, &r.Name, &status, &r.Phase, &r.Progress.Completed, &r.Progress.Total, &r.Progress.Message, &r.Info,
		&r.ResumeState, &r.CriticalError, &r.Action, &parentID, &metadata, &next,
		&r.CreatedAt, &startedAt, &completedAt, &estimated, &r.UpdatedAt)
	if err != nil {
		return jobs.Report{}, err
	}

	if r.ID, err = jobs.ParseJobID(id); err != nil {
		return jobs.Report{}, fmt.Errorf("invalid job id %q: %w", id, err)
	}
	if r.Status, err = jobs.ParseStatus(status); err != nil {
		return jobs.Report{}, err
	}
	if parentID.Valid {
		pid, err := jobs.ParseJobID(parentID.String)
		if err != nil {
			return jobs.Report{}, fmt.Errorf("invalid parent id %q: %w", parentID.String, err)
		}
		r.ParentID = &pid
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return jobs.Report{}, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if next.Valid && next.String != "" {
		if err := json.Unmarshal([]byte(next.String), &r.Next); err != nil {
			return jobs.Report{}, fmt.Errorf("failed to decode next jobs: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if estimated.Valid {
		t := estimated.Time
		r.EstimatedCompletion = &t
	}
	return r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
