package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
)

const jobColumns = "id, asset_id, project_id, user_id, type, status, progress, error_message, attempts, created_at, started_at, completed_at, updated_at"

func scanJob(scanner rowScanner) (*Job, error) {
	var (
		job          Job
		userID       sql.NullString
		jobType      string
		status       string
		errorMessage sql.NullString
		createdRaw   sql.NullString
		startedRaw   sql.NullString
		completedRaw sql.NullString
		updatedRaw   sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&job.AssetID,
		&job.ProjectID,
		&userID,
		&jobType,
		&status,
		&job.Progress,
		&errorMessage,
		&job.Attempts,
		&createdRaw,
		&startedRaw,
		&completedRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	job.UserID = userID.String
	job.Type = JobType(jobType)
	job.Status = JobStatus(status)
	job.ErrorMessage = errorMessage.String
	job.CreatedAt = parseTime(createdRaw)
	job.StartedAt = parseTimePtr(startedRaw)
	job.CompletedAt = parseTimePtr(completedRaw)
	job.UpdatedAt = parseTime(updatedRaw)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// NewJob describes a job to create.
type NewJob struct {
	AssetID   string
	ProjectID string
	UserID    string
	Type      JobType
}

// CreateJob inserts a pending job. It fails with ErrActiveJob when the asset
// already has a pending or running job.
func (s *Store) CreateJob(ctx context.Context, spec NewJob) (*Job, error) {
	if _, ok := ParseJobType(string(spec.Type)); !ok {
		return nil, fmt.Errorf("create job: unknown type %q", spec.Type)
	}
	id := newID()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM jobs WHERE asset_id = ? AND status IN (?, ?)`,
			spec.AssetID, JobPending, JobRunning,
		).Scan(&active); err != nil {
			return err
		}
		if active > 0 {
			return ErrActiveJob
		}
		now := nowString()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, asset_id, project_id, user_id, type, status, progress, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			id, spec.AssetID, spec.ProjectID, nullableString(spec.UserID), spec.Type, JobPending, now, now,
		)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrActiveJob) {
			return nil, err
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	return s.GetJob(ctx, id)
}

// GetJob fetches a job by identifier. A missing job yields (nil, nil).
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := noRows(scanJob(row))
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobsForAsset returns the asset's jobs, newest first.
func (s *Store) ListJobsForAsset(ctx context.Context, assetID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE asset_id = ? ORDER BY created_at DESC, rowid DESC`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}

// FindPendingJobs returns up to limit pending jobs, oldest first.
func (s *Store) FindPendingJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at, rowid LIMIT ?`,
		JobPending, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending jobs: %w", err)
	}
	return scanJobs(rows)
}

// ClaimPendingJobs atomically moves up to limit of the oldest pending jobs to
// running and returns them. A job is only ever claimed once.
func (s *Store) ClaimPendingJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []*Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		rows, err := tx.QueryContext(ctx,
			`UPDATE jobs SET status = ?, started_at = ?, updated_at = ?, attempts = attempts + 1
             WHERE id IN (SELECT id FROM jobs WHERE status = ? ORDER BY created_at, rowid LIMIT ?)
             RETURNING `+jobColumns,
			JobRunning, now, now, JobPending, limit)
		if err != nil {
			return err
		}
		claimed, err = scanJobs(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim pending jobs: %w", err)
	}
	sortJobsByCreated(claimed)
	return claimed, nil
}

// MarkJobStarted moves a pending job to running. Jobs already running (claimed
// by the polling scheduler or redelivered by the broker) are left running.
// When retry is set a failed job is reopened as well, which is how broker
// retries resume a job the previous attempt marked failed, unless a newer job
// for the same asset is already pending or running. It reports false when the
// job is missing or may not run.
func (s *Store) MarkJobStarted(ctx context.Context, id string, retry bool) (bool, error) {
	now := nowString()
	allowed := []any{JobPending, JobRunning}
	if retry {
		allowed = append(allowed, JobFailed)
	}
	args := []any{JobRunning, JobRunning, now, now, id}
	args = append(args, allowed...)
	args = append(args, JobFailed, JobPending, JobRunning)
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET
             attempts = CASE WHEN status = ? THEN attempts ELSE attempts + 1 END,
             status = ?, started_at = COALESCE(started_at, ?), completed_at = NULL,
             error_message = NULL, updated_at = ?
         WHERE id = ? AND status IN (`+makePlaceholders(len(allowed))+`)
           AND (status <> ? OR NOT EXISTS (
               SELECT 1 FROM jobs other
               WHERE other.asset_id = jobs.asset_id AND other.id <> jobs.id
                 AND other.status IN (?, ?)))`,
		args...)
	if err != nil {
		return false, fmt.Errorf("mark job started: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// UpdateJobProgress raises a running job's progress. Lower values are ignored
// so progress never regresses.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	progress = min(max(progress, 0), 100)
	if _, err := s.execWithRetry(ctx,
		`UPDATE jobs SET progress = MAX(progress, ?), updated_at = ? WHERE id = ? AND status = ?`,
		progress, nowString(), id, JobRunning,
	); err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// MarkJobCompleted finishes a running job at 100%.
func (s *Store) MarkJobCompleted(ctx context.Context, id string) error {
	now := nowString()
	if _, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, progress = 100, error_message = NULL, completed_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		JobCompleted, now, now, id, JobRunning,
	); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkJobFailed records a terminal failure. Progress is left where it stopped.
func (s *Store) MarkJobFailed(ctx context.Context, id, message string) error {
	now := nowString()
	if _, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		JobFailed, nullableString(message), now, now, id, JobPending, JobRunning,
	); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// RequeueJob returns a running job to pending so a broker retry starts cleanly.
func (s *Store) RequeueJob(ctx context.Context, id string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		JobPending, nowString(), id, JobRunning,
	); err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

func sortJobsByCreated(jobs []*Job) {
	slices.SortStableFunc(jobs, func(a, b *Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
