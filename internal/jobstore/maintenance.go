package jobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// DatabaseHealth reports diagnostic information about the job database.
type DatabaseHealth struct {
	DBPath           string `json:"db_path"`
	DatabaseExists   bool   `json:"database_exists"`
	DatabaseReadable bool   `json:"database_readable"`
	SchemaVersion    int    `json:"schema_version"`
	IntegrityCheck   bool   `json:"integrity_check"`
	Error            string `json:"error,omitempty"`
}

func (s *Store) countByStatus(ctx context.Context, table string) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM `+table+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%s stats: %w", table, err)
	}
	defer rows.Close()

	counts := make(Counts)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// JobStats returns job counts grouped by status.
func (s *Store) JobStats(ctx context.Context) (Counts, error) {
	return s.countByStatus(ctx, "jobs")
}

// ExportStats returns export counts grouped by status.
func (s *Store) ExportStats(ctx context.Context) (Counts, error) {
	return s.countByStatus(ctx, "exports")
}

// ResetRunningJobs returns jobs left running by a previous process to pending.
func (s *Store) ResetRunningJobs(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		JobPending, nowString(), JobRunning)
	if err != nil {
		return 0, fmt.Errorf("reset running jobs: %w", err)
	}
	return res.RowsAffected()
}

// ResetProcessingExports returns exports left processing by a previous process to pending.
func (s *Store) ResetProcessingExports(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE exports SET status = ?, updated_at = ? WHERE status = ?`,
		ExportPending, nowString(), ExportProcessing)
	if err != nil {
		return 0, fmt.Errorf("reset processing exports: %w", err)
	}
	return res.RowsAffected()
}

// CheckHealth returns diagnostic information about the job database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}
	if s.path == "" {
		return health, errors.New("job database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat job database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("job database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping job database: %w", err)
	}
	health.DatabaseReadable = true

	if err := s.db.QueryRowContext(connCtx, `SELECT version FROM schema_version LIMIT 1`).Scan(&health.SchemaVersion); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("read schema version: %w", err)
	}

	var integrity string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrity, "ok")
	return health, nil
}
