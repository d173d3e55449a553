package jobstore

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendAudit records a pipeline audit event for an asset.
func (s *Store) AppendAudit(ctx context.Context, event AuditEvent) error {
	if event.AssetID == "" || event.Stage == "" || event.Event == "" {
		return fmt.Errorf("append audit: asset, stage and event are required")
	}
	created := nowString()
	if !event.CreatedAt.IsZero() {
		created = formatTime(event.CreatedAt)
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO audit_events (asset_id, job_id, stage, event, detail_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		event.AssetID, nullableString(event.JobID), event.Stage, event.Event, nullableString(event.Detail), created,
	); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns an asset's audit trail in insertion order.
func (s *Store) ListAudit(ctx context.Context, assetID string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset_id, job_id, stage, event, detail_json, created_at FROM audit_events WHERE asset_id = ? ORDER BY id`,
		assetID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var events []AuditEvent
	for rows.Next() {
		var (
			e             AuditEvent
			jobID, detail sql.NullString
			createdAt     sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.AssetID, &jobID, &e.Stage, &e.Event, &detail, &createdAt); err != nil {
			return nil, err
		}
		e.JobID = jobID.String
		e.Detail = detail.String
		e.CreatedAt = parseTime(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
