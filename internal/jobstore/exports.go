package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const exportColumns = "id, project_id, user_id, destination_type, status, output_path, error_message, options_json, asset_count, files_added, created_at, updated_at, completed_at"

func scanExport(scanner rowScanner) (*Export, error) {
	var (
		e                                 Export
		userID, outputPath, errorMessage  sql.NullString
		options                           sql.NullString
		status                            string
		createdRaw, updatedRaw, completed sql.NullString
	)
	if err := scanner.Scan(&e.ID, &e.ProjectID, &userID, &e.DestinationType, &status, &outputPath, &errorMessage,
		&options, &e.AssetCount, &e.FilesAdded, &createdRaw, &updatedRaw, &completed); err != nil {
		return nil, err
	}
	e.UserID = userID.String
	e.Status = ExportStatus(status)
	e.OutputPath = outputPath.String
	e.ErrorMessage = errorMessage.String
	e.OptionsJSON = options.String
	e.CreatedAt = parseTime(createdRaw)
	e.UpdatedAt = parseTime(updatedRaw)
	e.CompletedAt = parseTimePtr(completed)
	return &e, nil
}

func scanExports(rows *sql.Rows) ([]*Export, error) {
	defer rows.Close()
	var exports []*Export
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		exports = append(exports, e)
	}
	return exports, rows.Err()
}

// NewExport describes an export record to create. ID is generated when empty.
type NewExport struct {
	ID              string
	ProjectID       string
	UserID          string
	DestinationType string
	AssetIDs        []string
	OptionsJSON     string
}

// CreateExport inserts a pending export together with its ordered asset list.
// Duplicate asset ids keep their first position.
func (s *Store) CreateExport(ctx context.Context, spec NewExport) (*Export, error) {
	ids := dedupeIDs(spec.AssetIDs)
	if len(ids) == 0 {
		return nil, errors.New("create export: no assets")
	}
	destination := strings.TrimSpace(spec.DestinationType)
	if destination == "" {
		destination = "archive"
	}
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = newID()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO exports (id, project_id, user_id, destination_type, status, options_json, asset_count, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, spec.ProjectID, nullableString(spec.UserID), destination, ExportPending,
			nullableString(spec.OptionsJSON), len(ids), now, now,
		); err != nil {
			return err
		}
		for position, assetID := range ids {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO export_assets (export_id, asset_id, position, status) VALUES (?, ?, ?, ?)`,
				id, assetID, position, ExportAssetPending,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create export: %w", err)
	}
	return s.GetExport(ctx, id)
}

// GetExport fetches an export. A missing export yields (nil, nil).
func (s *Store) GetExport(ctx context.Context, id string) (*Export, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM exports WHERE id = ?`, id)
	export, err := noRows(scanExport(row))
	if err != nil {
		return nil, fmt.Errorf("get export: %w", err)
	}
	return export, nil
}

// ListExports returns a project's exports, newest first.
func (s *Store) ListExports(ctx context.Context, projectID string) ([]*Export, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+exportColumns+` FROM exports WHERE project_id = ? ORDER BY created_at DESC, rowid DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	return scanExports(rows)
}

// FindPendingExports returns up to limit pending exports, oldest first.
func (s *Store) FindPendingExports(ctx context.Context, limit int) ([]*Export, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+exportColumns+` FROM exports WHERE status = ? ORDER BY created_at, rowid LIMIT ?`,
		ExportPending, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending exports: %w", err)
	}
	return scanExports(rows)
}

// ExportAssets returns the export's assets in caller-supplied order.
func (s *Store) ExportAssets(ctx context.Context, exportID string) ([]ExportAsset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT export_id, asset_id, position, status, source, reason FROM export_assets WHERE export_id = ? ORDER BY position`,
		exportID)
	if err != nil {
		return nil, fmt.Errorf("export assets: %w", err)
	}
	defer rows.Close()
	var assets []ExportAsset
	for rows.Next() {
		var (
			a              ExportAsset
			source, reason sql.NullString
		)
		if err := rows.Scan(&a.ExportID, &a.AssetID, &a.Position, &a.Status, &source, &reason); err != nil {
			return nil, err
		}
		a.Source = source.String
		a.Reason = reason.String
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// ClaimExport moves a pending export to processing. It reports false when the
// export is missing or already claimed.
func (s *Store) ClaimExport(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE exports SET status = ?, error_message = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		ExportProcessing, nowString(), id, ExportPending)
	if err != nil {
		return false, fmt.Errorf("claim export: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReleaseExport returns a processing export to pending, used when the worker
// cannot start it yet.
func (s *Store) ReleaseExport(ctx context.Context, id string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE exports SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		ExportPending, nowString(), id, ExportProcessing,
	); err != nil {
		return fmt.Errorf("release export: %w", err)
	}
	return nil
}

// CompleteExport marks a processing export completed. The output path must
// be set; completion happens at most once.
func (s *Store) CompleteExport(ctx context.Context, id, outputPath string, filesAdded int) error {
	if strings.TrimSpace(outputPath) == "" {
		return errors.New("complete export: output path required")
	}
	now := nowString()
	res, err := s.execWithRetry(ctx,
		`UPDATE exports SET status = ?, output_path = ?, files_added = ?, error_message = NULL, completed_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		ExportCompleted, outputPath, filesAdded, now, now, id, ExportProcessing)
	if err != nil {
		return fmt.Errorf("complete export: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("complete export: %s is not processing", id)
	}
	return nil
}

// FailExport marks a non-terminal export failed.
func (s *Store) FailExport(ctx context.Context, id, message string) error {
	now := nowString()
	if _, err := s.execWithRetry(ctx,
		`UPDATE exports SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		ExportFailed, nullableString(message), now, now, id, ExportPending, ExportProcessing,
	); err != nil {
		return fmt.Errorf("fail export: %w", err)
	}
	return nil
}

// UpdateExportOutput rewrites the locator of a completed export after a rebuild.
func (s *Store) UpdateExportOutput(ctx context.Context, id, outputPath string, filesAdded int) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE exports SET output_path = ?, files_added = ?, updated_at = ? WHERE id = ? AND status = ?`,
		outputPath, filesAdded, nowString(), id, ExportCompleted,
	); err != nil {
		return fmt.Errorf("update export output: %w", err)
	}
	return nil
}

// RecordExportAsset stores the per-asset outcome of an export attempt.
func (s *Store) RecordExportAsset(ctx context.Context, exportID, assetID, status, source, reason string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE export_assets SET status = ?, source = ?, reason = ? WHERE export_id = ? AND asset_id = ?`,
		status, nullableString(source), nullableString(reason), exportID, assetID,
	); err != nil {
		return fmt.Errorf("record export asset: %w", err)
	}
	return nil
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
