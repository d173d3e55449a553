package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"photopipe/internal/metadata"
)

// SaveAuthorship persists an ingest-classify outcome.
func (s *Store) SaveAuthorship(ctx context.Context, assetID, jobID string, classification metadata.Classification) (*AuthorshipResult, error) {
	evidence, err := json.Marshal(classification.Evidence)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence: %w", err)
	}
	result := &AuthorshipResult{ID: newID(), AssetID: assetID, JobID: jobID, Classification: classification}
	now := nowString()
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO authorship_results (id, asset_id, job_id, status, evidence_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		result.ID, assetID, nullableString(jobID), classification.Status, string(evidence), now,
	); err != nil {
		return nil, fmt.Errorf("save authorship: %w", err)
	}
	result.CreatedAt, _ = parseTimeString(now)
	return result, nil
}

// LatestAuthorship returns the asset's most recent classification, or (nil, nil).
func (s *Store) LatestAuthorship(ctx context.Context, assetID string) (*AuthorshipResult, error) {
	var (
		result     AuthorshipResult
		jobID      sql.NullString
		status     string
		evidence   string
		createdRaw sql.NullString
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, asset_id, job_id, status, evidence_json, created_at FROM authorship_results
         WHERE asset_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, assetID)
	out, err := noRows(&result, row.Scan(&result.ID, &result.AssetID, &jobID, &status, &evidence, &createdRaw))
	if err != nil || out == nil {
		return nil, wrapErr("latest authorship", err)
	}
	result.JobID = jobID.String
	result.Classification.Status = metadata.AuthorshipStatus(status)
	if err := json.Unmarshal([]byte(evidence), &result.Classification.Evidence); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	result.CreatedAt = parseTime(createdRaw)
	return &result, nil
}

// SaveVisionResult persists a vision analysis with its reproducibility metadata.
func (s *Store) SaveVisionResult(ctx context.Context, result VisionResult) (*VisionResult, error) {
	result.ID = newID()
	now := nowString()
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO vision_results (id, asset_id, job_id, content_hash, analysis_json, model_id, prompt_version, tokens_used, processing_ms, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.AssetID, nullableString(result.JobID), result.ContentHash, result.AnalysisJSON,
		nullableString(result.ModelID), nullableString(result.PromptVersion), result.TokensUsed, result.ProcessingMS, now,
	); err != nil {
		return nil, fmt.Errorf("save vision result: %w", err)
	}
	result.CreatedAt, _ = parseTimeString(now)
	return &result, nil
}

// LatestVisionResult returns the asset's most recent analysis, or (nil, nil).
func (s *Store) LatestVisionResult(ctx context.Context, assetID string) (*VisionResult, error) {
	var (
		result               VisionResult
		jobID, model, prompt sql.NullString
		createdRaw           sql.NullString
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, asset_id, job_id, content_hash, analysis_json, model_id, prompt_version, tokens_used, processing_ms, created_at
         FROM vision_results WHERE asset_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, assetID)
	out, err := noRows(&result, row.Scan(&result.ID, &result.AssetID, &jobID, &result.ContentHash, &result.AnalysisJSON,
		&model, &prompt, &result.TokensUsed, &result.ProcessingMS, &createdRaw))
	if err != nil || out == nil {
		return nil, wrapErr("latest vision result", err)
	}
	result.JobID = jobID.String
	result.ModelID = model.String
	result.PromptVersion = prompt.String
	result.CreatedAt = parseTime(createdRaw)
	return &result, nil
}

// SaveMetadataResult persists a synthesized metadata document.
func (s *Store) SaveMetadataResult(ctx context.Context, result MetadataResult) (*MetadataResult, error) {
	doc, err := json.Marshal(result.Document)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	result.ID = newID()
	now := nowString()
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO metadata_results (id, asset_id, job_id, vision_result_id, metadata_json, model_id, prompt_version, tokens_used, processing_ms, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.AssetID, nullableString(result.JobID), nullableString(result.VisionResultID), string(doc),
		nullableString(result.ModelID), nullableString(result.PromptVersion), result.TokensUsed, result.ProcessingMS, now,
	); err != nil {
		return nil, fmt.Errorf("save metadata result: %w", err)
	}
	result.Filtered = nil
	result.RemovedFields = nil
	result.CreatedAt, _ = parseTimeString(now)
	return &result, nil
}

// SetFilteredMetadata attaches the authorship-filtered document to a metadata result.
func (s *Store) SetFilteredMetadata(ctx context.Context, id string, filtered metadata.Document, removed []string) error {
	doc, err := json.Marshal(filtered)
	if err != nil {
		return fmt.Errorf("marshal filtered metadata: %w", err)
	}
	removedJSON, err := json.Marshal(removed)
	if err != nil {
		return fmt.Errorf("marshal removed fields: %w", err)
	}
	if _, err := s.execWithRetry(ctx,
		`UPDATE metadata_results SET filtered_json = ?, removed_fields = ? WHERE id = ?`,
		string(doc), string(removedJSON), id,
	); err != nil {
		return fmt.Errorf("set filtered metadata: %w", err)
	}
	return nil
}

// LatestMetadataResult returns the asset's most recent metadata result, or (nil, nil).
func (s *Store) LatestMetadataResult(ctx context.Context, assetID string) (*MetadataResult, error) {
	var (
		result                         MetadataResult
		jobID, visionID, model, prompt sql.NullString
		docRaw                         string
		filteredRaw, removedRaw        sql.NullString
		createdRaw                     sql.NullString
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, asset_id, job_id, vision_result_id, metadata_json, filtered_json, removed_fields, model_id, prompt_version,
                tokens_used, processing_ms, created_at
         FROM metadata_results WHERE asset_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, assetID)
	out, err := noRows(&result, row.Scan(&result.ID, &result.AssetID, &jobID, &visionID, &docRaw, &filteredRaw, &removedRaw,
		&model, &prompt, &result.TokensUsed, &result.ProcessingMS, &createdRaw))
	if err != nil || out == nil {
		return nil, wrapErr("latest metadata result", err)
	}
	if err := json.Unmarshal([]byte(docRaw), &result.Document); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if filteredRaw.Valid {
		var filtered metadata.Document
		if err := json.Unmarshal([]byte(filteredRaw.String), &filtered); err != nil {
			return nil, fmt.Errorf("decode filtered metadata: %w", err)
		}
		result.Filtered = &filtered
	}
	if removedRaw.Valid {
		if err := json.Unmarshal([]byte(removedRaw.String), &result.RemovedFields); err != nil {
			return nil, fmt.Errorf("decode removed fields: %w", err)
		}
	}
	result.JobID = jobID.String
	result.VisionResultID = visionID.String
	result.ModelID = model.String
	result.PromptVersion = prompt.String
	result.CreatedAt = parseTime(createdRaw)
	return &result, nil
}

// SaveEmbedResult persists an embed-metadata outcome.
func (s *Store) SaveEmbedResult(ctx context.Context, result EmbedResult) (*EmbedResult, error) {
	result.ID = newID()
	now := nowString()
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO embed_results (id, asset_id, job_id, metadata_result_id, output_path, storage_locator, fields_written, verified, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.AssetID, nullableString(result.JobID), nullableString(result.MetadataResultID), result.OutputPath,
		nullableString(result.StorageLocator), result.FieldsWritten, boolToInt(result.Verified), now,
	); err != nil {
		return nil, fmt.Errorf("save embed result: %w", err)
	}
	result.CreatedAt, _ = parseTimeString(now)
	return &result, nil
}

// LatestEmbedResult returns the asset's most recent embed result, or (nil, nil).
func (s *Store) LatestEmbedResult(ctx context.Context, assetID string) (*EmbedResult, error) {
	var (
		result                     EmbedResult
		jobID, metadataID, locator sql.NullString
		verified                   int
		createdRaw                 sql.NullString
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, asset_id, job_id, metadata_result_id, output_path, storage_locator, fields_written, verified, created_at
         FROM embed_results WHERE asset_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, assetID)
	out, err := noRows(&result, row.Scan(&result.ID, &result.AssetID, &jobID, &metadataID, &result.OutputPath, &locator,
		&result.FieldsWritten, &verified, &createdRaw))
	if err != nil || out == nil {
		return nil, wrapErr("latest embed result", err)
	}
	result.JobID = jobID.String
	result.MetadataResultID = metadataID.String
	result.StorageLocator = locator.String
	result.Verified = verified != 0
	result.CreatedAt = parseTime(createdRaw)
	return &result, nil
}

// LinkJobResults records the final result ids a job produced.
func (s *Store) LinkJobResults(ctx context.Context, links JobResults) error {
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO job_results (job_id, vision_result_id, metadata_result_id, embed_result_id, completed_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (job_id) DO UPDATE SET
             vision_result_id = excluded.vision_result_id,
             metadata_result_id = excluded.metadata_result_id,
             embed_result_id = excluded.embed_result_id,
             completed_at = excluded.completed_at`,
		links.JobID, nullableString(links.VisionResultID), nullableString(links.MetadataResultID),
		nullableString(links.EmbedResultID), nowString(),
	); err != nil {
		return fmt.Errorf("link job results: %w", err)
	}
	return nil
}

// GetJobResults returns the linked results for a job, or (nil, nil).
func (s *Store) GetJobResults(ctx context.Context, jobID string) (*JobResults, error) {
	var (
		links                         JobResults
		visionID, metadataID, embedID sql.NullString
		completedRaw                  sql.NullString
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, vision_result_id, metadata_result_id, embed_result_id, completed_at FROM job_results WHERE job_id = ?`, jobID)
	out, err := noRows(&links, row.Scan(&links.JobID, &visionID, &metadataID, &embedID, &completedRaw))
	if err != nil || out == nil {
		return nil, wrapErr("get job results", err)
	}
	links.VisionResultID = visionID.String
	links.MetadataResultID = metadataID.String
	links.EmbedResultID = embedID.String
	links.CompletedAt = parseTime(completedRaw)
	return &links, nil
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
