package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/metadata"
	"photopipe/internal/services"
	"photopipe/internal/services/vision"
	"photopipe/internal/stage"
)

func (e *Executor) ingestClassify(ctx context.Context, r *run) (map[string]any, error) {
	const name = string(stage.IngestClassify)
	logger := logging.WithContext(ctx, e.logger)

	if _, err := os.Stat(r.asset.OriginalPath); err != nil {
		return nil, services.Wrap(services.ErrNotFound, name, "stat original", r.asset.OriginalPath, err)
	}

	var profile metadata.Profile
	if resolved, err := e.resolveProfile(ctx, r.asset); err == nil {
		profile = resolved
	} else if !errors.Is(err, services.ErrValidation) {
		return nil, err
	}

	existing, readErr := e.writer.ReadExisting(ctx, r.asset.OriginalPath)
	classification := metadata.ClassifyAuthorship(existing.Signals(r.asset.DeclaredAuthorship), profile)
	if readErr != nil {
		if ctx.Err() != nil {
			return nil, readErr
		}
		logging.WarnWithContext(logger, "existing metadata unreadable; downgrading classification", "metadata_unreadable",
			logging.Error(readErr),
			logging.String(logging.FieldImpact, "authorship cannot be better than uncertain"),
			logging.String(logging.FieldErrorHint, "check exiftool installation and the uploaded file"),
		)
		classification.Status = metadata.MoreRestrictive(classification.Status, metadata.AuthorshipUncertain)
		classification.Evidence = append(classification.Evidence, metadata.Evidence{
			Signal:  "metadata_unreadable",
			Detail:  readErr.Error(),
			Implies: metadata.AuthorshipUncertain,
		})
	}

	saved, err := e.store.SaveAuthorship(ctx, r.asset.ID, r.job.ID, classification)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, name, "save classification", "", err)
	}
	r.classification = &saved.Classification
	logger.Info("authorship classified",
		logging.String("authorship", string(classification.Status)),
		logging.Int("evidence_count", len(classification.Evidence)),
	)
	return map[string]any{
		"authorship":     classification.Status,
		"evidence_count": len(classification.Evidence),
	}, nil
}

func (e *Executor) visionAnalyze(ctx context.Context, r *run) (map[string]any, error) {
	const name = string(stage.VisionAnalyze)
	if e.vision == nil {
		return nil, services.Wrap(services.ErrConfiguration, name, "analyze", "vision client not configured", nil)
	}
	maxEdge := 0
	if e.cfg != nil {
		maxEdge = e.cfg.Vision.MaxImageEdge
	}
	image, mimeType, err := e.prepare(r.asset.OriginalPath, maxEdge)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, name, "prepare image", r.asset.Filename, err)
	}
	result, err := e.vision.Analyze(ctx, vision.AnalyzeRequest{
		Image:       image,
		MIMEType:    mimeType,
		AssetID:     r.asset.ID,
		ContentHash: r.asset.ContentHash,
	})
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(result.Analysis)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, name, "encode analysis", "", err)
	}
	saved, err := e.store.SaveVisionResult(ctx, jobstore.VisionResult{
		AssetID:       r.asset.ID,
		JobID:         r.job.ID,
		ContentHash:   r.asset.ContentHash,
		AnalysisJSON:  string(encoded),
		ModelID:       result.Usage.ModelID,
		PromptVersion: result.Usage.PromptVersion,
		TokensUsed:    result.Usage.TokensUsed,
		ProcessingMS:  result.Usage.ProcessingMS,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, name, "save vision result", "", err)
	}
	analysis := result.Analysis
	r.visionResult = saved
	r.analysis = &analysis
	return map[string]any{
		"vision_result_id": saved.ID,
		"model_id":         result.Usage.ModelID,
		"tokens_used":      result.Usage.TokensUsed,
		"processing_ms":    result.Usage.ProcessingMS,
	}, nil
}

func (e *Executor) synthesizeMetadata(ctx context.Context, r *run) (map[string]any, error) {
	const name = string(stage.SynthesizeMetadata)
	if e.vision == nil {
		return nil, services.Wrap(services.ErrConfiguration, name, "synthesize", "vision client not configured", nil)
	}
	if err := e.loadAnalysis(ctx, r); err != nil {
		return nil, err
	}
	profile, err := e.resolveProfile(ctx, r.asset)
	if err != nil {
		return nil, err
	}
	project, err := e.store.GetProject(ctx, r.asset.ProjectID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, name, "load project", r.asset.ProjectID, err)
	}
	var event vision.EventContext
	if project != nil {
		event = vision.EventContext{Name: project.EventName, Date: project.EventDate, Location: project.EventLocation}
	}

	result, err := e.vision.Synthesize(ctx, vision.SynthesizeRequest{
		Analysis:    *r.analysis,
		Profile:     profile,
		UserContext: r.asset.UserContext,
		Event:       event,
	})
	if err != nil {
		return nil, err
	}
	doc := metadata.ApplyProfileEnrichments(result.Document, profile, r.analysis.PeopleDetected())

	saved, err := e.store.SaveMetadataResult(ctx, jobstore.MetadataResult{
		AssetID:        r.asset.ID,
		JobID:          r.job.ID,
		VisionResultID: r.visionResult.ID,
		Document:       doc,
		ModelID:        result.Usage.ModelID,
		PromptVersion:  result.Usage.PromptVersion,
		TokensUsed:     result.Usage.TokensUsed,
		ProcessingMS:   result.Usage.ProcessingMS,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, name, "save metadata result", "", err)
	}
	r.metadataResult = saved
	return map[string]any{
		"metadata_result_id": saved.ID,
		"model_id":           result.Usage.ModelID,
		"tokens_used":        result.Usage.TokensUsed,
		"keywords":           len(doc.Keywords),
	}, nil
}

func (e *Executor) authorshipFilter(ctx context.Context, r *run) (map[string]any, error) {
	const name = string(stage.AuthorshipFilter)
	logger := logging.WithContext(ctx, e.logger)

	if r.metadataResult == nil {
		latest, err := e.store.LatestMetadataResult(ctx, r.asset.ID)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, name, "load metadata result", "", err)
		}
		if latest == nil {
			return nil, services.Wrap(services.ErrValidation, name, "load metadata result", "no synthesized metadata for asset", nil)
		}
		r.metadataResult = latest
	}
	status := metadata.AuthorshipUncertain
	if r.classification == nil {
		latest, err := e.store.LatestAuthorship(ctx, r.asset.ID)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, name, "load classification", "", err)
		}
		if latest != nil {
			r.classification = &latest.Classification
		}
	}
	if r.classification != nil {
		status = r.classification.Status
	} else {
		logging.WarnWithContext(logger, "no authorship classification recorded; filtering as uncertain", "authorship_missing",
			logging.String(logging.FieldImpact, "creator credit fields are removed"),
		)
	}

	filtered := metadata.FilterForAuthorship(r.metadataResult.Document, status)
	if err := e.store.SetFilteredMetadata(ctx, r.metadataResult.ID, filtered.Document, filtered.Removed); err != nil {
		return nil, services.Wrap(services.ErrTransient, name, "save filtered metadata", "", err)
	}
	doc := filtered.Document
	r.metadataResult.Filtered = &doc
	r.metadataResult.RemovedFields = filtered.Removed

	if len(filtered.Removed) > 0 {
		logger.Info("metadata fields removed by authorship filter",
			logging.String("authorship", string(status)),
			logging.Strings("removed_fields", filtered.Removed),
			logging.String(logging.FieldEventType, "authorship_filtered"),
		)
	}
	return map[string]any{
		"authorship":     status,
		"removed_fields": filtered.Removed,
	}, nil
}

func (e *Executor) embedMetadata(ctx context.Context, r *run) (map[string]any, error) {
	const name = string(stage.EmbedMetadata)
	logger := logging.WithContext(ctx, e.logger)

	if r.metadataResult == nil {
		latest, err := e.store.LatestMetadataResult(ctx, r.asset.ID)
		if err != nil {
			return nil, services.Wrap(services.ErrTransient, name, "load metadata result", "", err)
		}
		if latest == nil || latest.Filtered == nil {
			return nil, services.Wrap(services.ErrValidation, name, "load metadata result", "no filtered metadata for asset", nil)
		}
		r.metadataResult = latest
	}
	doc := r.metadataResult.Effective()

	outputPath := e.embeddedPath(r.asset)
	written, err := e.writer.Write(ctx, r.asset.OriginalPath, outputPath, doc)
	if err != nil {
		return nil, err
	}
	verified := false
	check, err := e.writer.Verify(ctx, outputPath, doc)
	switch {
	case err != nil:
		logging.WarnWithContext(logger, "embedded metadata could not be verified", "embed_verify_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "embed result recorded as unverified"),
		)
	case !check.Verified:
		logging.WarnWithContext(logger, "embedded metadata differs from document", "embed_verify_mismatch",
			logging.Strings("mismatched_fields", check.Mismatched),
			logging.String(logging.FieldImpact, "embed result recorded as unverified"),
		)
	default:
		verified = true
	}

	locator := e.uploadEmbedded(ctx, r.asset, outputPath)

	saved, err := e.store.SaveEmbedResult(ctx, jobstore.EmbedResult{
		AssetID:          r.asset.ID,
		JobID:            r.job.ID,
		MetadataResultID: r.metadataResult.ID,
		OutputPath:       outputPath,
		StorageLocator:   locator,
		FieldsWritten:    written.FieldsWritten,
		Verified:         verified,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, name, "save embed result", "", err)
	}
	if err := e.store.SetAssetEmbedded(ctx, r.asset.ID, outputPath, locator); err != nil {
		return nil, services.Wrap(services.ErrTransient, name, "record embedded path", "", err)
	}
	r.embedResult = saved
	return map[string]any{
		"embed_result_id": saved.ID,
		"fields_written":  written.FieldsWritten,
		"verified":        verified,
		"storage_locator": locator,
	}, nil
}

// uploadEmbedded copies the embedded file to object storage. Failures are
// logged and the local path stays authoritative.
func (e *Executor) uploadEmbedded(ctx context.Context, asset *jobstore.Asset, outputPath string) string {
	logger := logging.WithContext(ctx, e.logger)
	if !e.objects.Available(ctx) {
		return ""
	}
	key := strings.Join([]string{"embedded", asset.ProjectID, asset.ID + filepath.Ext(outputPath)}, "/")
	locator, err := e.objects.Upload(ctx, outputPath, key)
	if err != nil {
		logging.WarnWithContext(logger, "embedded file upload failed; keeping local copy", "storage_upload_failed",
			logging.Error(err),
			logging.String("object_key", key),
			logging.String(logging.FieldImpact, "file survives only on local disk"),
			logging.String(logging.FieldErrorHint, "check object storage credentials and bucket"),
		)
		return ""
	}
	logger.Info("embedded file uploaded", logging.String("storage_locator", locator))
	return locator
}

func (e *Executor) uploadPersist(ctx context.Context, r *run) (map[string]any, error) {
	links := r.links()
	if err := e.store.LinkJobResults(ctx, links); err != nil {
		return nil, services.Wrap(services.ErrTransient, string(stage.UploadPersist), "link results", "", err)
	}
	r.linked = true
	return map[string]any{
		"vision_result_id":   links.VisionResultID,
		"metadata_result_id": links.MetadataResultID,
		"embed_result_id":    links.EmbedResultID,
	}, nil
}

// loadAnalysis fills r.analysis from this run or the latest stored result.
func (e *Executor) loadAnalysis(ctx context.Context, r *run) error {
	if r.analysis != nil {
		return nil
	}
	const name = string(stage.SynthesizeMetadata)
	latest, err := e.store.LatestVisionResult(ctx, r.asset.ID)
	if err != nil {
		return services.Wrap(services.ErrTransient, name, "load vision result", "", err)
	}
	if latest == nil {
		return services.Wrap(services.ErrValidation, name, "load vision result", "no vision analysis for asset", nil)
	}
	var analysis vision.Analysis
	if err := json.Unmarshal([]byte(latest.AnalysisJSON), &analysis); err != nil {
		return services.Wrap(services.ErrValidation, name, "decode vision result", latest.ID, err)
	}
	r.visionResult = latest
	r.analysis = &analysis
	return nil
}

// resolveProfile returns the project profile, then the user profile, and
// fails with a validation error when neither exists.
func (e *Executor) resolveProfile(ctx context.Context, asset *jobstore.Asset) (metadata.Profile, error) {
	const name = string(stage.SynthesizeMetadata)
	candidates := []struct {
		scope jobstore.ProfileScope
		owner string
	}{
		{jobstore.ScopeProject, asset.ProjectID},
		{jobstore.ScopeUser, asset.UserID},
	}
	for _, c := range candidates {
		if strings.TrimSpace(c.owner) == "" {
			continue
		}
		profile, err := e.store.GetProfile(ctx, c.scope, c.owner)
		if err != nil {
			return metadata.Profile{}, services.Wrap(services.ErrTransient, name, "load profile", string(c.scope), err)
		}
		if profile != nil {
			return profile.Data, nil
		}
	}
	return metadata.Profile{}, services.Wrap(services.ErrValidation, name, "resolve profile", "no project or user profile", nil)
}

func (e *Executor) embeddedPath(asset *jobstore.Asset) string {
	ext := strings.ToLower(filepath.Ext(asset.OriginalPath))
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(asset.Filename))
	}
	dir := filepath.Join(os.TempDir(), "photopipe", "embedded")
	if e.cfg != nil {
		dir = e.cfg.EmbeddedDir()
	}
	return filepath.Join(dir, asset.ProjectID, asset.ID+ext)
}
