package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/progress"
	"photopipe/internal/services"
	"photopipe/internal/services/imaging"
	"photopipe/internal/staging"
	"photopipe/internal/storage"
)

// assembly is the outcome of one archive build.
type assembly struct {
	locator    string
	filesAdded int
	failed     int
	bytes      int64
}

// assemble builds the archive for export. Assets are processed one at a time
// in caller order; an asset without a usable file is recorded as failed and
// skipped. The archive is published to object storage when available,
// otherwise kept on local disk.
func (s *Service) assemble(ctx context.Context, export *jobstore.Export, opts Options, live bool) (assembly, error) {
	logger := logging.WithContext(ctx, s.logger)

	items, err := s.store.ExportAssets(ctx, export.ID)
	if err != nil {
		return assembly{}, services.Wrap(services.ErrTransient, "export", "load export assets", export.ID, err)
	}
	if len(items) == 0 {
		return assembly{}, services.Wrap(services.ErrValidation, "export", "load export assets", "export has no assets", nil)
	}
	transform, err := opts.Imaging()
	if err != nil {
		return assembly{}, err
	}

	if err := os.MkdirAll(s.cfg.Paths.CacheDir, 0o755); err != nil {
		return assembly{}, services.Wrap(services.ErrConfiguration, "export", "create cache dir", s.cfg.Paths.CacheDir, err)
	}
	workDir, err := os.MkdirTemp(s.cfg.Paths.CacheDir, staging.WorkDirPrefix+export.ID+"-")
	if err != nil {
		return assembly{}, services.Wrap(services.ErrConfiguration, "export", "create work dir", s.cfg.Paths.CacheDir, err)
	}
	defer os.RemoveAll(workDir)

	outputPath := s.archivePath(export)
	arc, err := createArchive(outputPath)
	if err != nil {
		return assembly{}, err
	}
	committed := false
	defer func() {
		if !committed {
			arc.abort()
		}
	}()

	names := newEntryNames(opts.Naming)
	var result assembly
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return assembly{}, err
		}
		if live {
			s.emit(export.ID, progress.Update{
				Stage:       stageFor(transform),
				CurrentFile: i + 1,
				TotalFiles:  len(items),
				Percent:     i * 100 / len(items),
			})
		}

		entry, source, reason, err := s.prepareItem(ctx, export, item, transform, opts, workDir, names)
		if err != nil {
			return assembly{}, err
		}
		if reason != "" {
			result.failed++
			s.recordAsset(ctx, export.ID, item.AssetID, jobstore.ExportAssetFailed, string(source), reason)
			logger.Info("asset skipped in export",
				logging.String(logging.FieldAssetID, item.AssetID),
				logging.String("reason", reason),
				logging.String(logging.FieldEventType, "export_asset_skipped"),
			)
			continue
		}
		if live {
			s.emit(export.ID, progress.Update{Stage: progress.StagePackaging, CurrentFileName: entry.name})
		}
		n, err := arc.add(entry.name, entry.path)
		entry.cleanup()
		if err != nil {
			if isMissing(err) {
				result.failed++
				s.recordAsset(ctx, export.ID, item.AssetID, jobstore.ExportAssetFailed, string(source), reasonSourceMissing)
				continue
			}
			return assembly{}, err
		}
		result.filesAdded++
		s.recordAsset(ctx, export.ID, item.AssetID, jobstore.ExportAssetAdded, string(source), "")
		logger.Debug("asset added to export",
			logging.String(logging.FieldAssetID, item.AssetID),
			logging.String("entry", entry.name),
			logging.String("source", string(source)),
			logging.Int64("entry_bytes", n),
		)
	}

	if result.filesAdded == 0 {
		return assembly{}, services.Wrap(services.ErrValidation, "export", "assemble",
			fmt.Sprintf("no exportable files among %d assets", len(items)), nil)
	}

	size, err := arc.commit()
	committed = true
	if err != nil {
		return assembly{}, err
	}
	result.bytes = size
	result.locator = s.publish(ctx, export, outputPath)
	return result, nil
}

type preparedEntry struct {
	name    string
	path    string
	cleanup func()
}

// prepareItem resolves and, when requested, transforms one asset. A non-empty
// reason marks the asset as skipped; a returned error aborts the export.
func (s *Service) prepareItem(ctx context.Context, export *jobstore.Export, item jobstore.ExportAsset, transform imaging.Options, opts Options, workDir string, names *entryNames) (preparedEntry, Source, string, error) {
	asset, err := s.store.GetAsset(ctx, item.AssetID)
	if err != nil {
		return preparedEntry{}, "", "", services.Wrap(services.ErrTransient, "export", "load asset", item.AssetID, err)
	}
	if asset == nil || asset.ProjectID != export.ProjectID {
		return preparedEntry{}, "", "asset not found in project", nil
	}

	src, err := s.resolveSource(ctx, asset)
	if err != nil {
		if isMissing(err) {
			return preparedEntry{}, "", reasonSourceMissing, nil
		}
		return preparedEntry{}, "", "", err
	}

	entry := preparedEntry{path: src.path, cleanup: func() {}}
	if transform.NeedsTransform() {
		path, err := s.transformEntry(ctx, asset, src, transform, opts, workDir)
		if err != nil {
			if ctx.Err() != nil {
				return preparedEntry{}, "", "", ctx.Err()
			}
			return preparedEntry{}, src.source, "transform failed: " + err.Error(), nil
		}
		entry.path = path
		entry.cleanup = func() { _ = os.Remove(path) }
	}
	entry.name = names.next(asset.ID, asset.Filename, filepath.Ext(entry.path))
	return entry, src.source, "", nil
}

// transformEntry resizes or re-encodes src into workDir and, when asked,
// writes the asset's metadata back into the result.
func (s *Service) transformEntry(ctx context.Context, asset *jobstore.Asset, src resolved, transform imaging.Options, opts Options, workDir string) (string, error) {
	ext := transform.Format.Extension()
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(src.path))
	}
	dst := filepath.Join(workDir, asset.ID+ext)
	if _, err := imaging.Transform(src.path, dst, transform); err != nil {
		return "", err
	}
	if !opts.ReembedMetadata || s.writer == nil {
		return dst, nil
	}

	result, err := s.store.LatestMetadataResult(ctx, asset.ID)
	if err != nil {
		_ = os.Remove(dst)
		return "", services.Wrap(services.ErrTransient, "export", "load metadata", asset.ID, err)
	}
	if result == nil {
		return dst, nil
	}
	withMeta := filepath.Join(workDir, asset.ID+"-meta"+ext)
	_, err = s.writer.Write(ctx, dst, withMeta, result.Effective())
	_ = os.Remove(dst)
	if err != nil {
		return "", err
	}
	return withMeta, nil
}

// publish uploads the archive when object storage is available and removes
// the local copy; otherwise, or when the upload fails, the local path stays
// authoritative.
func (s *Service) publish(ctx context.Context, export *jobstore.Export, localPath string) string {
	logger := logging.WithContext(ctx, s.logger)
	if !s.objects.Available(ctx) {
		return storage.LocalLocator(localPath)
	}
	key := strings.Join([]string{"exports", export.ProjectID, export.ID + ".zip"}, "/")
	locator, err := s.objects.Upload(ctx, localPath, key)
	if err != nil {
		logging.WarnWithContext(logger, "archive upload failed; keeping local copy", "export_upload_failed",
			logging.Error(err),
			logging.String("object_key", key),
			logging.String(logging.FieldImpact, "archive survives only on local disk"),
			logging.String(logging.FieldErrorHint, "check object storage credentials and bucket"),
		)
		return storage.LocalLocator(localPath)
	}
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove uploaded archive", logging.String("path", localPath), logging.Error(err))
	}
	return locator
}

func (s *Service) recordAsset(ctx context.Context, exportID, assetID, status, source, reason string) {
	if err := s.store.RecordExportAsset(ctx, exportID, assetID, status, source, reason); err != nil {
		logging.WithContext(ctx, s.logger).Warn("failed to record export asset outcome",
			logging.String(logging.FieldAssetID, assetID),
			logging.Error(err),
		)
	}
}

func stageFor(transform imaging.Options) progress.Stage {
	if transform.NeedsTransform() {
		return progress.StageConverting
	}
	return progress.StagePreparing
}
