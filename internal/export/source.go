package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/services"
	"photopipe/internal/storage"
)

// Source labels where an archive entry came from.
type Source string

const (
	SourceEmbeddedLocal  Source = "embedded_local"
	SourceEmbeddedRemote Source = "embedded_remote"
	SourceOriginal       Source = "original"
)

const reasonSourceMissing = "source file not found"

// resolved is a file ready to be added to an archive. The embedded flag
// is set when the file already carries the asset's metadata.
type resolved struct {
	path     string
	source   Source
	embedded bool
}

// resolveSource picks the best file for asset: the local embedded copy, then
// the embedded copy from object storage downloaded into the project cache,
// then the untouched original. ErrNotFound means nothing usable exists.
func (s *Service) resolveSource(ctx context.Context, asset *jobstore.Asset) (resolved, error) {
	logger := logging.WithContext(ctx, s.logger)

	embeddedPath := asset.EmbeddedPath
	locator := asset.EmbeddedLocator
	if embeddedPath == "" || locator == "" {
		result, err := s.store.LatestEmbedResult(ctx, asset.ID)
		if err != nil {
			return resolved{}, services.Wrap(services.ErrTransient, "export", "load embed result", asset.ID, err)
		}
		if result != nil {
			embeddedPath = firstNonEmpty(embeddedPath, result.OutputPath)
			locator = firstNonEmpty(locator, result.StorageLocator)
		}
	}

	if embeddedPath != "" && fileExists(embeddedPath) {
		return resolved{path: embeddedPath, source: SourceEmbeddedLocal, embedded: true}, nil
	}

	if locator != "" && s.objects.Available(ctx) {
		cached := s.cachePath(asset, locator, embeddedPath)
		if fileExists(cached) {
			return resolved{path: cached, source: SourceEmbeddedRemote, embedded: true}, nil
		}
		err := s.objects.Download(ctx, locator, cached)
		if err == nil {
			return resolved{path: cached, source: SourceEmbeddedRemote, embedded: true}, nil
		}
		if ctx.Err() != nil {
			return resolved{}, ctx.Err()
		}
		logging.WarnWithContext(logger, "embedded file download failed; trying original", "export_download_failed",
			logging.Error(err),
			logging.String("storage_locator", locator),
			logging.String(logging.FieldImpact, "archive entry falls back to the original without embedded metadata"),
		)
	}

	if asset.OriginalPath != "" && fileExists(asset.OriginalPath) {
		return resolved{path: asset.OriginalPath, source: SourceOriginal}, nil
	}
	return resolved{}, services.Wrap(services.ErrNotFound, "export", "resolve source", reasonSourceMissing, nil)
}

// cachePath is the project-scoped location for downloaded embedded files.
func (s *Service) cachePath(asset *jobstore.Asset, locator, embeddedPath string) string {
	ext := filepath.Ext(embeddedPath)
	if ext == "" {
		if parsed, err := storage.ParseLocator(locator); err == nil {
			ext = filepath.Ext(parsed.Value)
		}
	}
	if ext == "" {
		ext = filepath.Ext(asset.Filename)
	}
	return filepath.Join(s.cfg.Paths.CacheDir, asset.ProjectID, asset.ID+strings.ToLower(ext))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func isMissing(err error) bool {
	return errors.Is(err, services.ErrNotFound)
}
