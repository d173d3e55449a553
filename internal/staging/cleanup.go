package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"photopipe/internal/logging"
)

// WorkDirPrefix marks per-export scratch directories inside the cache.
const WorkDirPrefix = "export-"

// CleanResult contains the outcome of a cache cleanup pass.
type CleanResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanStale prunes the export cache. Scratch directories older than maxAge
// are removed whole; project download caches lose files older than maxAge
// and are removed once empty.
func CleanStale(ctx context.Context, cacheDir string, maxAge time.Duration, logger *slog.Logger) CleanResult {
	result := CleanResult{}

	entries, ok := readCache(cacheDir, &result)
	if !ok {
		return result
	}
	cutoff := time.Now().Add(-maxAge)

	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}
		if !entry.IsDir() {
			continue
		}
		dirPath := filepath.Join(cacheDir, entry.Name())
		if strings.HasPrefix(entry.Name(), WorkDirPrefix) {
			info, err := entry.Info()
			if err != nil {
				result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
				continue
			}
			if info.ModTime().Before(cutoff) {
				removePath(&result, dirPath, time.Since(info.ModTime()), "stale", logger)
			}
			continue
		}
		pruneFiles(ctx, &result, dirPath, cutoff, logger)
	}

	return result
}

func pruneFiles(ctx context.Context, result *CleanResult, dir string, cutoff time.Time, logger *slog.Logger) {
	files, err := os.ReadDir(dir)
	if err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: dir, Error: err})
		return
	}
	kept := 0
	for _, file := range files {
		if ctx.Err() != nil {
			return
		}
		path := filepath.Join(dir, file.Name())
		info, err := file.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			kept++
			continue
		}
		if file.IsDir() || !info.ModTime().Before(cutoff) {
			kept++
			continue
		}
		if !removePath(result, path, time.Since(info.ModTime()), "stale", logger) {
			kept++
		}
	}
	if kept == 0 {
		// Remove refuses a directory a concurrent download just repopulated.
		_ = os.Remove(dir)
	}
}

// CleanOrphaned removes download caches for projects that no longer exist.
// Scratch directories are left to CleanStale.
func CleanOrphaned(ctx context.Context, cacheDir string, activeProjects map[string]struct{}, logger *slog.Logger) CleanResult {
	result := CleanResult{}

	entries, ok := readCache(cacheDir, &result)
	if !ok {
		return result
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), WorkDirPrefix) {
			continue
		}
		if _, active := activeProjects[entry.Name()]; active {
			continue
		}
		removePath(&result, filepath.Join(cacheDir, entry.Name()), 0, "orphaned", logger)
	}

	return result
}

func readCache(cacheDir string, result *CleanResult) ([]os.DirEntry, bool) {
	cacheDir = strings.TrimSpace(cacheDir)
	if cacheDir == "" {
		return nil, false
	}
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: cacheDir, Error: err})
		}
		return nil, false
	}
	return entries, true
}

func removePath(result *CleanResult, path string, age time.Duration, reason string, logger *slog.Logger) bool {
	if err := os.RemoveAll(path); err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
		if logger != nil {
			logger.Warn("failed to remove cache entry",
				logging.String("path", path),
				logging.String("reason", reason),
				logging.Error(err),
				logging.String(logging.FieldEventType, "cache_cleanup_failed"),
				logging.String(logging.FieldErrorHint, "check cache_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
		}
		return false
	}
	result.Removed = append(result.Removed, path)
	if logger != nil {
		attrs := []any{
			logging.String("path", path),
			logging.String("reason", reason),
			logging.String(logging.FieldEventType, "cache_cleanup"),
		}
		if age > 0 {
			attrs = append(attrs, logging.Duration("age", age))
		}
		logger.Debug("removed cache entry", attrs...)
	}
	return true
}

// Usage summarizes what the cache holds.
type Usage struct {
	Directories int   `json:"directories"`
	Files       int   `json:"files"`
	Bytes       int64 `json:"bytes"`
}

// ListDirectories returns the top-level cache directories with their sizes.
func ListDirectories(cacheDir string) ([]DirInfo, error) {
	cacheDir = strings.TrimSpace(cacheDir)
	if cacheDir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		dirPath := filepath.Join(cacheDir, entry.Name())
		size, files := dirSize(dirPath)
		dirs = append(dirs, DirInfo{
			Name:    entry.Name(),
			Path:    dirPath,
			ModTime: info.ModTime(),
			Size:    size,
			Files:   files,
		})
	}

	return dirs, nil
}

// Summarize totals the cache directories.
func Summarize(cacheDir string) (Usage, error) {
	dirs, err := ListDirectories(cacheDir)
	if err != nil {
		return Usage{}, err
	}
	usage := Usage{Directories: len(dirs)}
	for _, d := range dirs {
		usage.Files += d.Files
		usage.Bytes += d.Size
	}
	return usage, nil
}

// DirInfo contains metadata about a cache directory.
type DirInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
	Files   int
}

func dirSize(path string) (int64, int) {
	var size int64
	var files int
	_ = filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best effort
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		size += info.Size()
		files++
		return nil
	})
	return size, files
}
