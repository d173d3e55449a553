package testsupport

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"photopipe/internal/config"
	"photopipe/internal/jobstore"
)

// MustOpenStore opens a jobstore.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *jobstore.Store {
	t.Helper()

	store, err := jobstore.Open(cfg)
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewProject creates a project owned by userID.
func NewProject(t testing.TB, store *jobstore.Store, userID string) *jobstore.Project {
	t.Helper()

	project, err := store.CreateProject(context.Background(), jobstore.Project{UserID: userID, Name: "Test Project"})
	if err != nil {
		t.Fatalf("store.CreateProject: %v", err)
	}
	return project
}

// NewAsset creates an uploaded asset whose original lives under the
// config's uploads directory. The file is written when size > 0.
func NewAsset(t testing.TB, cfg *config.Config, store *jobstore.Store, project *jobstore.Project, filename string, size int64) *jobstore.Asset {
	t.Helper()

	original := filepath.Join(cfg.UploadsDir(), project.ID, filename)
	if size > 0 {
		WriteFile(t, original, size)
	}
	asset, err := store.CreateAsset(context.Background(), jobstore.Asset{
		ProjectID:    project.ID,
		UserID:       project.UserID,
		Filename:     filename,
		MIMEType:     "image/jpeg",
		ContentHash:  fmt.Sprintf("sha256:%s", filename),
		SizeBytes:    size,
		OriginalPath: original,
	})
	if err != nil {
		t.Fatalf("store.CreateAsset: %v", err)
	}
	return asset
}
