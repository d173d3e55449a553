package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"photopipe/internal/config"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if result := CheckFreeSpace("disk", dir, 0); !result.Passed {
		t.Fatalf("expected pass with no minimum, got: %s", result.Detail)
	}
	// No test machine has an exbibyte free.
	if result := CheckFreeSpace("disk", dir, 1<<40); result.Passed {
		t.Fatalf("expected failure for impossible minimum, got: %s", result.Detail)
	}
	if result := CheckFreeSpace("disk", filepath.Join(dir, "missing"), 0); result.Passed {
		t.Fatal("expected failure for missing path")
	}
}

func TestCheckVision_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" || r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := CheckVision(context.Background(), config.Vision{APIKey: "good-key", BaseURL: srv.URL + "/v1/"})
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestCheckVision_BadKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	result := CheckVision(context.Background(), config.Vision{APIKey: "bad-key", BaseURL: srv.URL})
	if result.Passed {
		t.Fatal("expected failure for bad key")
	}
	if result.Detail != "auth failed (invalid api key)" {
		t.Fatalf("unexpected detail: %s", result.Detail)
	}
}

func TestCheckVision_MissingKey(t *testing.T) {
	result := CheckVision(context.Background(), config.Vision{BaseURL: "http://localhost"})
	if result.Passed {
		t.Fatal("expected failure for missing key")
	}
}

func TestRunAllReportsMissingExiftool(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Paths.DataDir = dir
	cfg.Paths.ExportDir = dir
	cfg.Paths.CacheDir = dir
	cfg.Metadata.ExiftoolPath = "clearly-not-present-exiftool"

	results := RunAll(context.Background(), cfg, false)
	failed := Failed(results)
	if len(failed) != 1 {
		t.Fatalf("expected only exiftool to fail, got %#v", failed)
	}
	if failed[0].Name != "exiftool" {
		t.Fatalf("unexpected failing check: %s", failed[0].Name)
	}
}

func TestRunAllNilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil, true); results != nil {
		t.Fatalf("expected nil results, got %#v", results)
	}
}
