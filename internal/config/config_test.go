package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photopipe/internal/config"
)

func TestLoadDefaultConfigExpandsPathsAndReadsEnv(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PHOTOPIPE_REDIS_URL", "")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	require.NoError(t, err)
	assert.NotEmpty(t, resolved)
	assert.False(t, exists)

	assert.Equal(t, filepath.Join(tempHome, ".local", "share", "photopipe"), cfg.Paths.DataDir)
	assert.Equal(t, filepath.Join(tempHome, ".cache", "photopipe"), cfg.Paths.CacheDir)
	assert.Equal(t, "127.0.0.1:7480", cfg.Paths.APIBind)
	assert.Equal(t, "sk-test", cfg.Vision.APIKey)
	assert.Equal(t, cfg.Vision.Model, cfg.Vision.SynthesisModel)
	assert.False(t, cfg.BrokerEnabled())
	assert.False(t, cfg.StorageEnabled())
	assert.Equal(t, 200, cfg.Export.MaxAssets)
	assert.Equal(t, "auto", cfg.Logging.Format)
}

func TestLoadCustomPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PHOTOPIPE_REDIS_URL", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.toml")

	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Queue.RedisURL = "redis://localhost:6379/0"
	cfg.Storage.Bucket = "photos"
	cfg.Export.MaxAssets = 50
	cfg.Logging.Format = "JSON"
	data, err := toml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, resolved, exists, err := config.Load(path)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, path, resolved)
	assert.Equal(t, filepath.Join(dir, "data"), loaded.Paths.DataDir)
	assert.True(t, loaded.BrokerEnabled())
	assert.True(t, loaded.StorageEnabled())
	assert.Equal(t, 50, loaded.Export.MaxAssets)
	assert.Equal(t, "json", loaded.Logging.Format)
	assert.Equal(t, filepath.Join(dir, "data", "photopipe.db"), loaded.DatabasePath())
}

func TestLoadReadsDotEnvWithoutOverridingEnvironment(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("OPENAI_API_KEY", "from-env")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("OPENAI_API_KEY=from-file\nPHOTOPIPE_S3_ACCESS_KEY_ID=AKIA123\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PHOTOPIPE_S3_ACCESS_KEY_ID") })

	cfg, _, _, err := config.Load(filepath.Join(dir, "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Vision.APIKey)
	assert.Equal(t, "AKIA123", cfg.Storage.AccessKeyID)
}

func TestCreateSample(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, config.CreateSample(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[admission]")

	cfg, _, exists, err := config.Load(path)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 10, cfg.Admission.UserCooldown)
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty data dir", func(c *config.Config) { c.Paths.DataDir = "" }},
		{"bad redis scheme", func(c *config.Config) { c.Queue.RedisURL = "http://localhost" }},
		{"zero poll interval", func(c *config.Config) { c.Queue.PollInterval = 0 }},
		{"zero export concurrency", func(c *config.Config) { c.Queue.ExportConcurrency = 0 }},
		{"zero gate timeout", func(c *config.Config) { c.Admission.GateTimeout = 0 }},
		{"zero max assets", func(c *config.Config) { c.Export.MaxAssets = 0 }},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "xml" }},
		{"bad log level", func(c *config.Config) { c.Logging.Level = "trace" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Paths.DataDir = "/tmp/photopipe"
			cfg.Paths.ExportDir = "/tmp/photopipe/exports"
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
