package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	LogDir    string `toml:"log_dir"`
	ExportDir string `toml:"export_dir"`
	CacheDir  string `toml:"cache_dir"`
	APIBind   string `toml:"api_bind"`
	APIToken  string `toml:"api_token"`
}

// Queue contains broker and polling scheduler settings.
type Queue struct {
	RedisURL             string `toml:"redis_url"`
	KeyPrefix            string `toml:"key_prefix"`
	ConnectTimeout       int    `toml:"connect_timeout"`
	PollInterval         int    `toml:"poll_interval_ms"`
	PollingConcurrency   int    `toml:"polling_concurrency"`
	ProcessConcurrency   int    `toml:"process_concurrency"`
	ProcessRatePerMinute int    `toml:"process_rate_per_minute"`
	ProcessAttempts      int    `toml:"process_attempts"`
	ProcessBackoff       int    `toml:"process_backoff_seconds"`
	ExportConcurrency    int    `toml:"export_concurrency"`
	ExportRatePerMinute  int    `toml:"export_rate_per_minute"`
	ExportAttempts       int    `toml:"export_attempts"`
	ExportBackoff        int    `toml:"export_backoff_seconds"`
	CompletedRetention   int    `toml:"completed_retention_seconds"`
	FailedRetention      int    `toml:"failed_retention_seconds"`
	ShutdownTimeout      int    `toml:"shutdown_timeout"`
}

// Admission contains the concurrency gate and per-user rate limit settings.
type Admission struct {
	GateTimeout       int `toml:"gate_timeout_seconds"`
	BusyRetryAfter    int `toml:"busy_retry_after_seconds"`
	UserCooldown      int `toml:"user_cooldown_seconds"`
	RateLimitMaxUsers int `toml:"rate_limit_max_users"`
	SweepInterval     int `toml:"sweep_interval_seconds"`
}

// Export contains archive assembly settings.
type Export struct {
	MaxAssets         int `toml:"max_assets"`
	ProgressGrace     int `toml:"progress_grace_seconds"`
	MinFreeMiB        int `toml:"min_free_mib"`
	CacheMaxAgeHours  int `toml:"cache_max_age_hours"`
	DownloadURLExpiry int `toml:"download_url_expiry_seconds"`
}

// Storage contains object store settings. An empty bucket disables uploads.
type Storage struct {
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	Profile         string `toml:"profile"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	ForcePathStyle  bool   `toml:"force_path_style"`
	Prefix          string `toml:"prefix"`
}

// Vision contains the OpenAI-compatible model endpoint used for analysis and synthesis.
type Vision struct {
	APIKey          string `toml:"api_key"`
	BaseURL         string `toml:"base_url"`
	Model           string `toml:"model"`
	SynthesisModel  string `toml:"synthesis_model"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	MaxImageEdge    int    `toml:"max_image_edge"`
	MaxOutputTokens int    `toml:"max_output_tokens"`
}

// Metadata contains metadata writer settings.
type Metadata struct {
	ExiftoolPath   string `toml:"exiftool_path"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Exports        bool   `toml:"exports"`
	Errors         bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for photopipe.
//
// Configuration sections by subsystem:
//   - Paths: data, log, export and cache directories plus the API bind address
//   - Queue: broker connection, polling fallback and per-queue tuning
//   - Admission: concurrency gate and per-user export cooldown
//   - Export: archive ceiling, progress grace period and cache hygiene
//   - Storage: S3-compatible object store for embedded files and archives
//   - Vision: model endpoint for analysis and metadata synthesis
//   - Metadata: exiftool settings
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Queue         Queue         `toml:"queue"`
	Admission     Admission     `toml:"admission"`
	Export        Export        `toml:"export"`
	Storage       Storage       `toml:"storage"`
	Vision        Vision        `toml:"vision"`
	Metadata      Metadata      `toml:"metadata"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/photopipe/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	loadDotEnv(filepath.Dir(resolvedPath))

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// loadDotEnv reads .env files next to the config and in the working directory.
// Variables already present in the environment win.
func loadDotEnv(dir string) {
	candidates := []string{".env"}
	if dir != "" && dir != "." {
		candidates = append([]string{filepath.Join(dir, ".env")}, candidates...)
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			_ = godotenv.Load(candidate)
		}
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("photopipe.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.ExportDir, c.Paths.CacheDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// UploadsDir is where original uploads are written.
func (c *Config) UploadsDir() string {
	return filepath.Join(c.Paths.DataDir, "uploads")
}

// EmbeddedDir is where metadata-embedded copies are written.
func (c *Config) EmbeddedDir() string {
	return filepath.Join(c.Paths.DataDir, "embedded")
}

// DatabasePath returns the SQLite job store location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "photopipe.db")
}

// BrokerEnabled reports whether a broker URL is configured.
func (c *Config) BrokerEnabled() bool {
	return strings.TrimSpace(c.Queue.RedisURL) != ""
}

// StorageEnabled reports whether an object store bucket is configured.
func (c *Config) StorageEnabled() bool {
	return strings.TrimSpace(c.Storage.Bucket) != ""
}

// PollInterval returns the polling scheduler tick.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollInterval) * time.Millisecond
}

// ShutdownTimeout bounds how long graceful shutdown waits for active work.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Queue.ShutdownTimeout) * time.Second
}

// GateTimeout returns the staleness timeout of the export concurrency gate.
func (c *Config) GateTimeout() time.Duration {
	return time.Duration(c.Admission.GateTimeout) * time.Second
}

// UserCooldown returns the per-user export cooldown window.
func (c *Config) UserCooldown() time.Duration {
	return time.Duration(c.Admission.UserCooldown) * time.Second
}

// BusyRetryAfter is the hint returned with gate-busy rejections.
func (c *Config) BusyRetryAfter() time.Duration {
	return time.Duration(c.Admission.BusyRetryAfter) * time.Second
}

// ProgressGrace returns how long terminal progress snapshots remain visible.
func (c *Config) ProgressGrace() time.Duration {
	return time.Duration(c.Export.ProgressGrace) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
