package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"photopipe/internal/config"
	"photopipe/internal/daemon"
	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
	// ProbeVision makes a live request to the vision endpoint during preflight.
	ProbeVision bool
}

// Run starts the photopipe daemon and blocks until the context is cancelled
// or the process receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		copied := *cfg
		copied.Logging.Level = level
		cfg = &copied
	}

	logHub := logging.NewStreamHub(4096)
	logger, err := logging.NewFromConfig(cfg, logHub)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logDependencySnapshot(logger, cfg)
	logging.CleanupOldLogs(logger, cfg.Paths.LogDir, cfg.Logging.RetentionDays, filepath.Join(cfg.Paths.LogDir, "photopipe.log"))

	pidPath := filepath.Join(cfg.Paths.LogDir, "photopipe.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := jobstore.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}

	d, err := daemon.New(cfg, store, logger,
		daemon.WithLogHub(logHub),
		daemon.WithVisionProbe(opts.ProbeVision),
	)
	if err != nil {
		store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check configuration, directory permissions and that no other instance runs"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("photopipe daemon shutting down",
		logging.String(logging.FieldEventType, "daemon_shutdown"),
	)
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	exiftool := cfg.Metadata.ExiftoolPath
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("exiftool_available", binaryAvailable(exiftool)),
		logging.String("exiftool_binary", exiftool),
		logging.Bool("vision_key_present", strings.TrimSpace(cfg.Vision.APIKey) != ""),
		logging.String("vision_model", cfg.Vision.Model),
		logging.Bool("broker_configured", cfg.BrokerEnabled()),
		logging.Bool("storage_configured", cfg.StorageEnabled()),
		logging.Bool("notifications_enabled", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
	)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
