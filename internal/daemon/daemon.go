package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"photopipe/internal/admission"
	"photopipe/internal/api"
	"photopipe/internal/config"
	"photopipe/internal/export"
	"photopipe/internal/httpapi"
	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/notifications"
	"photopipe/internal/pipeline"
	"photopipe/internal/preflight"
	"photopipe/internal/progress"
	"photopipe/internal/queue"
	"photopipe/internal/services/exiftool"
	"photopipe/internal/services/vision"
	"photopipe/internal/storage"
)

// Daemon owns the background workers, the API server and the instance lock.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *jobstore.Store
	logHub *logging.StreamHub

	lockPath string
	lock     *flock.Flock

	queue     queue.Queue
	objects   storage.ObjectStore
	gate      *admission.Gate
	limiter   *admission.RateLimiter
	progress  *progress.Broadcaster
	exports   *export.Service
	executor  *pipeline.Executor
	server    *httpapi.Server
	scheduler *cron.Cron
	notifier  notifications.Service

	preflightMu sync.RWMutex
	preflight   []preflight.Result

	// Overrides used by tests.
	queueOverride   queue.Queue
	objectsOverride storage.ObjectStore
	visionOverride  pipeline.Vision
	probeVision     bool

	startedAt time.Time
	running   atomic.Bool
	cancel    context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	StartedAt    time.Time
	QueueMode    queue.Mode
	APIAddress   string
	DatabasePath string
	LockFilePath string
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithQueue replaces queue selection with a fixed strategy.
func WithQueue(q queue.Queue) Option {
	return func(d *Daemon) { d.queueOverride = q }
}

// WithObjectStore replaces the configured object store.
func WithObjectStore(objects storage.ObjectStore) Option {
	return func(d *Daemon) { d.objectsOverride = objects }
}

// WithVision replaces the configured vision client.
func WithVision(v pipeline.Vision) Option {
	return func(d *Daemon) { d.visionOverride = v }
}

// WithLogHub exposes the given hub through the log API.
func WithLogHub(hub *logging.StreamHub) Option {
	return func(d *Daemon) { d.logHub = hub }
}

// WithVisionProbe enables the network check of the vision endpoint during preflight.
func WithVisionProbe(enabled bool) Option {
	return func(d *Daemon) { d.probeVision = enabled }
}

// New constructs a daemon. Collaborators are built on Start.
func New(cfg *config.Config, store *jobstore.Store, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || store == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, and logger")
	}
	lockPath := filepath.Join(cfg.Paths.DataDir, "photopipe.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start acquires the instance lock, recovers orphaned work, and launches the
// workers, the scheduler, and the API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("ensure lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another photopipe daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.start(runCtx); err != nil {
		cancel()
		d.teardown()
		_ = d.lock.Unlock()
		return err
	}
	d.cancel = cancel
	d.startedAt = time.Now().UTC()
	d.running.Store(true)
	d.logger.Info("photopipe daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("queue_mode", string(d.queue.Mode())),
		logging.String("api_address", d.server.Addr()),
	)
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}
	d.runPreflight(ctx)

	if err := d.build(ctx); err != nil {
		return err
	}

	if err := d.recover(ctx); err != nil {
		return fmt.Errorf("recover orphaned work: %w", err)
	}

	if err := d.queue.Start(ctx, queue.Handlers{
		Process: d.executor.Run,
		Export:  d.exports.Run,
	}); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	scheduler, err := d.schedule(ctx)
	if err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	d.scheduler = scheduler
	d.scheduler.Start()

	if err := d.server.Start(ctx); err != nil {
		return err
	}
	return nil
}

// build constructs the collaborators from config.
func (d *Daemon) build(ctx context.Context) error {
	cfg := d.cfg
	d.notifier = notifications.NewService(cfg)
	d.progress = progress.NewBroadcaster(cfg.ProgressGrace())
	d.gate = admission.NewGate(cfg.GateTimeout(), cfg.BusyRetryAfter(), admission.WithLogger(d.logger))
	d.limiter = admission.NewRateLimiter(cfg.UserCooldown(), cfg.Admission.RateLimitMaxUsers, admission.WithLogger(d.logger))

	d.objects = d.objectsOverride
	if d.objects == nil {
		objects, err := storage.New(ctx, cfg.Storage, d.logger)
		if err != nil {
			logging.WarnWithContext(d.logger, "object store unavailable; using local files only", "storage_unavailable",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the storage bucket, region and credentials"),
				logging.String(logging.FieldImpact, "embedded files and archives stay on local disk"),
			)
			objects = storage.Unavailable{}
		}
		d.objects = objects
	}

	writer, err := exiftool.New(cfg.Metadata.ExiftoolPath, cfg.Metadata.TimeoutSeconds)
	if err != nil {
		return fmt.Errorf("metadata writer: %w", err)
	}

	d.queue = d.queueOverride
	if d.queue == nil {
		d.queue = queue.Select(ctx, cfg, d.store, d.logger)
	}

	d.exports = export.New(cfg, d.store, d.queue, d.gate, d.limiter, d.objects, d.logger,
		export.WithMetadataWriter(writer),
		export.WithBroadcaster(d.progress),
		export.WithNotifier(d.notifier),
	)
	d.executor = pipeline.New(cfg, d.store, d.visionClient(), writer, d.objects, d.logger,
		pipeline.WithBroadcaster(d.progress),
		pipeline.WithNotifier(d.notifier),
	)

	d.server = httpapi.New(httpapi.Deps{
		Config:    cfg,
		Store:     d.store,
		Queue:     d.queue,
		Jobs:      api.NewJobService(d.store, d.queue, d.logger),
		Exports:   d.exports,
		Gate:      d.gate,
		Limiter:   d.limiter,
		Objects:   d.objects,
		Progress:  d.progress,
		LogHub:    d.logHub,
		StartedAt: time.Now().UTC(),
		Preflight: d.Preflight,
	}, d.logger)
	return nil
}

// visionClient returns nil when no client can be built so the executor sees
// a nil interface rather than a typed nil pointer.
func (d *Daemon) visionClient() pipeline.Vision {
	if d.visionOverride != nil {
		return d.visionOverride
	}
	client, err := vision.NewClient(vision.Config{
		APIKey:          d.cfg.Vision.APIKey,
		BaseURL:         d.cfg.Vision.BaseURL,
		Model:           d.cfg.Vision.Model,
		SynthesisModel:  d.cfg.Vision.SynthesisModel,
		TimeoutSeconds:  d.cfg.Vision.TimeoutSeconds,
		MaxOutputTokens: d.cfg.Vision.MaxOutputTokens,
	})
	if err != nil {
		logging.WarnWithContext(d.logger, "vision client unavailable", "vision_unavailable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "set vision.api_key or OPENAI_API_KEY"),
			logging.String(logging.FieldImpact, "vision and synthesis stages fail until configured"),
		)
		return nil
	}
	return client
}

func (d *Daemon) runPreflight(ctx context.Context) {
	results := preflight.RunAll(ctx, d.cfg, d.probeVision)
	for _, failed := range preflight.Failed(results) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", failed.Name),
			logging.String("detail", failed.Detail),
			logging.String(logging.FieldImpact, "dependent stages may fail"),
		)
	}
	d.preflightMu.Lock()
	d.preflight = results
	d.preflightMu.Unlock()
}

// Preflight returns the results of the startup readiness checks.
func (d *Daemon) Preflight() []preflight.Result {
	d.preflightMu.RLock()
	defer d.preflightMu.RUnlock()
	out := make([]preflight.Result, len(d.preflight))
	copy(out, d.preflight)
	return out
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.teardown()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("photopipe daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stopped"),
	)
}

// teardown stops whatever start managed to launch.
func (d *Daemon) teardown() {
	if d.server != nil {
		d.server.Stop()
	}
	if d.scheduler != nil {
		<-d.scheduler.Stop().Done()
		d.scheduler = nil
	}
	if d.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout()+5*time.Second)
		if err := d.queue.Shutdown(ctx); err != nil {
			logging.WarnWithContext(d.logger, "queue shutdown incomplete", "queue_shutdown_incomplete",
				logging.Error(err),
				logging.String(logging.FieldImpact, "in-flight work is recovered on next start"),
			)
		}
		cancel()
	}
	if d.progress != nil {
		d.progress.Close()
	}
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	status := Status{
		Running:      d.running.Load(),
		StartedAt:    d.startedAt,
		DatabasePath: d.store.Path(),
		LockFilePath: d.lockPath,
	}
	if status.Running {
		status.QueueMode = d.queue.Mode()
		status.APIAddress = d.server.Addr()
	}
	return status
}
