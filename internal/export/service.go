package export

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"photopipe/internal/admission"
	"photopipe/internal/config"
	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/notifications"
	"photopipe/internal/preflight"
	"photopipe/internal/progress"
	"photopipe/internal/queue"
	"photopipe/internal/services"
	"photopipe/internal/storage"
)

const (
	defaultMaxAssets      = 200
	defaultDownloadExpiry = 15 * time.Minute
	anonymousUser         = "anonymous"
)

// Request asks for an archive of assets from one project.
type Request struct {
	ProjectID string   `json:"project_id" validate:"required"`
	UserID    string   `json:"user_id,omitempty"`
	AssetIDs  []string `json:"asset_ids" validate:"required,min=1,dive,required"`
	Options   Options  `json:"options"`
}

// Download tells the caller how to fetch a finished archive: redirect to URL
// when set, otherwise stream Path.
type Download struct {
	URL      string
	Path     string
	Filename string
	Rebuilt  bool
}

// Service creates, assembles and serves exports.
type Service struct {
	cfg      *config.Config
	store    Store
	queue    Enqueuer
	gate     *admission.Gate
	limiter  *admission.RateLimiter
	objects  storage.ObjectStore
	writer   MetadataWriter
	progress *progress.Broadcaster
	notifier notifications.Service
	logger   *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithMetadataWriter re-embeds metadata after transforms that drop it.
func WithMetadataWriter(w MetadataWriter) Option {
	return func(s *Service) { s.writer = w }
}

// WithBroadcaster publishes per-export progress snapshots.
func WithBroadcaster(b *progress.Broadcaster) Option {
	return func(s *Service) { s.progress = b }
}

// WithNotifier sends export completion and failure notifications.
func WithNotifier(n notifications.Service) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// New constructs the export service. A nil object store keeps archives local.
func New(cfg *config.Config, store Store, q Enqueuer, gate *admission.Gate, limiter *admission.RateLimiter, objects storage.ObjectStore, logger *slog.Logger, opts ...Option) *Service {
	if objects == nil {
		objects = storage.Unavailable{}
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		queue:    q,
		gate:     gate,
		limiter:  limiter,
		objects:  objects,
		notifier: notifications.NewService(&config.Config{}),
		logger:   logging.NewComponentLogger(logger, "export"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and admits an export request, records it and hands it to
// the export queue. Rejections are *services.Problem values; nothing is
// recorded for a rejected request.
func (s *Service) Create(ctx context.Context, req Request) (*jobstore.Export, error) {
	logger := logging.WithContext(ctx, s.logger)

	projectID := strings.TrimSpace(req.ProjectID)
	if projectID == "" {
		return nil, services.NewProblem(services.KindValidation, "project_id is required")
	}
	if len(req.AssetIDs) == 0 {
		return nil, services.NewProblem(services.KindValidation, "asset_ids must not be empty")
	}
	if limit := s.maxAssets(); len(req.AssetIDs) > limit {
		return nil, services.NewProblem(services.KindLimitExceeded,
			"export requests are limited to %d assets, got %d", limit, len(req.AssetIDs))
	}
	opts, err := req.Options.Normalize()
	if err != nil {
		return nil, &services.Problem{Kind: services.KindValidation, Message: "invalid export options", Err: err}
	}
	encoded, err := opts.encode()
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "export", "load project", projectID, err)
	}
	if project == nil {
		return nil, services.NewProblem(services.KindNotFound, "project %s not found", projectID)
	}

	user := cooldownKey(ctx, req.UserID)
	if decision := s.limiter.Check(user); !decision.Allowed {
		logger.Info("export rejected by user cooldown",
			logging.String("user_id", user),
			logging.Duration("retry_after", decision.RetryAfter),
			logging.String(logging.FieldEventType, "export_rate_limited"),
		)
		return nil, services.RateLimited("export cooldown active for this user", decision.RetryAfter)
	}

	id := uuid.NewString()
	lease, err := s.gate.Acquire(id)
	if err != nil {
		logger.Info("export rejected; another export is running",
			logging.String("holder", s.gate.Holder().Owner),
			logging.String(logging.FieldEventType, "export_busy"),
		)
		return nil, err
	}

	export, err := s.store.CreateExport(ctx, jobstore.NewExport{
		ID:          id,
		ProjectID:   projectID,
		UserID:      req.UserID,
		AssetIDs:    req.AssetIDs,
		OptionsJSON: encoded,
	})
	if err != nil {
		lease.Release()
		return nil, services.Wrap(services.ErrTransient, "export", "create record", "", err)
	}
	s.limiter.Record(user)

	ctx = services.WithExportID(ctx, export.ID)
	if err := s.queue.Enqueue(ctx, queue.Task{Queue: queue.Export, ID: export.ID, ProjectID: projectID, UserID: req.UserID}); err != nil {
		lease.Release()
		if failErr := s.store.FailExport(ctx, export.ID, "enqueue failed: "+err.Error()); failErr != nil {
			logger.Error("failed to mark unqueued export failed", logging.Error(failErr))
		}
		return nil, services.Wrap(services.ErrTransient, "export", "enqueue", export.ID, err)
	}

	s.emit(export.ID, progress.Update{Status: progress.StatusPending, Stage: progress.StagePreparing, TotalFiles: export.AssetCount})
	logging.WithContext(ctx, s.logger).Info("export created",
		logging.String(logging.FieldProjectID, projectID),
		logging.Int("asset_count", export.AssetCount),
		logging.String(logging.FieldEventType, "export_created"),
	)
	return export, nil
}

// cooldownKey names the rate-limit bucket for a request. Callers without a
// user id are bucketed by remote host so unrelated clients do not share one.
func cooldownKey(ctx context.Context, userID string) string {
	if user := strings.TrimSpace(userID); user != "" {
		return user
	}
	if addr, ok := services.ClientAddrFromContext(ctx); ok {
		return anonymousUser + "@" + addr
	}
	return anonymousUser
}

// Run is the export queue handler. It adopts the gate lease taken by Create,
// or acquires one for recovered exports, and always releases it.
func (s *Service) Run(ctx context.Context, d queue.Delivery) error {
	ctx = services.WithExportID(ctx, d.ID)
	logger := logging.WithContext(ctx, s.logger)

	export, err := s.store.GetExport(ctx, d.ID)
	if err != nil {
		return services.Wrap(services.ErrTransient, "export", "load export", d.ID, err)
	}
	if export == nil {
		return services.Wrap(services.ErrNotFound, "export", "load export", d.ID, nil)
	}
	if export.Status.Terminal() {
		if lease, ok := s.gate.Lease(export.ID); ok {
			lease.Release()
		}
		logger.Info("export already finished; skipping delivery",
			logging.String("status", string(export.Status)),
			logging.String(logging.FieldEventType, "export_skipped"),
		)
		return nil
	}
	if export.Status == jobstore.ExportPending {
		claimed, err := s.store.ClaimExport(ctx, export.ID)
		if err != nil {
			return services.Wrap(services.ErrTransient, "export", "claim export", export.ID, err)
		}
		if !claimed {
			logger.Info("export claimed elsewhere; skipping", logging.String(logging.FieldEventType, "export_skipped"))
			return nil
		}
		export.Status = jobstore.ExportProcessing
	}

	lease, ok := s.gate.Lease(export.ID)
	if !ok {
		lease, err = s.gate.Acquire(export.ID)
		if err != nil {
			return s.fail(ctx, d, export, err)
		}
	}
	defer lease.Release()

	opts, err := decodeOptions(export.OptionsJSON)
	if err != nil {
		return s.fail(ctx, d, export, err)
	}
	if err := s.checkDisk(); err != nil {
		return s.fail(ctx, d, export, err)
	}

	start := time.Now()
	s.emit(export.ID, progress.Update{Status: progress.StatusProcessing, Stage: progress.StagePreparing, TotalFiles: export.AssetCount})
	result, err := s.assemble(ctx, export, opts, true)
	if err != nil {
		return s.fail(ctx, d, export, err)
	}
	if err := s.store.CompleteExport(ctx, export.ID, result.locator, result.filesAdded); err != nil {
		return s.fail(ctx, d, export, services.Wrap(services.ErrTransient, "export", "complete export", "", err))
	}

	s.emit(export.ID, progress.Update{
		Status:      progress.StatusCompleted,
		Stage:       progress.StageDone,
		CurrentFile: export.AssetCount,
		Percent:     100,
		Message:     result.summary(),
	})
	logger.Info("export completed",
		logging.Int("files_added", result.filesAdded),
		logging.Int("files_failed", result.failed),
		logging.Int64("archive_bytes", result.bytes),
		logging.String("storage_locator", result.locator),
		logging.Duration("elapsed", time.Since(start)),
		logging.String(logging.FieldEventType, "export_complete"),
	)
	if err := s.notifier.Publish(ctx, notifications.EventExportCompleted, notifications.Payload{
		"exportID":    export.ID,
		"filesAdded":  result.filesAdded,
		"filesFailed": result.failed,
		"sizeBytes":   result.bytes,
	}); err != nil {
		logger.Debug("export notification failed", logging.Error(err))
	}
	return nil
}

// fail records an export failure. Retryable errors on a non-final delivery
// return the export to pending for the broker's next attempt instead.
func (s *Service) fail(ctx context.Context, d queue.Delivery, export *jobstore.Export, cause error) error {
	logger := logging.WithContext(ctx, s.logger)
	message := strings.TrimSpace(cause.Error())

	if !d.Final && services.Retryable(cause) {
		if err := s.store.ReleaseExport(ctx, export.ID); err != nil {
			logger.Error("failed to release export for retry", logging.Error(err))
		}
		logging.WarnWithContext(logger, "export attempt failed; will retry", "export_retry",
			logging.Int("attempt", d.Attempt),
			logging.Error(cause),
			logging.String(logging.FieldImpact, "export stays pending until the next attempt"),
		)
		return cause
	}

	if err := s.store.FailExport(ctx, export.ID, message); err != nil {
		logger.Error("failed to persist export failure", logging.Error(err))
	}
	s.emit(export.ID, progress.Update{Status: progress.StatusFailed, Message: message})
	logging.ErrorWithContext(logger, "export failed", "export_failed",
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "check the per-asset export outcomes and retry the export"),
		logging.String(logging.FieldImpact, "no archive was produced"),
	)
	if err := s.notifier.Publish(ctx, notifications.EventExportFailed, notifications.Payload{
		"exportID": export.ID,
		"error":    message,
	}); err != nil {
		logger.Debug("export failure notification failed", logging.Error(err))
	}
	return cause
}

// Download resolves a completed export to a signed URL or a local file,
// rebuilding the archive when neither is available.
func (s *Service) Download(ctx context.Context, id string) (Download, error) {
	ctx = services.WithExportID(ctx, id)
	export, err := s.completedExport(ctx, id)
	if err != nil {
		return Download{}, err
	}
	if dl, ok := s.locate(ctx, export); ok {
		return dl, nil
	}

	logging.WarnWithContext(logging.WithContext(ctx, s.logger), "export archive missing; rebuilding", "export_rebuild",
		logging.String("storage_locator", export.OutputPath),
		logging.String(logging.FieldImpact, "download waits for the archive to be reassembled"),
	)
	export, err = s.Rebuild(ctx, id)
	if err != nil {
		return Download{}, err
	}
	dl, ok := s.locate(ctx, export)
	if !ok {
		return Download{}, services.NewProblem(services.KindInternal, "rebuilt archive for export %s is not reachable", id)
	}
	dl.Rebuilt = true
	return dl, nil
}

// Rebuild reassembles a completed export from the assets' embedded results
// using the options stored at creation, and records the new locator.
func (s *Service) Rebuild(ctx context.Context, id string) (*jobstore.Export, error) {
	ctx = services.WithExportID(ctx, id)
	export, err := s.completedExport(ctx, id)
	if err != nil {
		return nil, err
	}
	lease, err := s.gate.Acquire("rebuild:" + id)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if err := s.checkDisk(); err != nil {
		return nil, err
	}
	opts, err := decodeOptions(export.OptionsJSON)
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, s.logger), "stored export options unreadable", "export_options_invalid",
			logging.Error(err),
			logging.String(logging.FieldImpact, "archive rebuilt with default options"),
		)
		opts = Options{Naming: NamingOriginal}
	}
	result, err := s.assemble(ctx, export, opts, false)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateExportOutput(ctx, id, result.locator, result.filesAdded); err != nil {
		return nil, services.Wrap(services.ErrTransient, "export", "update output", id, err)
	}
	logging.WithContext(ctx, s.logger).Info("export rebuilt",
		logging.Int("files_added", result.filesAdded),
		logging.String("storage_locator", result.locator),
		logging.String(logging.FieldEventType, "export_rebuilt"),
	)
	return s.store.GetExport(ctx, id)
}

func (s *Service) completedExport(ctx context.Context, id string) (*jobstore.Export, error) {
	export, err := s.store.GetExport(ctx, id)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "export", "load export", id, err)
	}
	if export == nil {
		return nil, services.NewProblem(services.KindNotFound, "export %s not found", id)
	}
	if export.Status != jobstore.ExportCompleted {
		return nil, services.NewProblem(services.KindConflict, "export %s is %s", id, export.Status)
	}
	return export, nil
}

// locate finds a reachable copy of the archive.
func (s *Service) locate(ctx context.Context, export *jobstore.Export) (Download, bool) {
	logger := logging.WithContext(ctx, s.logger)
	filename := "export-" + export.ID + ".zip"
	if strings.TrimSpace(export.OutputPath) == "" {
		return Download{}, false
	}
	locator, err := storage.ParseLocator(export.OutputPath)
	if err != nil {
		logger.Warn("unreadable export locator", logging.Error(err))
		return Download{}, false
	}
	if locator.IsObject() {
		if !s.objects.Available(ctx) {
			return Download{}, false
		}
		url, err := s.objects.PresignGet(ctx, export.OutputPath, s.downloadExpiry())
		if err != nil {
			logging.WarnWithContext(logger, "could not sign export download", "export_presign_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "archive will be rebuilt locally"),
			)
			return Download{}, false
		}
		return Download{URL: url, Filename: filename}, true
	}
	if fileExists(locator.Value) {
		return Download{Path: locator.Value, Filename: filename}, true
	}
	return Download{}, false
}

func (s *Service) checkDisk() error {
	dir := s.cfg.Paths.ExportDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "export", "create export dir", dir, err)
	}
	if s.cfg.Export.MinFreeMiB <= 0 {
		return nil
	}
	if result := preflight.CheckFreeSpace("export disk", dir, s.cfg.Export.MinFreeMiB); !result.Passed {
		return services.Wrap(services.ErrTransient, "export", "disk headroom", result.Detail, nil)
	}
	return nil
}

func (s *Service) maxAssets() int {
	if s.cfg != nil && s.cfg.Export.MaxAssets > 0 {
		return s.cfg.Export.MaxAssets
	}
	return defaultMaxAssets
}

func (s *Service) downloadExpiry() time.Duration {
	if s.cfg.Export.DownloadURLExpiry > 0 {
		return time.Duration(s.cfg.Export.DownloadURLExpiry) * time.Second
	}
	return defaultDownloadExpiry
}

func (s *Service) archivePath(export *jobstore.Export) string {
	return filepath.Join(s.cfg.Paths.ExportDir, export.ProjectID, export.ID+".zip")
}

func (s *Service) emit(id string, update progress.Update) {
	if s.progress != nil {
		s.progress.Emit(id, update)
	}
}

func (r assembly) summary() string {
	msg := humanize.Comma(int64(r.filesAdded)) + " files, " + humanize.IBytes(uint64(max(r.bytes, 0)))
	if r.failed > 0 {
		msg += ", " + humanize.Comma(int64(r.failed)) + " skipped"
	}
	return msg
}
