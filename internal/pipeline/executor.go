package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"photopipe/internal/config"
	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/metadata"
	"photopipe/internal/notifications"
	"photopipe/internal/progress"
	"photopipe/internal/queue"
	"photopipe/internal/services"
	"photopipe/internal/services/imaging"
	"photopipe/internal/services/vision"
	"photopipe/internal/stage"
	"photopipe/internal/storage"
)

const auditStagePipeline = "pipeline"

// Audit event names.
const (
	auditStarted   = "started"
	auditCompleted = "completed"
	auditFailed    = "failed"
)

// Executor runs pipeline jobs.
type Executor struct {
	cfg      *config.Config
	store    Store
	vision   Vision
	writer   MetadataWriter
	objects  storage.ObjectStore
	prepare  ImagePreparer
	progress *progress.Broadcaster
	notifier notifications.Service
	logger   *slog.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithImagePreparer overrides how images are shrunk for the vision model.
func WithImagePreparer(fn ImagePreparer) Option {
	return func(e *Executor) {
		if fn != nil {
			e.prepare = fn
		}
	}
}

// WithBroadcaster publishes per-job progress snapshots.
func WithBroadcaster(b *progress.Broadcaster) Option {
	return func(e *Executor) { e.progress = b }
}

// WithNotifier sends a notification when a job fails for good.
func WithNotifier(n notifications.Service) Option {
	return func(e *Executor) {
		if n != nil {
			e.notifier = n
		}
	}
}

// New constructs an Executor. A nil vision client is allowed; jobs that need
// it fail with a configuration error. A nil object store disables uploads.
func New(cfg *config.Config, store Store, visionClient Vision, writer MetadataWriter, objects storage.ObjectStore, logger *slog.Logger, opts ...Option) *Executor {
	if objects == nil {
		objects = storage.Unavailable{}
	}
	e := &Executor{
		cfg:      cfg,
		store:    store,
		vision:   visionClient,
		writer:   writer,
		objects:  objects,
		prepare:  imaging.PrepareForVision,
		notifier: notifications.NewService(&config.Config{}),
		logger:   logging.NewComponentLogger(logger, "pipeline"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run carries the results produced so far by one job.
type run struct {
	job            *jobstore.Job
	asset          *jobstore.Asset
	classification *metadata.Classification
	visionResult   *jobstore.VisionResult
	analysis       *vision.Analysis
	metadataResult *jobstore.MetadataResult
	embedResult    *jobstore.EmbedResult
	linked         bool
}

// Run processes one delivery from the process queue.
func (e *Executor) Run(ctx context.Context, d queue.Delivery) error {
	ctx = services.WithJobID(ctx, d.ID)
	ctx = services.WithAssetID(ctx, d.AssetID)
	logger := logging.WithContext(ctx, e.logger)

	job, err := e.store.GetJob(ctx, d.ID)
	if err != nil {
		return services.Wrap(services.ErrTransient, auditStagePipeline, "load job", d.ID, err)
	}
	if job == nil {
		logger.Warn("job not found; dropping delivery",
			logging.String(logging.FieldEventType, "job_missing"),
		)
		return services.Wrap(services.ErrNotFound, auditStagePipeline, "load job", d.ID, nil)
	}
	if job.Status == jobstore.JobCompleted {
		logger.Info("job already completed; skipping redelivery",
			logging.String(logging.FieldEventType, "job_skipped"),
		)
		return nil
	}
	started, err := e.store.MarkJobStarted(ctx, job.ID, d.Retry())
	if err != nil {
		return services.Wrap(services.ErrTransient, auditStagePipeline, "start job", job.ID, err)
	}
	if !started {
		logger.Info("job not runnable; skipping",
			logging.String("status", string(job.Status)),
			logging.String(logging.FieldEventType, "job_skipped"),
		)
		return nil
	}
	job.Status = jobstore.JobRunning

	r := &run{job: job}
	ctx = services.WithAssetID(ctx, job.AssetID)
	asset, err := e.store.GetAsset(ctx, job.AssetID)
	if err != nil {
		return e.fail(ctx, d, r, "", services.Wrap(services.ErrTransient, auditStagePipeline, "load asset", job.AssetID, err))
	}
	if asset == nil {
		return e.fail(ctx, d, r, "", services.Wrap(services.ErrNotFound, auditStagePipeline, "load asset", job.AssetID, nil))
	}
	r.asset = asset

	stages := stage.ForJobType(job.Type)
	if len(stages) == 0 {
		return e.fail(ctx, d, r, "", services.Wrap(services.ErrValidation, auditStagePipeline, "plan", "unknown job type "+string(job.Type), nil))
	}

	logger.Info("job started",
		logging.String("job_type", string(job.Type)),
		logging.Int("attempt", d.Attempt),
		logging.Int("stage_count", len(stages)),
		logging.String(logging.FieldEventType, "job_start"),
	)
	e.emit(job.ID, progress.Update{Status: progress.StatusProcessing, Stage: progress.StagePreparing, TotalFiles: 1, CurrentFileName: asset.Filename})

	for _, name := range stages {
		if err := e.runStage(ctx, r, name); err != nil {
			return e.fail(ctx, d, r, name, err)
		}
	}
	return e.complete(ctx, d, r)
}

func (e *Executor) runStage(ctx context.Context, r *run, name stage.Name) error {
	ctx = services.WithStage(ctx, string(name))
	logger := logging.WithContext(ctx, e.logger)
	start := time.Now()

	if err := e.store.SetAssetStatus(ctx, r.asset.ID, name.AssetStatus(), ""); err != nil {
		return services.Wrap(services.ErrTransient, string(name), "set asset status", "", err)
	}
	if err := e.audit(ctx, r, string(name), auditStarted, nil); err != nil {
		return err
	}
	e.emit(r.job.ID, progress.Update{Stage: progressStage(name), Message: string(name)})
	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("asset_status", string(name.AssetStatus())),
	)

	detail, err := e.execute(ctx, r, name)
	if err != nil {
		return err
	}

	if err := e.audit(ctx, r, string(name), auditCompleted, detail); err != nil {
		return err
	}
	if err := e.store.UpdateJobProgress(ctx, r.job.ID, name.Progress()); err != nil {
		return services.Wrap(services.ErrTransient, string(name), "update progress", "", err)
	}
	e.emit(r.job.ID, progress.Update{Percent: name.Progress()})
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Int("progress", name.Progress()),
		logging.Duration("stage_duration", time.Since(start)),
	)
	return nil
}

func (e *Executor) execute(ctx context.Context, r *run, name stage.Name) (map[string]any, error) {
	switch name {
	case stage.IngestClassify:
		return e.ingestClassify(ctx, r)
	case stage.VisionAnalyze:
		return e.visionAnalyze(ctx, r)
	case stage.SynthesizeMetadata:
		return e.synthesizeMetadata(ctx, r)
	case stage.AuthorshipFilter:
		return e.authorshipFilter(ctx, r)
	case stage.EmbedMetadata:
		return e.embedMetadata(ctx, r)
	case stage.UploadPersist:
		return e.uploadPersist(ctx, r)
	}
	return nil, services.Wrap(services.ErrValidation, string(name), "execute", "unknown stage", nil)
}

func (e *Executor) complete(ctx context.Context, d queue.Delivery, r *run) error {
	logger := logging.WithContext(ctx, e.logger)
	if !r.linked {
		if err := e.store.LinkJobResults(ctx, r.links()); err != nil {
			return e.fail(ctx, d, r, "", services.Wrap(services.ErrTransient, auditStagePipeline, "link results", "", err))
		}
	}
	if err := e.store.MarkJobCompleted(ctx, r.job.ID); err != nil {
		return e.fail(ctx, d, r, "", services.Wrap(services.ErrTransient, auditStagePipeline, "complete job", "", err))
	}
	if err := e.store.SetAssetStatus(ctx, r.asset.ID, jobstore.AssetCompleted, ""); err != nil {
		logger.Warn("failed to mark asset completed", logging.Error(err))
	}
	if err := e.audit(ctx, r, auditStagePipeline, auditCompleted, map[string]any{"job_type": r.job.Type}); err != nil {
		logger.Warn("failed to append completion audit", logging.Error(err))
	}
	e.emit(r.job.ID, progress.Update{Status: progress.StatusCompleted, Stage: progress.StageDone, Percent: 100, CurrentFile: 1})
	logger.Info("job completed",
		logging.String(logging.FieldEventType, "job_complete"),
		logging.String("job_type", string(r.job.Type)),
	)
	return nil
}

// fail records the failure on the job and asset and returns err unchanged so
// the queue can decide whether to retry.
func (e *Executor) fail(ctx context.Context, d queue.Delivery, r *run, name stage.Name, stageErr error) error {
	logger := logging.WithContext(ctx, e.logger)
	message := failureMessage(stageErr)
	auditStage := auditStagePipeline
	if name != "" {
		auditStage = string(name)
	}

	if err := e.store.MarkJobFailed(ctx, r.job.ID, message); err != nil {
		logger.Error("failed to persist job failure", logging.Error(err))
	}
	if r.asset != nil {
		if err := e.store.SetAssetStatus(ctx, r.asset.ID, jobstore.AssetFailed, message); err != nil {
			logger.Error("failed to persist asset failure", logging.Error(err))
		}
		if err := e.audit(ctx, r, auditStage, auditFailed, map[string]any{"error": message}); err != nil {
			logger.Error("failed to append failure audit", logging.Error(err))
		}
	}
	e.emit(r.job.ID, progress.Update{Status: progress.StatusFailed, Message: message})

	retrying := !d.Final && services.Retryable(stageErr)
	logger.Error("job failed",
		logging.String(logging.FieldStage, auditStage),
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.String("error_message", message),
		logging.Bool("retry_pending", retrying),
		logging.Error(stageErr),
		logging.String(logging.FieldErrorHint, failureHint(stageErr)),
	)

	if !retrying {
		payload := notifications.Payload{"stage": auditStage, "error": message}
		if r.asset != nil {
			payload["assetID"] = r.asset.ID
			payload["filename"] = r.asset.Filename
		}
		if err := e.notifier.Publish(ctx, notifications.EventPipelineFailed, payload); err != nil {
			logger.Debug("pipeline failure notification failed", logging.Error(err))
		}
	}
	return stageErr
}

func (e *Executor) audit(ctx context.Context, r *run, stageName, event string, detail map[string]any) error {
	var encoded string
	if len(detail) > 0 {
		raw, err := json.Marshal(detail)
		if err != nil {
			return services.Wrap(services.ErrValidation, stageName, "encode audit detail", "", err)
		}
		encoded = string(raw)
	}
	if err := e.store.AppendAudit(ctx, jobstore.AuditEvent{
		AssetID: r.asset.ID,
		JobID:   r.job.ID,
		Stage:   stageName,
		Event:   event,
		Detail:  encoded,
	}); err != nil {
		return services.Wrap(services.ErrTransient, stageName, "append audit", event, err)
	}
	return nil
}

func (e *Executor) emit(id string, update progress.Update) {
	if e.progress != nil {
		e.progress.Emit(id, update)
	}
}

func (r *run) links() jobstore.JobResults {
	links := jobstore.JobResults{JobID: r.job.ID}
	if r.visionResult != nil {
		links.VisionResultID = r.visionResult.ID
	}
	if r.metadataResult != nil {
		links.MetadataResultID = r.metadataResult.ID
	}
	if r.embedResult != nil {
		links.EmbedResultID = r.embedResult.ID
	}
	return links
}

func progressStage(name stage.Name) progress.Stage {
	switch name {
	case stage.IngestClassify, stage.VisionAnalyze:
		return progress.StagePreparing
	case stage.SynthesizeMetadata, stage.AuthorshipFilter:
		return progress.StageConverting
	case stage.EmbedMetadata:
		return progress.StageEmbedding
	default:
		return progress.StagePackaging
	}
}

func failureMessage(err error) string {
	if err == nil {
		return "stage failed"
	}
	if message := strings.TrimSpace(err.Error()); message != "" {
		return message
	}
	return "stage failed"
}

func failureHint(err error) string {
	switch {
	case errors.Is(err, services.ErrConfiguration):
		return "check vision, exiftool and storage settings"
	case errors.Is(err, services.ErrNotFound):
		return "the original upload or an earlier stage result is missing; re-upload or run the full pipeline"
	case errors.Is(err, services.ErrValidation):
		return "fix the asset, project or profile data and resubmit"
	case errors.Is(err, services.ErrTimeout), errors.Is(err, services.ErrTransient):
		return "transient failure; resubmit the job"
	default:
		return "inspect the job error and audit trail"
	}
}
