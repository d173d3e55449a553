package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/queue"
	"photopipe/internal/services"
)

// JobStore captures the job persistence JobService needs.
type JobStore interface {
	GetAsset(ctx context.Context, id string) (*jobstore.Asset, error)
	GetJob(ctx context.Context, id string) (*jobstore.Job, error)
	CreateJob(ctx context.Context, spec jobstore.NewJob) (*jobstore.Job, error)
}

// Enqueuer hands tasks to a queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// JobService records jobs and queues them for the pipeline.
type JobService struct {
	store  JobStore
	queue  Enqueuer
	logger *slog.Logger
}

// NewJobService constructs a JobService.
func NewJobService(store JobStore, q Enqueuer, logger *slog.Logger) *JobService {
	return &JobService{store: store, queue: q, logger: logging.NewComponentLogger(logger, "jobs")}
}

// Submit creates a pending job for an asset and queues it. A queue failure
// is logged rather than returned: the job is durable and startup recovery
// re-queues it.
func (s *JobService) Submit(ctx context.Context, req JobRequest) (*jobstore.Job, error) {
	jobType, ok := jobstore.ParseJobType(strings.TrimSpace(req.Type))
	if !ok {
		return nil, services.NewProblem(services.KindValidation, "unknown job type %q", req.Type)
	}
	assetID := strings.TrimSpace(req.AssetID)
	asset, err := s.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "jobs", "load asset", assetID, err)
	}
	if asset == nil {
		return nil, services.NewProblem(services.KindNotFound, "asset %s not found", assetID)
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = asset.UserID
	}
	return s.queueJob(ctx, asset, jobType, userID)
}

// Retry submits a fresh job with the asset and type of a failed job.
func (s *JobService) Retry(ctx context.Context, jobID string) (*jobstore.Job, error) {
	prior, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "jobs", "load job", jobID, err)
	}
	if prior == nil {
		return nil, services.NewProblem(services.KindNotFound, "job %s not found", jobID)
	}
	if prior.Status != jobstore.JobFailed {
		return nil, services.NewProblem(services.KindConflict, "job %s is %s; only failed jobs can be retried", jobID, prior.Status)
	}
	asset, err := s.store.GetAsset(ctx, prior.AssetID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "jobs", "load asset", prior.AssetID, err)
	}
	if asset == nil {
		return nil, services.NewProblem(services.KindNotFound, "asset %s not found", prior.AssetID)
	}
	job, err := s.queueJob(ctx, asset, prior.Type, prior.UserID)
	if err != nil {
		return nil, err
	}
	logging.WithContext(services.WithJobID(ctx, job.ID), s.logger).Info("job retried",
		logging.String("retry_of", prior.ID),
		logging.String(logging.FieldEventType, "job_retried"),
	)
	return job, nil
}

func (s *JobService) queueJob(ctx context.Context, asset *jobstore.Asset, jobType jobstore.JobType, userID string) (*jobstore.Job, error) {
	job, err := s.store.CreateJob(ctx, jobstore.NewJob{
		AssetID:   asset.ID,
		ProjectID: asset.ProjectID,
		UserID:    userID,
		Type:      jobType,
	})
	if errors.Is(err, jobstore.ErrActiveJob) {
		return nil, &services.Problem{Kind: services.KindConflict, Message: "asset already has a pending or running job", Err: err}
	}
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "jobs", "create job", asset.ID, err)
	}

	ctx = services.WithAssetID(services.WithJobID(ctx, job.ID), asset.ID)
	logger := logging.WithContext(ctx, s.logger)
	task := queue.Task{
		Queue:     queue.Process,
		ID:        job.ID,
		AssetID:   asset.ID,
		ProjectID: asset.ProjectID,
		UserID:    userID,
		Type:      string(jobType),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		logging.WarnWithContext(logger, "job recorded but not queued", "job_enqueue_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the queue broker; the job is picked up on restart"),
			logging.String(logging.FieldImpact, "job waits until the next startup recovery"),
		)
		return job, nil
	}
	logger.Info("job submitted",
		logging.String("type", string(jobType)),
		logging.String(logging.FieldEventType, "job_submitted"),
	)
	return job, nil
}
