package api

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/queue"
	"photopipe/internal/services"
	"photopipe/internal/testsupport"
)

type recordingQueue struct {
	tasks []queue.Task
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, task queue.Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func problemKind(t *testing.T, err error) services.ProblemKind {
	t.Helper()
	var problem *services.Problem
	require.True(t, errors.As(err, &problem), "expected problem, got %v", err)
	return problem.Kind
}

func TestSubmitQueuesJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	project := testsupport.NewProject(t, store, "user-1")
	asset := testsupport.NewAsset(t, cfg, store, project, "a.jpg", 10)
	q := &recordingQueue{}
	svc := NewJobService(store, q, logging.NewNop())

	job, err := svc.Submit(context.Background(), JobRequest{AssetID: asset.ID, Type: "full_pipeline"})
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobPending, job.Status)
	assert.Equal(t, "user-1", job.UserID)

	require.Len(t, q.tasks, 1)
	assert.Equal(t, queue.Task{
		Queue:     queue.Process,
		ID:        job.ID,
		AssetID:   asset.ID,
		ProjectID: project.ID,
		UserID:    "user-1",
		Type:      "full_pipeline",
	}, q.tasks[0])
}

func TestSubmitRejectsSecondActiveJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	project := testsupport.NewProject(t, store, "user-1")
	asset := testsupport.NewAsset(t, cfg, store, project, "a.jpg", 10)
	svc := NewJobService(store, &recordingQueue{}, logging.NewNop())
	ctx := context.Background()

	_, err := svc.Submit(ctx, JobRequest{AssetID: asset.ID, Type: "vision_only"})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, JobRequest{AssetID: asset.ID, Type: "full_pipeline"})
	assert.Equal(t, services.KindConflict, problemKind(t, err))
}

func TestSubmitValidates(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	svc := NewJobService(store, &recordingQueue{}, logging.NewNop())
	ctx := context.Background()

	_, err := svc.Submit(ctx, JobRequest{AssetID: "x", Type: "everything"})
	assert.Equal(t, services.KindValidation, problemKind(t, err))

	_, err = svc.Submit(ctx, JobRequest{AssetID: "missing", Type: "full_pipeline"})
	assert.Equal(t, services.KindNotFound, problemKind(t, err))
}

func TestSubmitKeepsJobWhenQueueFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	project := testsupport.NewProject(t, store, "user-1")
	asset := testsupport.NewAsset(t, cfg, store, project, "a.jpg", 10)
	svc := NewJobService(store, &recordingQueue{err: errors.New("redis down")}, logging.NewNop())

	job, err := svc.Submit(context.Background(), JobRequest{AssetID: asset.ID, Type: "full_pipeline"})
	require.NoError(t, err)
	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobPending, stored.Status)
}

func TestRetryOnlyFailedJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	project := testsupport.NewProject(t, store, "user-1")
	asset := testsupport.NewAsset(t, cfg, store, project, "a.jpg", 10)
	q := &recordingQueue{}
	svc := NewJobService(store, q, logging.NewNop())
	ctx := context.Background()

	job, err := svc.Submit(ctx, JobRequest{AssetID: asset.ID, Type: "embed_only"})
	require.NoError(t, err)

	_, err = svc.Retry(ctx, job.ID)
	assert.Equal(t, services.KindConflict, problemKind(t, err))

	_, err = store.MarkJobStarted(ctx, job.ID, false)
	require.NoError(t, err)
	require.NoError(t, store.MarkJobFailed(ctx, job.ID, "vision timeout"))

	retried, err := svc.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, retried.ID)
	assert.Equal(t, jobstore.JobTypeEmbedOnly, retried.Type)
	assert.Len(t, q.tasks, 2)

	_, err = svc.Retry(ctx, "missing")
	assert.Equal(t, services.KindNotFound, problemKind(t, err))
}
