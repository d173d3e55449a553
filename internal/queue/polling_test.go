package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photopipe/internal/config"
	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/testsupport"
)

type recorder struct {
	mu    sync.Mutex
	seen  map[string]int
	order []string
}

func newRecorder() *recorder { return &recorder{seen: map[string]int{}} }

func (r *recorder) record(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[id]++
	r.order = append(r.order, id)
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[id]
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func createJobs(t *testing.T, cfg *config.Config, store *jobstore.Store, n int) []*jobstore.Job {
	t.Helper()
	ctx := context.Background()
	project := testsupport.NewProject(t, store, "user-1")
	jobs := make([]*jobstore.Job, 0, n)
	for i := range n {
		asset := testsupport.NewAsset(t, cfg, store, project, "img"+string(rune('a'+i))+".jpg", 0)
		job, err := store.CreateJob(ctx, jobstore.NewJob{
			AssetID:   asset.ID,
			ProjectID: project.ID,
			UserID:    project.UserID,
			Type:      jobstore.JobTypeFull,
		})
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	return jobs
}

func noopExport(context.Context, Delivery) error { return nil }

func TestPollerDispatchesEachPendingJobOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Queue.PollingConcurrency = 1
	store := testsupport.MustOpenStore(t, cfg)
	jobs := createJobs(t, cfg, store, 5)

	rec := newRecorder()
	poller := NewPoller(cfg, store, logging.NewNop())
	require.NoError(t, poller.Start(context.Background(), Handlers{
		Process: func(ctx context.Context, d Delivery) error {
			assert.True(t, d.Final)
			assert.Equal(t, 1, d.Attempt)
			rec.record(d.ID)
			return store.MarkJobCompleted(ctx, d.ID)
		},
		Export: noopExport,
	}))

	require.Eventually(t, func() bool { return rec.total() == len(jobs) }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, poller.Shutdown(context.Background()))

	for _, job := range jobs {
		assert.Equal(t, 1, rec.count(job.ID), "job %s", job.ID)
	}
	// Oldest first.
	for i, job := range jobs {
		assert.Equal(t, job.ID, rec.order[i])
	}
}

func TestPollerRespectsConcurrencyCeiling(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Queue.PollingConcurrency = 2
	store := testsupport.MustOpenStore(t, cfg)
	createJobs(t, cfg, store, 6)

	var running, peak, done atomic.Int32
	release := make(chan struct{})
	poller := NewPoller(cfg, store, logging.NewNop())
	require.NoError(t, poller.Start(context.Background(), Handlers{
		Process: func(ctx context.Context, d Delivery) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			done.Add(1)
			return nil
		},
		Export: noopExport,
	}))

	require.Eventually(t, func() bool { return running.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	stats, err := poller.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModePolling, stats.Mode)
	assert.Equal(t, int64(2), stats.Queues[Process].Active)
	assert.Equal(t, int64(4), stats.Queues[Process].Waiting)

	close(release)
	require.Eventually(t, func() bool { return done.Load() == 6 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, poller.Shutdown(context.Background()))
	assert.Equal(t, int32(2), peak.Load())
}

func TestPollerReclaimsCapacityAfterFailureAndPanic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Queue.PollingConcurrency = 1
	store := testsupport.MustOpenStore(t, cfg)
	jobs := createJobs(t, cfg, store, 3)

	rec := newRecorder()
	poller := NewPoller(cfg, store, logging.NewNop())
	require.NoError(t, poller.Start(context.Background(), Handlers{
		Process: func(ctx context.Context, d Delivery) error {
			rec.record(d.ID)
			switch d.ID {
			case jobs[0].ID:
				return assert.AnError
			case jobs[1].ID:
				panic("boom")
			}
			return nil
		},
		Export: noopExport,
	}))

	require.Eventually(t, func() bool { return rec.total() == 3 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, poller.Shutdown(context.Background()))
	assert.Equal(t, int64(0), poller.activeTotal())
	// No automatic retry.
	assert.Equal(t, 1, rec.count(jobs[0].ID))
}

func TestPollerClaimsPendingExports(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	project := testsupport.NewProject(t, store, "user-1")
	asset := testsupport.NewAsset(t, cfg, store, project, "a.jpg", 0)
	export, err := store.CreateExport(ctx, jobstore.NewExport{
		ProjectID: project.ID,
		UserID:    project.UserID,
		AssetIDs:  []string{asset.ID},
	})
	require.NoError(t, err)

	rec := newRecorder()
	poller := NewPoller(cfg, store, logging.NewNop())
	require.NoError(t, poller.Start(ctx, Handlers{
		Process: func(context.Context, Delivery) error { return nil },
		Export: func(ctx context.Context, d Delivery) error {
			rec.record(d.ID)
			got, err := store.GetExport(ctx, d.ID)
			if assert.NoError(t, err) {
				assert.Equal(t, jobstore.ExportProcessing, got.Status)
			}
			return store.CompleteExport(ctx, d.ID, "local:///tmp/out.zip", 1)
		},
	}))
	require.NoError(t, poller.Enqueue(ctx, Task{Queue: Export, ID: export.ID}))

	require.Eventually(t, func() bool { return rec.count(export.ID) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, poller.Shutdown(ctx))
	assert.Equal(t, 1, rec.count(export.ID))
}

func TestPollerShutdownWaitsForInflight(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	createJobs(t, cfg, store, 1)

	started := make(chan struct{})
	var finished atomic.Bool
	poller := NewPoller(cfg, store, logging.NewNop())
	require.NoError(t, poller.Start(context.Background(), Handlers{
		Process: func(ctx context.Context, d Delivery) error {
			close(started)
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
			return nil
		},
		Export: noopExport,
	}))
	<-started
	require.NoError(t, poller.Shutdown(context.Background()))
	assert.True(t, finished.Load())
}

func TestPollerShutdownTimesOut(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Queue.ShutdownTimeout = 0
	store := testsupport.MustOpenStore(t, cfg)
	createJobs(t, cfg, store, 1)

	started := make(chan struct{})
	poller := NewPoller(cfg, store, logging.NewNop())
	require.NoError(t, poller.Start(context.Background(), Handlers{
		Process: func(ctx context.Context, d Delivery) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		Export: noopExport,
	}))
	<-started
	err := poller.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
