package queue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photopipe/internal/config"
	"photopipe/internal/logging"
	"photopipe/internal/services"
	"photopipe/internal/testsupport"
)

// newTestBroker runs the broker against an in-process Redis.
func newTestBroker(t *testing.T, tune func(*config.Config)) (*Broker, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	url := "redis://" + server.Addr()
	cfg := testsupport.NewConfig(t, testsupport.WithRedisURL(url))
	cfg.Queue.KeyPrefix = "photopipe-test"
	if tune != nil {
		tune(cfg)
	}
	broker, err := NewBroker(context.Background(), cfg, logging.NewNop())
	require.NoError(t, err)

	inspect := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = inspect.Close() })
	return broker, inspect
}

func TestBrokerDeduplicatesEnqueue(t *testing.T) {
	broker, _ := newTestBroker(t, nil)
	ctx := context.Background()
	defer broker.Shutdown(ctx)

	task := Task{Queue: Process, ID: "job-1", AssetID: "a1"}
	require.NoError(t, broker.Enqueue(ctx, task))
	require.NoError(t, broker.Enqueue(ctx, task))

	stats, err := broker.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeBroker, stats.Mode)
	assert.Equal(t, int64(1), stats.Queues[Process].Waiting)
	assert.Equal(t, int64(0), stats.Queues[Export].Waiting)
}

func TestBrokerRetriesRetryableFailures(t *testing.T) {
	broker, _ := newTestBroker(t, func(cfg *config.Config) {
		cfg.Queue.ProcessBackoff = 0
		cfg.Queue.ProcessAttempts = 3
	})
	ctx := context.Background()

	var attempts atomic.Int32
	var finalSeen atomic.Bool
	require.NoError(t, broker.Start(ctx, Handlers{
		Process: func(ctx context.Context, d Delivery) error {
			attempts.Add(1)
			if d.Final {
				finalSeen.Store(true)
				return nil
			}
			return services.Wrap(services.ErrTransient, "test", "run", "flaky", nil)
		},
		Export: noopExport,
	}))
	require.NoError(t, broker.Enqueue(ctx, Task{Queue: Process, ID: "job-retry"}))

	require.Eventually(t, finalSeen.Load, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		stats, err := broker.Stats(ctx)
		return err == nil && stats.Queues[Process].Completed == 1
	}, 2*time.Second, 20*time.Millisecond)
	require.NoError(t, broker.Shutdown(ctx))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestBrokerDoesNotRetryPermanentFailures(t *testing.T) {
	broker, _ := newTestBroker(t, func(cfg *config.Config) {
		cfg.Queue.ExportBackoff = 0
	})
	ctx := context.Background()

	var attempts atomic.Int32
	require.NoError(t, broker.Start(ctx, Handlers{
		Process: func(context.Context, Delivery) error { return nil },
		Export: func(ctx context.Context, d Delivery) error {
			attempts.Add(1)
			return services.Wrap(services.ErrValidation, "test", "run", "bad input", nil)
		},
	}))
	require.NoError(t, broker.Enqueue(ctx, Task{Queue: Export, ID: "export-1"}))

	require.Eventually(t, func() bool {
		stats, err := broker.Stats(ctx)
		return err == nil && stats.Queues[Export].Failed == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, broker.Shutdown(ctx))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestBrokerRecoversActiveTasksOnStart(t *testing.T) {
	broker, inspect := newTestBroker(t, nil)
	ctx := context.Background()

	payload, err := json.Marshal(envelope{Task: Task{Queue: Process, ID: "orphan"}, Attempt: 1})
	require.NoError(t, err)
	require.NoError(t, inspect.LPush(ctx, broker.key(Process, keyActive), string(payload)).Err())

	seen := make(chan string, 1)
	require.NoError(t, broker.Start(ctx, Handlers{
		Process: func(ctx context.Context, d Delivery) error {
			seen <- d.ID
			return nil
		},
		Export: noopExport,
	}))
	select {
	case id := <-seen:
		assert.Equal(t, "orphan", id)
	case <-time.After(3 * time.Second):
		t.Fatal("orphaned active task was not recovered")
	}
	require.NoError(t, broker.Shutdown(ctx))
}

func TestBrokerSchedulesBackoffRetry(t *testing.T) {
	broker, inspect := newTestBroker(t, func(cfg *config.Config) {
		cfg.Queue.ProcessBackoff = 30
		cfg.Queue.ProcessAttempts = 3
	})
	ctx := context.Background()

	var attempts atomic.Int32
	require.NoError(t, broker.Start(ctx, Handlers{
		Process: func(ctx context.Context, d Delivery) error {
			attempts.Add(1)
			return services.Wrap(services.ErrTransient, "test", "run", "flaky", nil)
		},
		Export: noopExport,
	}))
	before := time.Now()
	require.NoError(t, broker.Enqueue(ctx, Task{Queue: Process, ID: "job-backoff"}))

	require.Eventually(t, func() bool {
		stats, err := broker.Stats(ctx)
		return err == nil && stats.Queues[Process].Delayed == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, broker.Shutdown(ctx))

	assert.Equal(t, int32(1), attempts.Load())
	delayed, err := inspect.ZRangeWithScores(ctx, broker.key(Process, keyDelayed), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, delayed, 1)
	dueAt := time.UnixMilli(int64(delayed[0].Score))
	assert.True(t, dueAt.After(before.Add(25*time.Second)), "retry due at %s", dueAt)

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(delayed[0].Member.(string)), &env))
	assert.Equal(t, 2, env.Attempt)
}

func TestBrokerPrunesFinishedRecordsPastRetention(t *testing.T) {
	broker, inspect := newTestBroker(t, nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	broker.now = func() time.Time { return now }

	seed := func(suffix, id string, age time.Duration) {
		t.Helper()
		require.NoError(t, inspect.ZAdd(ctx, broker.key(Process, suffix), redis.Z{
			Score:  float64(now.Add(-age).Unix()),
			Member: id,
		}).Err())
		require.NoError(t, inspect.HSet(ctx, broker.key(Process, keyJobs), id, "{}").Err())
	}
	seed(keyCompleted, "done-old", 2*time.Hour)
	seed(keyCompleted, "done-new", 10*time.Minute)
	seed(keyFailed, "failed-old", 25*time.Hour)
	seed(keyFailed, "failed-new", 2*time.Hour)

	broker.prune(ctx)

	completed, err := inspect.ZRange(ctx, broker.key(Process, keyCompleted), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"done-new"}, completed)
	failed, err := inspect.ZRange(ctx, broker.key(Process, keyFailed), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"failed-new"}, failed)

	for id, kept := range map[string]bool{"done-old": false, "done-new": true, "failed-old": false, "failed-new": true} {
		exists, err := inspect.HExists(ctx, broker.key(Process, keyJobs), id).Result()
		require.NoError(t, err)
		assert.Equal(t, kept, exists, id)
	}

	// A pruned id can be submitted again.
	require.NoError(t, broker.Enqueue(ctx, Task{Queue: Process, ID: "done-old"}))
	waiting, err := inspect.LLen(ctx, broker.key(Process, keyWaiting)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), waiting)
	require.NoError(t, broker.Shutdown(ctx))
}

func TestBrokerShutdownWaitsForInflight(t *testing.T) {
	broker, _ := newTestBroker(t, nil)
	ctx := context.Background()

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, broker.Start(ctx, Handlers{
		Process: func(ctx context.Context, d Delivery) error {
			close(started)
			time.Sleep(200 * time.Millisecond)
			finished.Store(true)
			return nil
		},
		Export: noopExport,
	}))
	require.NoError(t, broker.Enqueue(ctx, Task{Queue: Process, ID: "job-slow"}))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task was not delivered")
	}
	require.NoError(t, broker.Shutdown(ctx))
	assert.True(t, finished.Load())
}

func TestBrokerShutdownTimesOut(t *testing.T) {
	broker, _ := newTestBroker(t, func(cfg *config.Config) {
		cfg.Queue.ShutdownTimeout = 0
	})
	ctx := context.Background()

	started := make(chan struct{})
	require.NoError(t, broker.Start(ctx, Handlers{
		Process: func(ctx context.Context, d Delivery) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		Export: noopExport,
	}))
	require.NoError(t, broker.Enqueue(ctx, Task{Queue: Process, ID: "job-stuck"}))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task was not delivered")
	}
	err := broker.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestSelectUsesReachableBroker(t *testing.T) {
	server := miniredis.RunT(t)
	cfg := testsupport.NewConfig(t, testsupport.WithRedisURL("redis://"+server.Addr()+"/0"))
	store := testsupport.MustOpenStore(t, cfg)

	q := Select(context.Background(), cfg, store, logging.NewNop())
	assert.Equal(t, ModeBroker, q.Mode())
	require.NoError(t, q.Shutdown(context.Background()))
}
