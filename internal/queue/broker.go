package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"photopipe/internal/config"
	"photopipe/internal/logging"
	"photopipe/internal/services"
)

const (
	maintenanceInterval = 250 * time.Millisecond
	pruneEvery          = 240 // maintenance ticks, roughly one minute
	settleTimeout       = 5 * time.Second
	moveTimeout         = time.Second
	promoteBatch        = 100
	pruneBatch          = 500
)

// Per-queue key suffixes.
const (
	keyWaiting   = "waiting"
	keyActive    = "active"
	keyDelayed   = "delayed"
	keyCompleted = "completed"
	keyFailed    = "failed"
	keyJobs      = "jobs"
)

// envelope is the payload stored in Redis lists and sets.
type envelope struct {
	Task       Task      `json:"task"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// enqueueScript records the task in the dedupe hash and pushes it only when
// the id was not already known.
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('LPUSH', KEYS[2], ARGV[2])
return 1
`)

// promoteScript moves delayed retries whose time has come onto the waiting list.
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, item in ipairs(items) do
  redis.call('ZREM', KEYS[1], item)
  redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

// pruneScript drops finished records older than the cutoff along with their dedupe entries.
var pruneScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[2], id)
end
return #ids
`)

// Broker is the Redis-backed strategy. Each queue has a waiting list, an
// active list, a delayed set for retries and completed/failed sets that are
// pruned after their retention window.
type Broker struct {
	client             *redis.Client
	prefix             string
	policies           map[Name]Policy
	limiters           map[Name]*rate.Limiter
	completedRetention time.Duration
	failedRetention    time.Duration
	shutdownTimeout    time.Duration
	logger             *slog.Logger
	now                func() time.Time

	mu       sync.Mutex
	active   map[Name]int
	handlers Handlers
	running  bool
	cancel   context.CancelFunc
	stopWork context.CancelFunc
	workers  sync.WaitGroup
	inflight sync.WaitGroup
}

var _ Queue = (*Broker)(nil)

// NewBroker connects to the configured Redis and verifies it answers.
func NewBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	opts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "queue", "parse redis url", "", err)
	}
	timeout := time.Duration(cfg.Queue.ConnectTimeout) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	opts.DialTimeout = timeout
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, services.Wrap(services.ErrTransient, "queue", "ping redis", opts.Addr, err)
	}
	return NewBrokerWithClient(client, cfg, logger), nil
}

// NewBrokerWithClient wraps an existing client.
func NewBrokerWithClient(client *redis.Client, cfg *config.Config, logger *slog.Logger) *Broker {
	policies := Policies(cfg)
	limiters := make(map[Name]*rate.Limiter, len(policies))
	for name, policy := range policies {
		limit := rate.Inf
		if policy.RatePerMinute > 0 {
			limit = rate.Limit(float64(policy.RatePerMinute) / 60)
		}
		limiters[name] = rate.NewLimiter(limit, policy.Concurrency)
	}
	return &Broker{
		client:             client,
		prefix:             cfg.Queue.KeyPrefix,
		policies:           policies,
		limiters:           limiters,
		completedRetention: time.Duration(cfg.Queue.CompletedRetention) * time.Second,
		failedRetention:    time.Duration(cfg.Queue.FailedRetention) * time.Second,
		shutdownTimeout:    cfg.ShutdownTimeout(),
		logger:             logging.NewComponentLogger(logger, "queue"),
		now:                time.Now,
		active:             make(map[Name]int, len(Names)),
	}
}

// Mode reports ModeBroker.
func (b *Broker) Mode() Mode { return ModeBroker }

func (b *Broker) key(name Name, suffix string) string {
	return b.prefix + ":" + string(name) + ":" + suffix
}

// Enqueue adds the task unless its id was already submitted.
func (b *Broker) Enqueue(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Task: task, Attempt: 1, EnqueuedAt: b.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	added, err := enqueueScript.Run(ctx, b.client,
		[]string{b.key(task.Queue, keyJobs), b.key(task.Queue, keyWaiting)},
		task.ID, string(payload),
	).Int()
	if err != nil {
		return services.Wrap(services.ErrTransient, "queue", "enqueue", task.ID, err)
	}
	if added == 0 {
		b.logger.Debug("duplicate enqueue ignored",
			logging.String(logging.FieldQueue, string(task.Queue)),
			logging.String("task_id", task.ID),
		)
	}
	return nil
}

// Start recovers tasks left active by a previous process and launches the
// worker pools and the maintenance loop.
func (b *Broker) Start(ctx context.Context, handlers Handlers) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.New("broker already running")
	}
	if handlers.Process == nil || handlers.Export == nil {
		return errors.New("broker requires process and export handlers")
	}
	for _, name := range Names {
		recovered, err := b.recoverActive(ctx, name)
		if err != nil {
			return err
		}
		if recovered > 0 {
			b.logger.Info("requeued tasks left active by previous run",
				logging.String(logging.FieldQueue, string(name)),
				logging.Int("count", recovered),
				logging.String(logging.FieldEventType, "queue_active_recovered"),
			)
		}
	}

	intakeCtx, cancel := context.WithCancel(ctx)
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	b.handlers = handlers
	b.cancel = cancel
	b.stopWork = stopWork
	b.running = true

	b.workers.Add(1)
	go b.maintain(intakeCtx)
	for _, name := range Names {
		for range b.policies[name].Concurrency {
			b.workers.Add(1)
			go b.work(intakeCtx, workCtx, name)
		}
	}
	return nil
}

func (b *Broker) recoverActive(ctx context.Context, name Name) (int, error) {
	count := 0
	for {
		err := b.client.LMove(ctx, b.key(name, keyActive), b.key(name, keyWaiting), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return count, nil
		}
		if err != nil {
			return count, services.Wrap(services.ErrTransient, "queue", "recover active", string(name), err)
		}
		count++
	}
}

func (b *Broker) work(ctx, workCtx context.Context, name Name) {
	defer b.workers.Done()
	waiting, active := b.key(name, keyWaiting), b.key(name, keyActive)
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := b.client.BLMove(ctx, waiting, active, "RIGHT", "LEFT", moveTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("failed to fetch task",
				logging.String(logging.FieldQueue, string(name)),
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_fetch_failed"),
				logging.String(logging.FieldErrorHint, "check redis connectivity"),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.handle(workCtx, name, payload)
	}
}

func (b *Broker) handle(ctx context.Context, name Name, payload string) {
	b.mu.Lock()
	b.active[name]++
	handler := b.handlers.forQueue(name)
	b.mu.Unlock()
	b.inflight.Add(1)
	defer func() {
		b.mu.Lock()
		b.active[name]--
		b.mu.Unlock()
		b.inflight.Done()
	}()

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Error("dropping undecodable task",
			logging.String(logging.FieldQueue, string(name)),
			logging.Error(err),
			logging.String(logging.FieldEventType, "queue_task_corrupt"),
		)
		b.settleCtx(func(sctx context.Context) error {
			return b.client.LRem(sctx, b.key(name, keyActive), 1, payload).Err()
		})
		return
	}
	if err := b.limiters[name].Wait(ctx); err != nil {
		// Cancelled while throttled; leave it active for the next start to recover.
		return
	}

	policy := b.policies[name]
	delivery := Delivery{
		Task:    env.Task,
		Attempt: max(env.Attempt, 1),
		Final:   !policy.ShouldRetry(max(env.Attempt, 1)),
	}
	err := runHandler(ctx, handler, delivery)
	b.settle(name, payload, env, delivery, err)
}

// settle records the outcome of a delivery.
func (b *Broker) settle(name Name, payload string, env envelope, d Delivery, handlerErr error) {
	now := b.now()
	active := b.key(name, keyActive)
	id := env.Task.ID
	logger := b.logger.With(
		logging.String(logging.FieldQueue, string(name)),
		logging.String("task_id", id),
		logging.Int("attempt", d.Attempt),
	)

	switch {
	case handlerErr == nil:
		b.settleCtx(func(ctx context.Context) error {
			pipe := b.client.TxPipeline()
			pipe.LRem(ctx, active, 1, payload)
			pipe.ZAdd(ctx, b.key(name, keyCompleted), redis.Z{Score: float64(now.Unix()), Member: id})
			_, err := pipe.Exec(ctx)
			return err
		})
	case !d.Final && services.Retryable(handlerErr):
		delay := b.policies[name].Delay(d.Attempt)
		next := env
		next.Attempt = d.Attempt + 1
		nextPayload, err := json.Marshal(next)
		if err != nil {
			logger.Error("failed to encode retry", logging.Error(err))
			return
		}
		logger.Warn("task failed; retry scheduled",
			logging.Error(handlerErr),
			logging.Duration("delay", delay),
			logging.String(logging.FieldEventType, "queue_task_retry"),
		)
		b.settleCtx(func(ctx context.Context) error {
			pipe := b.client.TxPipeline()
			pipe.LRem(ctx, active, 1, payload)
			pipe.HSet(ctx, b.key(name, keyJobs), id, string(nextPayload))
			pipe.ZAdd(ctx, b.key(name, keyDelayed), redis.Z{
				Score:  float64(now.Add(delay).UnixMilli()),
				Member: string(nextPayload),
			})
			_, err := pipe.Exec(ctx)
			return err
		})
	default:
		logger.Error("task failed permanently",
			logging.Error(handlerErr),
			logging.String(logging.FieldEventType, "queue_task_failed"),
			logging.String(logging.FieldErrorHint, "inspect the job error and resubmit"),
		)
		b.settleCtx(func(ctx context.Context) error {
			pipe := b.client.TxPipeline()
			pipe.LRem(ctx, active, 1, payload)
			pipe.ZAdd(ctx, b.key(name, keyFailed), redis.Z{Score: float64(now.Unix()), Member: id})
			_, err := pipe.Exec(ctx)
			return err
		})
	}
}

func (b *Broker) settleCtx(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		b.logger.Error("failed to record task outcome",
			logging.Error(err),
			logging.String(logging.FieldEventType, "queue_settle_failed"),
			logging.String(logging.FieldImpact, "task is recovered from the active list on next start"),
		)
	}
}

// maintain promotes due retries and prunes expired finished records.
func (b *Broker) maintain(ctx context.Context) {
	defer b.workers.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, name := range Names {
			if err := b.promote(ctx, name); err != nil && ctx.Err() == nil {
				b.logger.Warn("failed to promote delayed tasks",
					logging.String(logging.FieldQueue, string(name)),
					logging.Error(err),
					logging.String(logging.FieldEventType, "queue_promote_failed"),
				)
			}
		}
		ticks++
		if ticks%pruneEvery == 0 {
			b.prune(ctx)
		}
	}
}

func (b *Broker) promote(ctx context.Context, name Name) error {
	return promoteScript.Run(ctx, b.client,
		[]string{b.key(name, keyDelayed), b.key(name, keyWaiting)},
		strconv.FormatInt(b.now().UnixMilli(), 10), promoteBatch,
	).Err()
}

// prune drops completed and failed records past their retention windows.
func (b *Broker) prune(ctx context.Context) {
	now := b.now()
	for _, name := range Names {
		for suffix, retention := range map[string]time.Duration{
			keyCompleted: b.completedRetention,
			keyFailed:    b.failedRetention,
		} {
			cutoff := strconv.FormatInt(now.Add(-retention).Unix(), 10)
			removed, err := pruneScript.Run(ctx, b.client,
				[]string{b.key(name, suffix), b.key(name, keyJobs)},
				cutoff, pruneBatch,
			).Int()
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Warn("failed to prune finished tasks",
						logging.String(logging.FieldQueue, string(name)),
						logging.Error(err),
						logging.String(logging.FieldEventType, "queue_prune_failed"),
					)
				}
				continue
			}
			if removed > 0 {
				b.logger.Debug("pruned finished tasks",
					logging.String(logging.FieldQueue, string(name)),
					logging.String("set", suffix),
					logging.Int("count", removed),
				)
			}
		}
	}
}

// Stats reads list and set sizes for both queues.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	pipe := b.client.Pipeline()
	type counters struct {
		waiting, active       *redis.IntCmd
		delayed, done, failed *redis.IntCmd
	}
	cmds := make(map[Name]counters, len(Names))
	for _, name := range Names {
		cmds[name] = counters{
			waiting: pipe.LLen(ctx, b.key(name, keyWaiting)),
			active:  pipe.LLen(ctx, b.key(name, keyActive)),
			delayed: pipe.ZCard(ctx, b.key(name, keyDelayed)),
			done:    pipe.ZCard(ctx, b.key(name, keyCompleted)),
			failed:  pipe.ZCard(ctx, b.key(name, keyFailed)),
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, services.Wrap(services.ErrTransient, "queue", "stats", "", err)
	}
	stats := Stats{Mode: ModeBroker, Queues: make(map[Name]Counts, len(Names))}
	for name, c := range cmds {
		stats.Queues[name] = Counts{
			Waiting:   c.waiting.Val(),
			Active:    c.active.Val(),
			Delayed:   c.delayed.Val(),
			Completed: c.done.Val(),
			Failed:    c.failed.Val(),
		}
	}
	return stats, nil
}

func (b *Broker) activeTotal() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total int64
	for _, n := range b.active {
		total += int64(n)
	}
	return total
}

// Shutdown pauses intake, waits for active handlers up to the shutdown
// timeout, then closes the Redis connection.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return b.client.Close()
	}
	b.running = false
	cancel, stopWork := b.cancel, b.stopWork
	b.mu.Unlock()

	cancel()
	var shutdownErr error
	if !drain(ctx, b.shutdownTimeout, b.activeTotal) {
		remaining := b.activeTotal()
		logging.WarnWithContext(b.logger, "shutdown timed out with active tasks", "queue_shutdown_timeout",
			logging.Int64("active", remaining),
			logging.String(logging.FieldImpact, "interrupted tasks are requeued on next start"),
		)
		shutdownErr = fmt.Errorf("queue shutdown timed out with %d active tasks", remaining)
	}
	stopWork()
	b.workers.Wait()
	b.inflight.Wait()
	if err := b.client.Close(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	return shutdownErr
}
