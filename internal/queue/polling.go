package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"photopipe/internal/config"
	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
)

// Exports are serialized by the admission gate, so polling never runs more than one.
const pollingExportConcurrency = 1

// Poller claims pending rows from the job store on a fixed interval. It does
// not retry: a failed job stays failed until it is resubmitted.
type Poller struct {
	source          Source
	interval        time.Duration
	shutdownTimeout time.Duration
	limits          map[Name]int
	logger          *slog.Logger

	mu       sync.Mutex
	active   map[Name]int
	handlers Handlers
	running  bool
	cancel   context.CancelFunc
	stopWork context.CancelFunc
	loopDone chan struct{}
	nudge    chan struct{}
	inflight sync.WaitGroup
}

var _ Queue = (*Poller)(nil)

// NewPoller constructs the polling strategy.
func NewPoller(cfg *config.Config, source Source, logger *slog.Logger) *Poller {
	interval := cfg.PollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		source:          source,
		interval:        interval,
		shutdownTimeout: cfg.ShutdownTimeout(),
		limits: map[Name]int{
			Process: max(cfg.Queue.PollingConcurrency, 1),
			Export:  pollingExportConcurrency,
		},
		logger: logging.NewComponentLogger(logger, "queue"),
		active: make(map[Name]int, len(Names)),
		nudge:  make(chan struct{}, 1),
	}
}

// Mode reports ModePolling.
func (p *Poller) Mode() Mode { return ModePolling }

// Enqueue wakes the loop. The row is already pending in the store, so the
// next tick picks it up.
func (p *Poller) Enqueue(_ context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	p.wake()
	return nil
}

func (p *Poller) wake() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Start begins polling. Handlers run on a context that survives intake being
// paused so in-flight work can finish during shutdown.
func (p *Poller) Start(ctx context.Context, handlers Handlers) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("poller already running")
	}
	if handlers.Process == nil || handlers.Export == nil {
		return errors.New("poller requires process and export handlers")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	p.handlers = handlers
	p.cancel = cancel
	p.stopWork = stopWork
	p.running = true
	p.loopDone = make(chan struct{})
	go p.loop(loopCtx, workCtx)
	return nil
}

func (p *Poller) loop(ctx, workCtx context.Context) {
	defer close(p.loopDone)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.tick(ctx, workCtx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.nudge:
		}
	}
}

func (p *Poller) tick(ctx, workCtx context.Context) {
	if free := p.free(Process); free > 0 {
		jobs, err := p.source.ClaimPendingJobs(ctx, free)
		if err != nil {
			p.logClaimError(ctx, Process, err)
		}
		for _, job := range jobs {
			p.dispatch(workCtx, Delivery{Task: jobTask(job), Attempt: max(job.Attempts, 1), Final: true})
		}
	}
	if free := p.free(Export); free > 0 {
		exports, err := p.source.FindPendingExports(ctx, free)
		if err != nil {
			p.logClaimError(ctx, Export, err)
		}
		for _, export := range exports {
			claimed, err := p.source.ClaimExport(ctx, export.ID)
			if err != nil {
				p.logClaimError(ctx, Export, err)
				continue
			}
			if !claimed {
				continue
			}
			p.dispatch(workCtx, Delivery{Task: exportTask(export), Attempt: 1, Final: true})
		}
	}
}

func (p *Poller) logClaimError(ctx context.Context, name Name, err error) {
	if ctx.Err() != nil {
		return
	}
	p.logger.Error("failed to claim pending work",
		logging.String(logging.FieldQueue, string(name)),
		logging.Error(err),
		logging.String(logging.FieldEventType, "queue_claim_failed"),
		logging.String(logging.FieldErrorHint, "check job database access"),
	)
}

func (p *Poller) free(name Name) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limits[name] - p.active[name]
}

func (p *Poller) dispatch(ctx context.Context, d Delivery) {
	p.mu.Lock()
	handler := p.handlers.forQueue(d.Queue)
	p.active[d.Queue]++
	p.mu.Unlock()

	p.inflight.Add(1)
	go func() {
		defer func() {
			p.mu.Lock()
			p.active[d.Queue]--
			p.mu.Unlock()
			p.inflight.Done()
			p.wake()
		}()
		if err := runHandler(ctx, handler, d); err != nil {
			p.logger.Warn("task failed; no automatic retry in polling mode",
				logging.String(logging.FieldQueue, string(d.Queue)),
				logging.String("task_id", d.ID),
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_task_failed"),
				logging.String(logging.FieldErrorHint, "resubmit the job once the cause is fixed"),
			)
		}
	}()
}

// runHandler converts a handler panic into an error so counters are always reclaimed.
func runHandler(ctx context.Context, handler HandlerFunc, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s task %s panicked: %v", d.Queue, d.ID, r)
		}
	}()
	return handler(ctx, d)
}

// Stats reports store-backed counts plus locally active handlers.
func (p *Poller) Stats(ctx context.Context) (Stats, error) {
	jobs, err := p.source.JobStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	exports, err := p.source.ExportStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Mode: ModePolling,
		Queues: map[Name]Counts{
			Process: {
				Waiting:   int64(jobs[string(jobstore.JobPending)]),
				Active:    int64(p.active[Process]),
				Completed: int64(jobs[string(jobstore.JobCompleted)]),
				Failed:    int64(jobs[string(jobstore.JobFailed)]),
			},
			Export: {
				Waiting:   int64(exports[string(jobstore.ExportPending)]),
				Active:    int64(p.active[Export]),
				Completed: int64(exports[string(jobstore.ExportCompleted)]),
				Failed:    int64(exports[string(jobstore.ExportFailed)]),
			},
		},
	}, nil
}

func (p *Poller) activeTotal() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, n := range p.active {
		total += int64(n)
	}
	return total
}

// Shutdown stops claiming new work and waits for in-flight handlers. Handlers
// still running when the timeout elapses have their context cancelled.
func (p *Poller) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, stopWork, loopDone := p.cancel, p.stopWork, p.loopDone
	p.mu.Unlock()

	cancel()
	<-loopDone
	defer stopWork()

	if !drain(ctx, p.shutdownTimeout, p.activeTotal) {
		remaining := p.activeTotal()
		logging.WarnWithContext(p.logger, "shutdown timed out with active tasks", "queue_shutdown_timeout",
			logging.Int64("active", remaining),
			logging.String(logging.FieldImpact, "interrupted jobs are reset to pending on next start"),
		)
		stopWork()
		p.inflight.Wait()
		return fmt.Errorf("queue shutdown timed out with %d active tasks", remaining)
	}
	p.inflight.Wait()
	return nil
}

func jobTask(job *jobstore.Job) Task {
	return Task{
		Queue:     Process,
		ID:        job.ID,
		AssetID:   job.AssetID,
		ProjectID: job.ProjectID,
		UserID:    job.UserID,
		Type:      string(job.Type),
	}
}

func exportTask(export *jobstore.Export) Task {
	return Task{
		Queue:     Export,
		ID:        export.ID,
		ProjectID: export.ProjectID,
		UserID:    export.UserID,
	}
}
