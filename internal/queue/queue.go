package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"photopipe/internal/config"
	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
)

// Mode names the active queue strategy.
type Mode string

const (
	ModeBroker  Mode = "broker"
	ModePolling Mode = "polling"
)

// Name identifies a logical queue.
type Name string

const (
	Process Name = "process"
	Export  Name = "export"
)

// Names lists the queues in display order.
var Names = []Name{Process, Export}

// Task is a unit of work. ID is the job id for the process queue and the
// export id for the export queue; it doubles as the dedupe key.
type Task struct {
	Queue     Name   `json:"queue"`
	ID        string `json:"id"`
	AssetID   string `json:"asset_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Validate reports whether the task can be enqueued.
func (t Task) Validate() error {
	switch t.Queue {
	case Process, Export:
	default:
		return fmt.Errorf("unknown queue %q", t.Queue)
	}
	if t.ID == "" {
		return fmt.Errorf("%s task has no id", t.Queue)
	}
	return nil
}

// Delivery is one attempt at a task.
type Delivery struct {
	Task
	// Attempt is 1-based.
	Attempt int
	// Final is set when a failure will not be retried.
	Final bool
}

// Retry reports whether this delivery follows an earlier failed attempt.
func (d Delivery) Retry() bool { return d.Attempt > 1 }

// HandlerFunc processes one delivery. A returned error counts as a failed attempt.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Handlers binds a handler to each queue.
type Handlers struct {
	Process HandlerFunc
	Export  HandlerFunc
}

func (h Handlers) forQueue(name Name) HandlerFunc {
	switch name {
	case Process:
		return h.Process
	case Export:
		return h.Export
	}
	return nil
}

// Counts are per-queue depth counters.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Stats describes the active strategy and its queues.
type Stats struct {
	Mode   Mode            `json:"mode"`
	Queues map[Name]Counts `json:"queues"`
}

// Queue is the contract both strategies implement.
type Queue interface {
	Mode() Mode
	Enqueue(ctx context.Context, task Task) error
	Start(ctx context.Context, handlers Handlers) error
	Stats(ctx context.Context) (Stats, error)
	Shutdown(ctx context.Context) error
}

// Source is the slice of the job store the polling strategy reads.
type Source interface {
	ClaimPendingJobs(ctx context.Context, limit int) ([]*jobstore.Job, error)
	FindPendingExports(ctx context.Context, limit int) ([]*jobstore.Export, error)
	ClaimExport(ctx context.Context, id string) (bool, error)
	JobStats(ctx context.Context) (jobstore.Counts, error)
	ExportStats(ctx context.Context) (jobstore.Counts, error)
}

// Select tries the broker and falls back to polling when no broker is
// configured or it cannot be reached.
func Select(ctx context.Context, cfg *config.Config, source Source, logger *slog.Logger) Queue {
	logger = logging.NewComponentLogger(logger, "queue")
	if !cfg.BrokerEnabled() {
		logger.Info("no broker configured; using polling scheduler",
			logging.String(logging.FieldEventType, "queue_mode_selected"),
			logging.String("mode", string(ModePolling)),
		)
		return NewPoller(cfg, source, logger)
	}
	broker, err := NewBroker(ctx, cfg, logger)
	if err != nil {
		logging.WarnWithContext(logger, "broker unavailable; falling back to polling scheduler", "queue_broker_unavailable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check redis_url and that redis is running"),
			logging.String(logging.FieldImpact, "jobs run without broker retries"),
		)
		return NewPoller(cfg, source, logger)
	}
	logger.Info("broker connected",
		logging.String(logging.FieldEventType, "queue_mode_selected"),
		logging.String("mode", string(ModeBroker)),
	)
	return broker
}

// drain waits for active to report zero, bounded by timeout and ctx.
func drain(ctx context.Context, timeout time.Duration, active func() int64) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if active() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return active() == 0
		case <-ticker.C:
		}
	}
}
