package daemon

import (
	"context"

	"photopipe/internal/jobstore"
	"photopipe/internal/logging"
	"photopipe/internal/queue"
)

// requeueBatch bounds how many pending rows one requeue pass hands to the broker.
const requeueBatch = 500

// recover returns work a previous process left in flight to pending. The
// polling scheduler picks pending rows up on its own; the broker needs them
// handed back.
func (d *Daemon) recover(ctx context.Context) error {
	jobs, err := d.store.ResetRunningJobs(ctx)
	if err != nil {
		return err
	}
	exports, err := d.store.ResetProcessingExports(ctx)
	if err != nil {
		return err
	}
	if jobs > 0 || exports > 0 {
		d.logger.Info("recovered interrupted work",
			logging.String(logging.FieldEventType, "startup_recovery"),
			logging.Int64("jobs", jobs),
			logging.Int64("exports", exports),
		)
	}
	_, err = d.requeuePending(ctx)
	return err
}

// requeuePending hands every pending job and export to the broker. Enqueue is
// deduplicated by id, so repeating it for work the broker already holds is harmless.
func (d *Daemon) requeuePending(ctx context.Context) (int, error) {
	if d.queue.Mode() != queue.ModeBroker {
		return 0, nil
	}
	jobs, err := d.store.FindPendingJobs(ctx, requeueBatch)
	if err != nil {
		return 0, err
	}
	exports, err := d.store.FindPendingExports(ctx, requeueBatch)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, job := range jobs {
		if d.enqueue(ctx, jobTask(job)) {
			requeued++
		}
	}
	for _, export := range exports {
		if d.enqueue(ctx, exportTask(export)) {
			requeued++
		}
	}
	if requeued > 0 {
		d.logger.Info("pending work handed to broker",
			logging.String(logging.FieldEventType, "pending_requeued"),
			logging.Int("jobs", len(jobs)),
			logging.Int("exports", len(exports)),
		)
	}
	return requeued, nil
}

func (d *Daemon) enqueue(ctx context.Context, task queue.Task) bool {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		logging.WarnWithContext(d.logger, "requeue failed", "requeue_failed",
			logging.String("queue", string(task.Queue)),
			logging.String("task_id", task.ID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "task stays pending until the next requeue pass"),
		)
		return false
	}
	return true
}

func jobTask(job *jobstore.Job) queue.Task {
	return queue.Task{
		Queue:     queue.Process,
		ID:        job.ID,
		AssetID:   job.AssetID,
		ProjectID: job.ProjectID,
		UserID:    job.UserID,
		Type:      string(job.Type),
	}
}

func exportTask(export *jobstore.Export) queue.Task {
	return queue.Task{
		Queue:     queue.Export,
		ID:        export.ID,
		ProjectID: export.ProjectID,
		UserID:    export.UserID,
	}
}
