package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"photopipe/internal/logging"
	"photopipe/internal/staging"
)

const (
	cacheCleanupSpec = "@every 1h"
	logRetentionSpec = "@daily"
	requeueSpec      = "@every 5m"
)

// schedule registers the periodic maintenance jobs. Jobs still running when
// their next tick arrives are skipped.
func (d *Daemon) schedule(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	sweep := d.cfg.Admission.SweepInterval
	if sweep <= 0 {
		sweep = 60
	}
	jobs := []struct {
		spec string
		run  func()
	}{
		{fmt.Sprintf("@every %ds", sweep), d.sweepLimiter},
		{cacheCleanupSpec, func() { d.cleanCache(ctx) }},
		{logRetentionSpec, d.pruneLogs},
		{requeueSpec, func() { d.requeueTick(ctx) }},
	}
	for _, job := range jobs {
		if _, err := c.AddFunc(job.spec, job.run); err != nil {
			return nil, fmt.Errorf("add %q: %w", job.spec, err)
		}
	}
	return c, nil
}

func (d *Daemon) sweepLimiter() {
	d.limiter.Sweep(time.Now())
}

// cleanCache prunes stale export work directories and cached downloads, then
// drops cache directories of projects that no longer exist.
func (d *Daemon) cleanCache(ctx context.Context) {
	maxAge := time.Duration(d.cfg.Export.CacheMaxAgeHours) * time.Hour
	stale := staging.CleanStale(ctx, d.cfg.Paths.CacheDir, maxAge, d.logger)

	projects, err := d.store.ProjectIDs(ctx)
	if err != nil {
		logging.WarnWithContext(d.logger, "orphaned cache check skipped", "cache_cleanup_skipped",
			logging.Error(err),
			logging.String(logging.FieldImpact, "caches of deleted projects remain until the next pass"),
		)
		return
	}
	orphaned := staging.CleanOrphaned(ctx, d.cfg.Paths.CacheDir, projects, d.logger)
	if removed := len(stale.Removed) + len(orphaned.Removed); removed > 0 {
		d.logger.Info("export cache pruned",
			logging.String(logging.FieldEventType, "cache_pruned"),
			logging.Int("stale", len(stale.Removed)),
			logging.Int("orphaned", len(orphaned.Removed)),
			logging.Int("errors", len(stale.Errors)+len(orphaned.Errors)),
		)
	}
}

func (d *Daemon) pruneLogs() {
	active := filepath.Join(d.cfg.Paths.LogDir, "photopipe.log")
	logging.CleanupOldLogs(d.logger, d.cfg.Paths.LogDir, d.cfg.Logging.RetentionDays, active)
}

func (d *Daemon) requeueTick(ctx context.Context) {
	if _, err := d.requeuePending(ctx); err != nil {
		logging.WarnWithContext(d.logger, "pending requeue failed", "requeue_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "pending work waits for the next pass"),
		)
	}
}
