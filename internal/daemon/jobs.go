package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/scottylabs/kennel/internal/config"
	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/store"
)

// startJobs schedules the periodic maintenance jobs: auto-expiry of inactive
// preview deployments and build log retention.
func (d *Daemon) startJobs(ctx context.Context) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(config.CleanupJobInterval),
		gocron.NewTask(d.expireInactiveDeployments, ctx),
		gocron.WithName("deployment-expiry"),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule expiry job: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(config.LogCleanupInterval),
		gocron.NewTask(d.cleanOldBuildLogs, ctx),
		gocron.WithName("build-log-cleanup"),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule log cleanup job: %w", err)
	}

	scheduler.Start()
	return scheduler, nil
}

// expireInactiveDeployments marks preview deployments inactive beyond the
// expiry window for teardown. Prod and staging never expire.
func (d *Daemon) expireInactiveDeployments(ctx context.Context) {
	maxAge := time.Duration(config.ExpiryInactiveDays) * 24 * time.Hour
	expired, err := d.store.Deployments.FindExpired(ctx, maxAge, []string{store.EnvProd, store.EnvStaging})
	if err != nil {
		d.log.Error("expiry scan failed", logfields.Error(err))
		return
	}
	if len(expired) == 0 {
		return
	}

	ids := make([]int64, 0, len(expired))
	for _, dep := range expired {
		d.log.Info("expiring inactive deployment",
			logfields.DeploymentID(dep.ID), logfields.Project(dep.Project),
			slog.String("git_ref", dep.GitRef))
		ids = append(ids, dep.ID)
	}

	if err := d.store.Deployments.MarkIDsTearingDown(ctx, ids); err != nil {
		d.log.Error("marking expired deployments failed", logfields.Error(err))
		return
	}
	for _, id := range ids {
		if err := d.queues.EnqueueTeardown(id); err != nil {
			d.log.Warn("teardown queue full during expiry", logfields.DeploymentID(id), logfields.Error(err))
		}
	}
	d.log.Info("marked deployments for auto-expiry teardown", slog.Int("count", len(ids)))
}

// cleanOldBuildLogs deletes builds past the retention window together with
// their log directories.
func (d *Daemon) cleanOldBuildLogs(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -config.LogRetentionDays)
	old, err := d.store.Builds.FindOldFinished(ctx, cutoff)
	if err != nil {
		d.log.Error("log retention scan failed", logfields.Error(err))
		return
	}

	for _, build := range old {
		logDir := filepath.Join(config.LogsDir, fmt.Sprintf("%d", build.ID))
		if err := os.RemoveAll(logDir); err != nil {
			d.log.Warn("removing log directory failed", logfields.Path(logDir), logfields.Error(err))
		}
		if err := d.store.Builds.Delete(ctx, build.ID); err != nil {
			d.log.Error("deleting old build failed", logfields.BuildID(build.ID), logfields.Error(err))
		}
	}
	if len(old) > 0 {
		d.log.Info("cleaned up old builds", slog.Int("count", len(old)))
	}
}
