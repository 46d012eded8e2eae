package deploy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/metrics"
	"github.com/scottylabs/kennel/internal/names"
	"github.com/scottylabs/kennel/internal/router"
	"github.com/scottylabs/kennel/internal/store"
)

// RunTeardown consumes teardown requests sequentially until ctx is cancelled.
func (d *Deployer) RunTeardown(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case deploymentID := <-d.queues.Teardowns:
			if err := d.Teardown(ctx, deploymentID); err != nil {
				d.log.Error("teardown failed", logfields.DeploymentID(deploymentID), logfields.Error(err))
			}
		}
	}
}

// Teardown dismantles one deployment. Individual resource failures are
// warnings: the sequence is re-entrant and running it against already-cleaned
// state must succeed.
func (d *Deployer) Teardown(ctx context.Context, deploymentID int64) error {
	dep, err := d.store.Deployments.FindByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrDeploymentNotFound) {
			d.log.Warn("teardown for unknown deployment", logfields.DeploymentID(deploymentID))
			return nil
		}
		return err
	}
	if dep.Status != store.DeployTearingDown {
		d.log.Warn("teardown for deployment not marked tearing_down",
			logfields.DeploymentID(deploymentID), slog.String("status", dep.Status))
		return nil
	}

	unitName := names.UnitName(dep.Project, dep.BranchSlug, dep.Service)

	if dep.Port != nil {
		if err := d.sup.Stop(ctx, unitName); err != nil {
			d.log.Warn("stop unit", logfields.Unit(unitName), logfields.Error(err))
		}
		if err := d.sup.Disable(ctx, unitName); err != nil {
			d.log.Warn("disable unit", logfields.Unit(unitName), logfields.Error(err))
		}
		if err := d.sup.RemoveUnit(ctx, unitName); err != nil {
			d.log.Warn("remove unit", logfields.Unit(unitName), logfields.Error(err))
		}
		if err := d.sup.DaemonReload(ctx); err != nil {
			d.log.Warn("daemon reload", logfields.Error(err))
		}
		if err := d.store.Ports.Release(ctx, *dep.Port); err != nil {
			d.log.Warn("release port", logfields.Port(*dep.Port), logfields.Error(err))
		}
	} else {
		link := filepath.Join(d.dirs.Sites, dep.Project, dep.BranchSlug, dep.Service)
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			d.log.Warn("remove site link", logfields.Path(link), logfields.Error(err))
		}
	}

	if err := removeEnvFile(d.dirs.Secrets, dep.Project, dep.BranchSlug, dep.Service); err != nil {
		d.log.Warn("remove env file", logfields.Error(err))
	}

	// Branch-shared resources go only when this is the last deployment of
	// (project, service, branch).
	others, err := d.store.Deployments.CountOthersForServiceBranch(ctx, dep.Project, dep.Service, dep.Branch, dep.ID)
	if err != nil {
		return err
	}
	if others == 0 {
		if err := d.store.PreviewDBs.Release(ctx, dep.Project, dep.Branch); err != nil {
			d.log.Warn("release preview database", logfields.Error(err))
		}
		username := names.SanitizeUsername(dep.Project, dep.BranchSlug, dep.Service)
		if err := d.users.Remove(ctx, username); err != nil {
			d.log.Warn("remove user", logfields.Error(err))
		}
	}

	if d.dns != nil {
		if err := d.dns.DeleteRecordsForDeployment(ctx, dep.ID); err != nil {
			d.log.Warn("delete dns records", logfields.DeploymentID(dep.ID), logfields.Error(err))
		}
	}

	if err := d.store.Deployments.UpdateStatus(ctx, dep.ID, store.DeployTornDown); err != nil {
		return err
	}
	if err := d.store.Deployments.Delete(ctx, dep.ID); err != nil {
		return err
	}

	d.hub.Publish(router.Update{Kind: router.UpdateDeploymentRemoved, Domain: dep.Domain})
	metrics.TeardownsTotal.Inc()

	d.log.Info("deployment torn down",
		logfields.Project(dep.Project), logfields.Service(dep.Service), logfields.DeploymentID(dep.ID))
	return nil
}
