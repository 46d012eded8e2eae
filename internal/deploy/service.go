package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/manifest"
	"github.com/scottylabs/kennel/internal/names"
	"github.com/scottylabs/kennel/internal/pipeline"
	"github.com/scottylabs/kennel/internal/router"
	"github.com/scottylabs/kennel/internal/store"
)

// deployService runs the full service rollout: user, workdir, port, env file,
// unit, health check, deployment row, DNS, routing update, blue/green drain.
func (d *Deployer) deployService(ctx context.Context, req pipeline.DeployRequest, result store.BuildResult, m *manifest.Manifest) error {
	if result.StorePath == nil {
		return fmt.Errorf("build result %d has no store path", result.ID)
	}
	storePath := *result.StorePath
	service := result.ServiceName
	branchSlug := names.SanitizeIdentifier(req.GitRef)
	unitName := names.UnitName(req.Project, branchSlug, service)
	username := names.SanitizeUsername(req.Project, branchSlug, service)

	svcCfg := m.Services[service]

	// The predecessor is located first but not touched until the new
	// deployment is healthy.
	predecessor, err := d.store.Deployments.FindActiveByRef(ctx, req.Project, req.GitRef, service)
	if err != nil {
		return err
	}

	if err := d.users.Ensure(ctx, username); err != nil {
		return err
	}

	workDir := filepath.Join(d.dirs.Services, req.Project, branchSlug, service)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create service workdir: %w", err)
	}

	port, err := d.store.Ports.Allocate(ctx, req.Project, service, branchSlug)
	if err != nil {
		return err
	}

	envVars := map[string]string{"PORT": fmt.Sprintf("%d", port)}
	for k, v := range svcCfg.Env {
		envVars[k] = v
	}
	// Declared secrets are resolved from the daemon's own environment.
	for _, name := range svcCfg.Secrets {
		if v, ok := os.LookupEnv(name); ok {
			envVars[name] = v
		} else {
			d.log.Warn("declared secret not present in environment",
				logfields.Service(service), slog.String("secret", name))
		}
	}
	if svcCfg.PreviewDatabase {
		pd, err := d.store.PreviewDBs.Allocate(ctx, req.Project, req.GitRef)
		if err != nil {
			return fmt.Errorf("allocate preview database: %w", err)
		}
		envVars["VALKEY_URL"] = fmt.Sprintf("redis://127.0.0.1:6379/%d", pd.ValkeyDB)
		envVars["DATABASE_URL"] = fmt.Sprintf("postgresql://127.0.0.1:5432/%s", names.DatabaseName(req.Project, branchSlug))
	}

	secretsPath, err := writeEnvFile(d.dirs.Secrets, req.Project, branchSlug, service, envVars)
	if err != nil {
		return err
	}

	unit := renderServiceUnit(service, storePath, port, username, workDir, nil, secretsPath)
	if err := d.sup.InstallUnit(ctx, unitName, unit); err != nil {
		return err
	}
	if err := d.sup.DaemonReload(ctx); err != nil {
		return err
	}
	if err := d.sup.Enable(ctx, unitName); err != nil {
		return err
	}
	if err := d.sup.Start(ctx, unitName); err != nil {
		return err
	}

	timeout := time.Duration(svcCfg.HealthCheckTimeoutSecs) * time.Second
	if err := waitHealthy(ctx, d.health, port, svcCfg.HealthCheckPath, timeout); err != nil {
		// The allocated port is reclaimed by the next reconcile pass.
		d.log.Error("health check failed, stopping unit",
			logfields.Unit(unitName), logfields.Port(port), logfields.Error(err))
		if stopErr := d.sup.Stop(ctx, unitName); stopErr != nil {
			d.log.Warn("stop after failed health check", logfields.Unit(unitName), logfields.Error(stopErr))
		}
		return err
	}

	domain := names.Domain(service, branchSlug, req.Project, d.baseDomain)
	deploymentID, err := d.store.Deployments.Create(ctx, store.Deployment{
		Project:     req.Project,
		Service:     service,
		Branch:      req.GitRef,
		BranchSlug:  branchSlug,
		Environment: names.Environment(req.GitRef),
		GitRef:      req.GitRef,
		StorePath:   storePath,
		Port:        &port,
		Status:      store.DeployActive,
		Domain:      domain,
		DNSStatus:   store.DNSPending,
	})
	if err != nil {
		return err
	}
	if err := d.store.Ports.AssignDeployment(ctx, port, deploymentID); err != nil {
		return err
	}

	d.createDNSRecords(ctx, deploymentID, svcCfg.CustomDomain)

	d.hub.Publish(router.Update{
		Kind:         router.UpdateDeploymentActive,
		DeploymentID: deploymentID,
		Domain:       domain,
		CustomDomain: svcCfg.CustomDomain,
		Port:         &port,
		StorePath:    storePath,
	})

	d.log.Info("service deployed",
		logfields.Project(req.Project), logfields.Service(service),
		logfields.DeploymentID(deploymentID), logfields.Port(port), logfields.Domain(domain))

	if predecessor != nil {
		d.drainPredecessor(ctx, predecessor, port)
	}
	return nil
}

// drainPredecessor sequences the blue/green cutover: wait out in-flight
// requests, release the old port when it differs from the new one, and
// finish the old row off. The predecessor shares its unit name, env file,
// and domain with the successor, so the full teardown sequence must not run
// here; only the port and the row are reclaimed.
func (d *Deployer) drainPredecessor(ctx context.Context, old *store.Deployment, newPort int) {
	d.log.Info("draining predecessor", logfields.DeploymentID(old.ID))
	select {
	case <-time.After(d.drain):
	case <-ctx.Done():
		return
	}

	if old.Port != nil && *old.Port != newPort {
		if err := d.store.Ports.Release(ctx, *old.Port); err != nil {
			d.log.Warn("releasing predecessor port", logfields.Port(*old.Port), logfields.Error(err))
		}
	}
	d.finishPredecessor(ctx, old)
	d.log.Info("predecessor drained", logfields.DeploymentID(old.ID))
}

// finishPredecessor walks a replaced deployment's row to torn_down and
// deletes it, leaving exactly one row for the (project, service, branch).
func (d *Deployer) finishPredecessor(ctx context.Context, old *store.Deployment) {
	if err := d.store.Deployments.UpdateStatus(ctx, old.ID, store.DeployTearingDown); err != nil {
		d.log.Error("marking predecessor tearing down", logfields.DeploymentID(old.ID), logfields.Error(err))
		return
	}
	if err := d.store.Deployments.UpdateStatus(ctx, old.ID, store.DeployTornDown); err != nil {
		d.log.Error("marking predecessor torn down", logfields.DeploymentID(old.ID), logfields.Error(err))
		return
	}
	if err := d.store.Deployments.Delete(ctx, old.ID); err != nil {
		d.log.Error("deleting predecessor row", logfields.DeploymentID(old.ID), logfields.Error(err))
	}
}
