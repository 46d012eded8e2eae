// Package daemon wires the pipeline together and runs it: reconciliation,
// the build pool, the deployer and teardown workers, the edge router with
// its health monitor, the operator API, and the maintenance jobs.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/scottylabs/kennel/internal/builder"
	"github.com/scottylabs/kennel/internal/config"
	"github.com/scottylabs/kennel/internal/deploy"
	"github.com/scottylabs/kennel/internal/dns"
	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/pipeline"
	"github.com/scottylabs/kennel/internal/reconcile"
	"github.com/scottylabs/kennel/internal/router"
	"github.com/scottylabs/kennel/internal/server"
	"github.com/scottylabs/kennel/internal/store"
)

type Daemon struct {
	cfg    *config.Config
	store  *store.Store
	queues *pipeline.Queues
	hub    *router.Hub
	log    *slog.Logger
}

func New(cfg *config.Config, st *store.Store, log *slog.Logger) *Daemon {
	return &Daemon{
		cfg:    cfg,
		store:  st,
		queues: pipeline.NewQueues(),
		hub:    router.NewHub(),
		log:    log,
	}
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails. Shutdown waits for in-flight work, capped by the
// shutdown timeout.
func (d *Daemon) Run(ctx context.Context) error {
	// Config on disk wins over whatever the store remembers.
	if err := reconcile.ReconcileProjects(ctx, d.store, config.ProjectsConfigPath, d.log); err != nil {
		return err
	}

	sup := &deploy.Systemd{UnitDir: config.SystemdUnitDir}
	resources := reconcile.NewResources(d.store, sup, reconcile.SystemdLister{}, config.SitesBaseDir, d.log)
	if err := resources.Run(ctx); err != nil {
		d.log.Warn("startup reconciliation failed", logfields.Error(err))
	}

	dnsManager, err := dns.NewManagerFromConfig(d.cfg, d.store, d.log)
	if err != nil {
		return err
	}
	if dnsManager != nil {
		d.startDNS(ctx, dnsManager)
	}

	pool := builder.NewPool(d.store, d.queues, d.cfg.WorkDir, d.cfg.MaxConcurrentBuilds, d.log)

	var recordManager deploy.RecordManager
	if dnsManager != nil {
		recordManager = dnsManager
	}
	deployer := deploy.New(d.store, d.queues, d.hub, sup, deploy.OSUsers{}, recordManager,
		deploy.DefaultDirs(d.cfg.WorkDir), d.cfg.BaseDomain, d.log)

	table := router.NewTable()
	monitor := router.NewMonitor(d.store, table, d.log)
	edge := router.New(d.store, table, d.hub, monitor, d.cfg, d.log)
	api := server.New(d.store, d.queues, d.cfg.APIAddr(), d.log)

	scheduler, err := d.startJobs(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = scheduler.Shutdown() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 8)
	start := func(name string, run func(context.Context) error) {
		go func() {
			err := run(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.log.Error("component failed", slog.String("component", name), logfields.Error(err))
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	start("builder", pool.Run)
	start("deployer", deployer.Run)
	start("teardown", deployer.RunTeardown)
	start("router", edge.Run)
	start("health-monitor", monitor.Run)
	start("api", api.Run)
	started := 6

	go func() {
		if err := reconcile.WatchProjects(runCtx, d.store, config.ProjectsConfigPath, d.log); err != nil &&
			!errors.Is(err, context.Canceled) {
			d.log.Warn("projects config watcher stopped", logfields.Error(err))
		}
	}()

	var firstErr error
	select {
	case <-ctx.Done():
	case firstErr = <-errCh:
		started--
		cancel()
	}

	// Give the remaining components a bounded window to drain.
	deadline := time.After(config.ShutdownTimeout)
	for i := 0; i < started; i++ {
		select {
		case <-errCh:
		case <-deadline:
			d.log.Warn("shutdown timeout reached, forcing exit")
			return firstErr
		}
	}

	d.log.Info("shutdown complete")
	return firstErr
}

// startDNS runs the initial reconciliation and per-project wildcard setup in
// the background, then keeps reconciling on the cleanup interval.
func (d *Daemon) startDNS(ctx context.Context, manager *dns.Manager) {
	go func() {
		if _, err := manager.Reconcile(ctx); err != nil {
			d.log.Warn("dns reconciliation failed", logfields.Error(err))
		}

		projects, err := d.store.Projects.List(ctx)
		if err != nil {
			d.log.Warn("listing projects for wildcard dns failed", logfields.Error(err))
			return
		}
		for _, p := range projects {
			if err := manager.CreateWildcardForProject(ctx, p.Name, d.cfg.BaseDomain); err != nil {
				d.log.Warn("wildcard dns creation failed", logfields.Project(p.Name), logfields.Error(err))
			}
		}

		ticker := time.NewTicker(config.CleanupJobInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := manager.Reconcile(ctx); err != nil {
					d.log.Warn("dns reconciliation failed", logfields.Error(err))
				}
			}
		}
	}()
}
