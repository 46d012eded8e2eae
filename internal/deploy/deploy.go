// Package deploy turns successful build artifacts into running deployments
// and tears them down again. Service artifacts get a system user, a port, an
// env file, and a supervised unit; static sites get an atomically-published
// symlink. Both end as an active deployment row and a routing update.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/scottylabs/kennel/internal/config"
	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/manifest"
	"github.com/scottylabs/kennel/internal/metrics"
	"github.com/scottylabs/kennel/internal/pipeline"
	"github.com/scottylabs/kennel/internal/router"
	"github.com/scottylabs/kennel/internal/store"
)

// RecordManager is the slice of the DNS manager the deployer needs. It is nil
// when DNS integration is disabled.
type RecordManager interface {
	CreateRecordsForDeployment(ctx context.Context, deploymentID int64, domain string) error
	DeleteRecordsForDeployment(ctx context.Context, deploymentID int64) error
}

// Dirs is the filesystem layout the deployer works in. Production uses the
// defaults; tests point these at temp dirs.
type Dirs struct {
	Work     string
	Secrets  string
	Sites    string
	Services string
}

func DefaultDirs(workDir string) Dirs {
	return Dirs{
		Work:     workDir,
		Secrets:  config.SecretsDir,
		Sites:    config.SitesBaseDir,
		Services: config.ServicesBaseDir,
	}
}

type Deployer struct {
	store      *store.Store
	queues     *pipeline.Queues
	hub        *router.Hub
	sup        Supervisor
	users      Users
	dns        RecordManager
	dirs       Dirs
	baseDomain string
	drain      time.Duration
	health     *http.Client
	log        *slog.Logger
}

func New(st *store.Store, queues *pipeline.Queues, hub *router.Hub, sup Supervisor, users Users, dns RecordManager, dirs Dirs, baseDomain string, log *slog.Logger) *Deployer {
	return &Deployer{
		store:      st,
		queues:     queues,
		hub:        hub,
		sup:        sup,
		users:      users,
		dns:        dns,
		dirs:       dirs,
		baseDomain: baseDomain,
		drain:      config.BlueGreenDrainTimeout,
		health:     &http.Client{},
		log:        log.With(slog.String("component", "deployer")),
	}
}

// Run consumes deploy requests sequentially until ctx is cancelled.
func (d *Deployer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-d.queues.Deploys:
			if err := d.deployBuild(ctx, req); err != nil {
				d.log.Error("deploy failed", logfields.BuildID(req.BuildID), logfields.Error(err))
			}
		}
	}
}

// deployBuild rolls out every successful artifact of one build. Per-artifact
// failures are logged and the loop continues: partial success across services
// is permitted.
func (d *Deployer) deployBuild(ctx context.Context, req pipeline.DeployRequest) error {
	results, err := d.store.BuildResults.FindSuccessfulByBuildID(ctx, req.BuildID)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		d.log.Warn("no successful artifacts to deploy", logfields.BuildID(req.BuildID))
		return nil
	}

	workDir := filepath.Join(d.dirs.Work, fmt.Sprintf("%d", req.BuildID))
	m, err := manifest.Load(filepath.Join(workDir, "repo"))
	if err != nil {
		return fmt.Errorf("reload manifest for build %d: %w", req.BuildID, err)
	}

	d.log.Info("deploying build", logfields.BuildID(req.BuildID),
		logfields.Project(req.Project), slog.Int("artifacts", len(results)))

	for _, result := range results {
		if _, isStatic := m.StaticSites[result.ServiceName]; isStatic {
			if err := d.deployStatic(ctx, req, result, m); err != nil {
				metrics.DeploysTotal.WithLabelValues("failed").Inc()
				d.log.Error("static site deploy failed",
					logfields.BuildID(req.BuildID), logfields.Service(result.ServiceName), logfields.Error(err))
				continue
			}
			metrics.DeploysTotal.WithLabelValues("success").Inc()
			continue
		}
		if err := d.deployService(ctx, req, result, m); err != nil {
			metrics.DeploysTotal.WithLabelValues("failed").Inc()
			d.log.Error("service deploy failed",
				logfields.BuildID(req.BuildID), logfields.Service(result.ServiceName), logfields.Error(err))
			continue
		}
		metrics.DeploysTotal.WithLabelValues("success").Inc()
	}
	return nil
}

// createDNSRecords is best-effort: a provider failure leaves dns_status
// pending for the DNS reconcile pass.
func (d *Deployer) createDNSRecords(ctx context.Context, deploymentID int64, customDomain *string) {
	if d.dns == nil || customDomain == nil || *customDomain == "" {
		return
	}
	if err := d.dns.CreateRecordsForDeployment(ctx, deploymentID, *customDomain); err != nil {
		d.log.Warn("dns record creation failed",
			logfields.DeploymentID(deploymentID), logfields.Domain(*customDomain), logfields.Error(err))
	}
}
