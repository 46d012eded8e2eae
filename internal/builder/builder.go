// Package builder runs the build worker pool. The dispatcher pulls build ids
// off the build queue and spawns one goroutine per build, bounded by a
// semaphore of max-concurrent permits. A build clones its commit, parses the
// repo manifest, builds each declared artifact, and hands successful builds
// to the deployer.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/manifest"
	"github.com/scottylabs/kennel/internal/metrics"
	"github.com/scottylabs/kennel/internal/names"
	"github.com/scottylabs/kennel/internal/pipeline"
	"github.com/scottylabs/kennel/internal/store"
)

type Pool struct {
	store   *store.Store
	queues  *pipeline.Queues
	workDir string
	permits chan struct{}
	log     *slog.Logger
}

func NewPool(st *store.Store, queues *pipeline.Queues, workDir string, maxConcurrent int, log *slog.Logger) *Pool {
	return &Pool{
		store:   st,
		queues:  queues,
		workDir: workDir,
		permits: make(chan struct{}, maxConcurrent),
		log:     log.With(slog.String("component", "builder")),
	}
}

// Run dispatches builds until ctx is cancelled, then waits for in-flight
// builds to finish.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case buildID := <-p.queues.Builds:
			select {
			case p.permits <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			}
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				defer func() { <-p.permits }()
				if err := p.process(ctx, id); err != nil {
					p.log.Error("build failed", logfields.BuildID(id), logfields.Error(err))
				}
			}(buildID)
		}
	}
}

// process is the per-build state machine. Errors degrade the build to failed;
// an observed cancellation stops work without touching the status.
func (p *Pool) process(ctx context.Context, buildID int64) error {
	log := p.log.With(logfields.BuildID(buildID))
	start := time.Now()

	started, err := p.store.Builds.MarkStarted(ctx, buildID)
	if err != nil {
		return err
	}
	if !started {
		log.Info("skipping build that is no longer queued")
		return nil
	}

	build, err := p.store.Builds.FindByID(ctx, buildID)
	if err != nil {
		return err
	}
	project, err := p.store.Projects.FindByName(ctx, build.Project)
	if err != nil {
		return p.fail(ctx, buildID, err)
	}

	workDir := filepath.Join(p.workDir, fmt.Sprintf("%d", buildID))
	log.Info("cloning repository", logfields.Project(build.Project), slog.String("commit", build.CommitSHA))
	if err := cloneCommit(ctx, project.RepoURL, build.CommitSHA, workDir); err != nil {
		return p.fail(ctx, buildID, err)
	}

	if cancelled, err := p.cancelled(ctx, buildID); err != nil || cancelled {
		return err
	}

	m, err := manifest.Load(filepath.Join(workDir, "repo"))
	if err != nil {
		return p.fail(ctx, buildID, err)
	}

	p.syncServices(ctx, build.Project, m)

	var storePaths []string
	allSucceeded := true

	for _, name := range sortedKeys(m.Services) {
		if cancelled, err := p.cancelled(ctx, buildID); err != nil || cancelled {
			return err
		}
		svc := m.Services[name]
		path, ok := p.buildArtifact(ctx, build, workDir, name, svc.Package)
		if !ok {
			allSucceeded = false
			continue
		}
		storePaths = append(storePaths, path)
	}

	for _, name := range sortedKeys(m.StaticSites) {
		if cancelled, err := p.cancelled(ctx, buildID); err != nil || cancelled {
			return err
		}
		site := m.StaticSites[name]
		path, ok := p.buildArtifact(ctx, build, workDir, name, site.Package)
		if !ok {
			allSucceeded = false
			continue
		}
		storePaths = append(storePaths, path)
	}

	if m.Cachix != nil && len(storePaths) > 0 {
		if err := pushToCachix(ctx, m.Cachix, storePaths); err != nil {
			log.Warn("cachix push failed", logfields.Error(err))
		}
	}

	if !allSucceeded {
		metrics.BuildsTotal.WithLabelValues(store.BuildFailed).Inc()
		return p.store.Builds.MarkFinished(ctx, buildID, store.BuildFailed)
	}

	if err := p.store.Builds.MarkFinished(ctx, buildID, store.BuildSuccess); err != nil {
		return err
	}
	metrics.BuildsTotal.WithLabelValues(store.BuildSuccess).Inc()
	metrics.BuildDuration.Observe(time.Since(start).Seconds())
	log.Info("build succeeded", slog.Int("artifacts", len(storePaths)))

	req := pipeline.DeployRequest{BuildID: buildID, Project: build.Project, GitRef: build.GitRef}
	if err := p.queues.EnqueueDeploy(req); err != nil {
		log.Error("deploy queue rejected build", logfields.Error(err))
		return err
	}
	return nil
}

// buildArtifact builds one manifest entry and records its result row. The
// bool reports whether the artifact succeeded.
func (p *Pool) buildArtifact(ctx context.Context, build *store.Build, workDir, name string, pkg *string) (string, bool) {
	log := p.log.With(logfields.BuildID(build.ID), logfields.Service(name))

	if !names.ValidServiceName(name) {
		p.recordFailure(ctx, build.ID, name, nil,
			fmt.Sprintf("invalid artifact name %q: must contain only lowercase letters, digits, and hyphens", name))
		return "", false
	}

	recent, err := p.store.BuildResults.FindRecentSuccessful(ctx, build.Project, build.GitRef, name, 5)
	if err != nil {
		log.Warn("recent result lookup failed", logfields.Error(err))
	}

	storePath, logPath, err := nixBuild(ctx, workDir, name, pkg, build.ID)
	if err != nil {
		log.Error("artifact build failed", logfields.Error(err))
		p.recordFailure(ctx, build.ID, name, &logPath, err.Error())
		return "", false
	}

	changed := true
	for _, r := range recent {
		if r.StorePath != nil && *r.StorePath == storePath {
			changed = false
			break
		}
	}
	if !changed {
		log.Info("artifact unchanged", logfields.Path(storePath))
	} else {
		log.Info("artifact built", logfields.Path(storePath))
	}

	_, err = p.store.BuildResults.Create(ctx, store.BuildResult{
		BuildID:     build.ID,
		ServiceName: name,
		Status:      store.ResultSuccess,
		StorePath:   &storePath,
		LogPath:     &logPath,
		Changed:     changed,
	})
	if err != nil {
		log.Error("recording build result failed", logfields.Error(err))
	}
	return storePath, true
}

// syncServices upserts service rows from the manifest so deployments and the
// router see current custom domains and health settings.
func (p *Pool) syncServices(ctx context.Context, project string, m *manifest.Manifest) {
	for name, svc := range m.Services {
		if !names.ValidServiceName(name) {
			continue
		}
		err := p.store.Services.Upsert(ctx, store.Service{
			Project:                project,
			Name:                   name,
			Type:                   store.ServiceTypeService,
			Package:                svc.Package,
			CustomDomain:           svc.CustomDomain,
			SPA:                    svc.SPA,
			HealthCheckPath:        svc.HealthCheckPath,
			HealthCheckTimeoutSecs: svc.HealthCheckTimeoutSecs,
			PreviewDatabase:        svc.PreviewDatabase,
		})
		if err != nil {
			p.log.Warn("service sync failed", logfields.Project(project), logfields.Service(name), logfields.Error(err))
		}
	}
	for name, site := range m.StaticSites {
		if !names.ValidServiceName(name) {
			continue
		}
		err := p.store.Services.Upsert(ctx, store.Service{
			Project:                project,
			Name:                   name,
			Type:                   store.ServiceTypeStatic,
			Package:                site.Package,
			CustomDomain:           site.CustomDomain,
			SPA:                    site.SPA,
			HealthCheckPath:        manifest.DefaultHealthCheckPath,
			HealthCheckTimeoutSecs: manifest.DefaultHealthCheckTimeoutSecs,
		})
		if err != nil {
			p.log.Warn("service sync failed", logfields.Project(project), logfields.Service(name), logfields.Error(err))
		}
	}
}

func (p *Pool) recordFailure(ctx context.Context, buildID int64, name string, logPath *string, msg string) {
	_, err := p.store.BuildResults.Create(ctx, store.BuildResult{
		BuildID:      buildID,
		ServiceName:  name,
		Status:       store.ResultFailed,
		LogPath:      logPath,
		ErrorMessage: &msg,
		Changed:      true,
	})
	if err != nil {
		p.log.Error("recording build failure failed", logfields.BuildID(buildID), logfields.Error(err))
	}
}

func (p *Pool) fail(ctx context.Context, buildID int64, cause error) error {
	metrics.BuildsTotal.WithLabelValues(store.BuildFailed).Inc()
	if err := p.store.Builds.MarkFinished(ctx, buildID, store.BuildFailed); err != nil {
		return fmt.Errorf("mark failed after %v: %w", cause, err)
	}
	return cause
}

// cancelled polls the build status at a checkpoint.
func (p *Pool) cancelled(ctx context.Context, buildID int64) (bool, error) {
	status, err := p.store.Builds.Status(ctx, buildID)
	if err != nil {
		return false, err
	}
	if status == store.BuildCancelled {
		metrics.BuildsTotal.WithLabelValues(store.BuildCancelled).Inc()
		p.log.Info("build cancelled", logfields.BuildID(buildID))
		return true, nil
	}
	return false, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
