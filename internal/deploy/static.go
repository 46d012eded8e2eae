package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/manifest"
	"github.com/scottylabs/kennel/internal/names"
	"github.com/scottylabs/kennel/internal/pipeline"
	"github.com/scottylabs/kennel/internal/router"
	"github.com/scottylabs/kennel/internal/store"
)

// deployStatic publishes a static site by pointing a symlink at the store
// path. The rename over the old link is the cutover; no drain is needed.
func (d *Deployer) deployStatic(ctx context.Context, req pipeline.DeployRequest, result store.BuildResult, m *manifest.Manifest) error {
	if result.StorePath == nil {
		return fmt.Errorf("build result %d has no store path", result.ID)
	}
	storePath := *result.StorePath
	site := result.ServiceName
	branchSlug := names.SanitizeIdentifier(req.GitRef)
	siteCfg := m.StaticSites[site]

	// A redeploy replaces the previous row once the new link is published.
	predecessor, err := d.store.Deployments.FindActiveByRef(ctx, req.Project, req.GitRef, site)
	if err != nil {
		return err
	}

	siteDir := filepath.Join(d.dirs.Sites, req.Project, branchSlug)
	if err := os.MkdirAll(siteDir, 0o755); err != nil {
		return fmt.Errorf("create site dir: %w", err)
	}

	link := filepath.Join(siteDir, site)
	tempLink := link + ".new"
	if err := os.Remove(tempLink); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear stale temp link: %w", err)
	}
	if err := os.Symlink(storePath, tempLink); err != nil {
		return fmt.Errorf("create temp link: %w", err)
	}
	if err := os.Rename(tempLink, link); err != nil {
		return fmt.Errorf("publish site link: %w", err)
	}

	domain := names.Domain(site, branchSlug, req.Project, d.baseDomain)
	deploymentID, err := d.store.Deployments.Create(ctx, store.Deployment{
		Project:     req.Project,
		Service:     site,
		Branch:      req.GitRef,
		BranchSlug:  branchSlug,
		Environment: names.Environment(req.GitRef),
		GitRef:      req.GitRef,
		StorePath:   storePath,
		Port:        nil,
		Status:      store.DeployActive,
		Domain:      domain,
		DNSStatus:   store.DNSPending,
	})
	if err != nil {
		return err
	}

	d.createDNSRecords(ctx, deploymentID, siteCfg.CustomDomain)

	d.hub.Publish(router.Update{
		Kind:         router.UpdateDeploymentActive,
		DeploymentID: deploymentID,
		Domain:       domain,
		CustomDomain: siteCfg.CustomDomain,
		StorePath:    storePath,
		SPA:          siteCfg.SPA,
	})

	// The predecessor shares the domain and symlink with its successor, so
	// only the row is reclaimed; no removal is broadcast.
	if predecessor != nil {
		d.finishPredecessor(ctx, predecessor)
	}

	d.log.Info("static site deployed",
		logfields.Project(req.Project), logfields.Service(site),
		logfields.DeploymentID(deploymentID), logfields.Domain(domain), logfields.Path(link))
	return nil
}
