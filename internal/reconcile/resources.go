package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/scottylabs/kennel/internal/deploy"
	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/names"
	"github.com/scottylabs/kennel/internal/store"
)

// UnitLister enumerates supervised units matching a glob.
type UnitLister interface {
	ListUnits(ctx context.Context, pattern string) ([]string, error)
}

// SystemdLister lists units via systemctl.
type SystemdLister struct{}

func (SystemdLister) ListUnits(ctx context.Context, pattern string) ([]string, error) {
	out, err := exec.CommandContext(ctx, "systemctl",
		"list-units", "--all", "--plain", "--no-legend", pattern).Output()
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}

	var units []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		units = append(units, fields[0])
	}
	return units, nil
}

// Resources sweeps host state against the store on startup.
type Resources struct {
	store    *store.Store
	sup      deploy.Supervisor
	lister   UnitLister
	sitesDir string
	log      *slog.Logger
}

func NewResources(st *store.Store, sup deploy.Supervisor, lister UnitLister, sitesDir string, log *slog.Logger) *Resources {
	return &Resources{
		store:    st,
		sup:      sup,
		lister:   lister,
		sitesDir: sitesDir,
		log:      log.With(slog.String("component", "reconcile")),
	}
}

// Run performs one full sweep: orphaned units, stale ports, orphaned site
// symlinks. Individual failures are logged; the sweep continues.
func (r *Resources) Run(ctx context.Context) error {
	r.log.Info("running startup resource reconciliation")

	if err := r.sweepUnits(ctx); err != nil {
		r.log.Warn("unit sweep failed", logfields.Error(err))
	}
	if err := r.sweepPorts(ctx); err != nil {
		r.log.Warn("port sweep failed", logfields.Error(err))
	}
	if err := r.sweepSiteLinks(ctx); err != nil {
		r.log.Warn("site symlink sweep failed", logfields.Error(err))
	}

	r.log.Info("startup reconciliation complete")
	return nil
}

// sweepUnits stops and removes kennel units that no active deployment
// accounts for.
func (r *Resources) sweepUnits(ctx context.Context) error {
	units, err := r.lister.ListUnits(ctx, "kennel-*")
	if err != nil {
		return err
	}

	active, err := r.store.Deployments.ListActive(ctx)
	if err != nil {
		return err
	}
	expected := make(map[string]bool, len(active))
	for _, dep := range active {
		expected[names.UnitName(dep.Project, dep.BranchSlug, dep.Service)+".service"] = true
	}

	removed := 0
	for _, unit := range units {
		if !strings.HasPrefix(unit, "kennel-") || !strings.HasSuffix(unit, ".service") {
			continue
		}
		if expected[unit] {
			continue
		}

		r.log.Info("removing orphaned unit", logfields.Unit(unit))
		name := strings.TrimSuffix(unit, ".service")
		if err := r.sup.Stop(ctx, name); err != nil {
			r.log.Warn("stop orphaned unit", logfields.Unit(unit), logfields.Error(err))
		}
		if err := r.sup.Disable(ctx, name); err != nil {
			r.log.Warn("disable orphaned unit", logfields.Unit(unit), logfields.Error(err))
		}
		if err := r.sup.RemoveUnit(ctx, name); err != nil {
			r.log.Warn("remove orphaned unit", logfields.Unit(unit), logfields.Error(err))
		}
		removed++
	}

	if removed > 0 {
		if err := r.sup.DaemonReload(ctx); err != nil {
			r.log.Warn("daemon reload after unit sweep", logfields.Error(err))
		}
	}
	return nil
}

// sweepPorts releases allocations assigned to deployments that no longer
// exist. Unassigned allocations are in-flight deploys and left alone.
func (r *Resources) sweepPorts(ctx context.Context) error {
	allocations, err := r.store.Ports.List(ctx)
	if err != nil {
		return err
	}

	active, err := r.store.Deployments.ListActive(ctx)
	if err != nil {
		return err
	}
	activeIDs := make(map[int64]bool, len(active))
	for _, dep := range active {
		activeIDs[dep.ID] = true
	}

	for _, alloc := range allocations {
		if alloc.DeploymentID == nil || activeIDs[*alloc.DeploymentID] {
			continue
		}
		r.log.Info("releasing stale port",
			logfields.Port(alloc.Port), logfields.DeploymentID(*alloc.DeploymentID))
		if err := r.store.Ports.Release(ctx, alloc.Port); err != nil {
			r.log.Warn("release stale port", logfields.Port(alloc.Port), logfields.Error(err))
		}
	}
	return nil
}

// sweepSiteLinks walks {sites}/{project}/{branch}/{site} and removes links
// no active static deployment accounts for, pruning directories left empty.
func (r *Resources) sweepSiteLinks(ctx context.Context) error {
	if _, err := os.Stat(r.sitesDir); os.IsNotExist(err) {
		return nil
	}

	active, err := r.store.Deployments.ListActive(ctx)
	if err != nil {
		return err
	}
	expected := make(map[string]bool)
	for _, dep := range active {
		if dep.Port != nil {
			continue
		}
		expected[filepath.Join(dep.Project, dep.BranchSlug, dep.Service)] = true
	}

	projects, err := os.ReadDir(r.sitesDir)
	if err != nil {
		return err
	}
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		projectDir := filepath.Join(r.sitesDir, project.Name())

		branches, err := os.ReadDir(projectDir)
		if err != nil {
			continue
		}
		for _, branch := range branches {
			if !branch.IsDir() {
				continue
			}
			branchDir := filepath.Join(projectDir, branch.Name())

			sites, err := os.ReadDir(branchDir)
			if err != nil {
				continue
			}
			for _, site := range sites {
				rel := filepath.Join(project.Name(), branch.Name(), site.Name())
				if expected[rel] {
					continue
				}
				r.log.Info("removing orphaned site link", logfields.Path(rel))
				if err := os.Remove(filepath.Join(branchDir, site.Name())); err != nil {
					r.log.Warn("remove orphaned site link", logfields.Path(rel), logfields.Error(err))
				}
			}
			removeIfEmpty(branchDir)
		}
		removeIfEmpty(projectDir)
	}
	return nil
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(dir)
}
