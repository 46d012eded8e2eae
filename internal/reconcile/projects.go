// Package reconcile aligns the store and the host with the declared
// configuration: projects from projects.json, and on startup the systemd
// units, port allocations, and site symlinks left behind by a previous run.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/store"
)

// ProjectConfig is one entry of projects.json. The webhook secret lives in a
// separate file so the config itself can be world-readable.
type ProjectConfig struct {
	Name              string `json:"name"`
	RepoURL           string `json:"repo_url"`
	RepoType          string `json:"repo_type"`
	WebhookSecretFile string `json:"webhook_secret_file"`
	DefaultBranch     string `json:"default_branch"`
}

// ReconcileProjects loads projects.json and makes the projects table match
// it: entries are upserted, projects absent from the file are deleted. A
// missing file is not an error.
func ReconcileProjects(ctx context.Context, st *store.Store, configPath string, log *slog.Logger) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info("no projects config found, skipping project reconciliation", logfields.Path(configPath))
			return nil
		}
		return fmt.Errorf("read projects config: %w", err)
	}

	var projects []ProjectConfig
	if err := json.Unmarshal(data, &projects); err != nil {
		return fmt.Errorf("parse projects config: %w", err)
	}
	log.Info("reconciling projects", slog.Int("count", len(projects)))

	for _, pc := range projects {
		if err := reconcileProject(ctx, st, pc); err != nil {
			log.Warn("project reconciliation failed", logfields.Project(pc.Name), logfields.Error(err))
		}
	}

	return cleanupRemovedProjects(ctx, st, projects, log)
}

func reconcileProject(ctx context.Context, st *store.Store, pc ProjectConfig) error {
	if pc.RepoType != store.RepoForgejo && pc.RepoType != store.RepoGitHub {
		return fmt.Errorf("invalid repo_type %q", pc.RepoType)
	}

	secret, err := os.ReadFile(pc.WebhookSecretFile)
	if err != nil {
		return fmt.Errorf("read webhook secret: %w", err)
	}

	return st.Projects.Upsert(ctx, store.Project{
		Name:          pc.Name,
		RepoURL:       pc.RepoURL,
		RepoType:      pc.RepoType,
		WebhookSecret: strings.TrimSpace(string(secret)),
		DefaultBranch: pc.DefaultBranch,
	})
}

func cleanupRemovedProjects(ctx context.Context, st *store.Store, configured []ProjectConfig, log *slog.Logger) error {
	keep := make(map[string]bool, len(configured))
	for _, pc := range configured {
		keep[pc.Name] = true
	}

	existing, err := st.Projects.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range existing {
		if keep[p.Name] {
			continue
		}
		log.Info("removing project no longer in config", logfields.Project(p.Name))
		if err := st.Projects.Delete(ctx, p.Name); err != nil {
			return err
		}
	}
	return nil
}
