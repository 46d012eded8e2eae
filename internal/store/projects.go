package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type Projects struct {
	db *sqlx.DB
}

// Upsert inserts the project or updates every attribute of an existing row.
func (r *Projects) Upsert(ctx context.Context, p Project) error {
	query := r.db.Rebind(`
		INSERT INTO projects (name, repo_url, repo_type, webhook_secret, default_branch)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			repo_url = excluded.repo_url,
			repo_type = excluded.repo_type,
			webhook_secret = excluded.webhook_secret,
			default_branch = excluded.default_branch`)
	if _, err := r.db.ExecContext(ctx, query, p.Name, p.RepoURL, p.RepoType, p.WebhookSecret, p.DefaultBranch); err != nil {
		return fmt.Errorf("upsert project %s: %w", p.Name, err)
	}
	return nil
}

func (r *Projects) FindByName(ctx context.Context, name string) (*Project, error) {
	var p Project
	query := r.db.Rebind(`SELECT * FROM projects WHERE name = ?`)
	if err := r.db.GetContext(ctx, &p, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("find project %s: %w", name, err)
	}
	return &p, nil
}

func (r *Projects) List(ctx context.Context) ([]Project, error) {
	var out []Project
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM projects ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

// Delete removes the project; dependent rows cascade.
func (r *Projects) Delete(ctx context.Context, name string) error {
	query := r.db.Rebind(`DELETE FROM projects WHERE name = ?`)
	if _, err := r.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("delete project %s: %w", name, err)
	}
	return nil
}
