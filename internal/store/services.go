package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type Services struct {
	db *sqlx.DB
}

// Upsert creates or refreshes the (project, name) service row from the
// manifest seen during a build.
func (r *Services) Upsert(ctx context.Context, s Service) error {
	query := r.db.Rebind(`
		INSERT INTO services
			(project, name, type, package, custom_domain, spa,
			 health_check_path, health_check_timeout_secs, preview_database)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project, name) DO UPDATE SET
			type = excluded.type,
			package = excluded.package,
			custom_domain = excluded.custom_domain,
			spa = excluded.spa,
			health_check_path = excluded.health_check_path,
			health_check_timeout_secs = excluded.health_check_timeout_secs,
			preview_database = excluded.preview_database`)
	_, err := r.db.ExecContext(ctx, query,
		s.Project, s.Name, s.Type, s.Package, s.CustomDomain, s.SPA,
		s.HealthCheckPath, s.HealthCheckTimeoutSecs, s.PreviewDatabase)
	if err != nil {
		return fmt.Errorf("upsert service %s/%s: %w", s.Project, s.Name, err)
	}
	return nil
}

func (r *Services) FindByProjectAndName(ctx context.Context, project, name string) (*Service, error) {
	var s Service
	query := r.db.Rebind(`SELECT * FROM services WHERE project = ? AND name = ?`)
	if err := r.db.GetContext(ctx, &s, query, project, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, fmt.Errorf("find service %s/%s: %w", project, name, err)
	}
	return &s, nil
}

func (r *Services) ListByProject(ctx context.Context, project string) ([]Service, error) {
	var out []Service
	query := r.db.Rebind(`SELECT * FROM services WHERE project = ? ORDER BY name`)
	if err := r.db.SelectContext(ctx, &out, query, project); err != nil {
		return nil, fmt.Errorf("list services for %s: %w", project, err)
	}
	return out, nil
}

func (r *Services) Delete(ctx context.Context, project, name string) error {
	query := r.db.Rebind(`DELETE FROM services WHERE project = ? AND name = ?`)
	if _, err := r.db.ExecContext(ctx, query, project, name); err != nil {
		return fmt.Errorf("delete service %s/%s: %w", project, name, err)
	}
	return nil
}
