package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type BuildResults struct {
	db *sqlx.DB
}

// Create records one artifact outcome for a build.
func (r *BuildResults) Create(ctx context.Context, br BuildResult) (int64, error) {
	query := r.db.Rebind(`
		INSERT INTO build_results (build_id, service_name, status, store_path, log_path, error_message, changed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	if r.db.DriverName() == "pgx" {
		var id int64
		err := r.db.QueryRowContext(ctx, query+" RETURNING id",
			br.BuildID, br.ServiceName, br.Status, br.StorePath, br.LogPath, br.ErrorMessage, br.Changed).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert build result: %w", err)
		}
		return id, nil
	}

	res, err := r.db.ExecContext(ctx, query,
		br.BuildID, br.ServiceName, br.Status, br.StorePath, br.LogPath, br.ErrorMessage, br.Changed)
	if err != nil {
		return 0, fmt.Errorf("insert build result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert build result: %w", err)
	}
	return id, nil
}

// FindSuccessfulByBuildID returns the deployable artifacts of one build.
func (r *BuildResults) FindSuccessfulByBuildID(ctx context.Context, buildID int64) ([]BuildResult, error) {
	var out []BuildResult
	query := r.db.Rebind(`SELECT * FROM build_results WHERE build_id = ? AND status = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &out, query, buildID, ResultSuccess); err != nil {
		return nil, fmt.Errorf("find successful results for build %d: %w", buildID, err)
	}
	return out, nil
}

func (r *BuildResults) FindByBuildID(ctx context.Context, buildID int64) ([]BuildResult, error) {
	var out []BuildResult
	query := r.db.Rebind(`SELECT * FROM build_results WHERE build_id = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &out, query, buildID); err != nil {
		return nil, fmt.Errorf("find results for build %d: %w", buildID, err)
	}
	return out, nil
}

// FindRecentSuccessful returns the newest successful results for a service on
// a ref, most recent first. The builder compares store paths against these to
// flag unchanged artifacts.
func (r *BuildResults) FindRecentSuccessful(ctx context.Context, project, gitRef, service string, limit int) ([]BuildResult, error) {
	var out []BuildResult
	query := r.db.Rebind(`
		SELECT br.* FROM build_results br
		JOIN builds b ON b.id = br.build_id
		WHERE b.project = ? AND b.git_ref = ? AND br.service_name = ? AND br.status = ?
		ORDER BY br.id DESC
		LIMIT ?`)
	if err := r.db.SelectContext(ctx, &out, query, project, gitRef, service, ResultSuccess, limit); err != nil {
		return nil, fmt.Errorf("find recent results for %s/%s@%s: %w", project, service, gitRef, err)
	}
	return out, nil
}
