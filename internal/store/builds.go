package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

type Builds struct {
	db *sqlx.DB
}

// Create inserts a queued build. (project, commit_sha) is unique: a second
// webhook delivery for the same commit returns ErrBuildExists so the caller
// can absorb the duplicate.
func (r *Builds) Create(ctx context.Context, project, branch, gitRef, commitSHA string, author *string) (int64, error) {
	now := time.Now().Unix()
	query := r.db.Rebind(`
		INSERT INTO builds (project, branch, git_ref, commit_sha, status, author, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)

	if r.db.DriverName() == "pgx" {
		var id int64
		err := r.db.QueryRowContext(ctx, query+" RETURNING id",
			project, branch, gitRef, commitSHA, BuildQueued, author, now).Scan(&id)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, ErrBuildExists
			}
			return 0, fmt.Errorf("insert build: %w", err)
		}
		return id, nil
	}

	res, err := r.db.ExecContext(ctx, query, project, branch, gitRef, commitSHA, BuildQueued, author, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrBuildExists
		}
		return 0, fmt.Errorf("insert build: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert build: %w", err)
	}
	return id, nil
}

func (r *Builds) FindByID(ctx context.Context, id int64) (*Build, error) {
	var b Build
	query := r.db.Rebind(`SELECT * FROM builds WHERE id = ?`)
	if err := r.db.GetContext(ctx, &b, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBuildNotFound
		}
		return nil, fmt.Errorf("find build %d: %w", id, err)
	}
	return &b, nil
}

func (r *Builds) Exists(ctx context.Context, project, gitRef, commitSHA string) (bool, error) {
	var n int
	query := r.db.Rebind(`SELECT COUNT(*) FROM builds WHERE project = ? AND git_ref = ? AND commit_sha = ?`)
	if err := r.db.GetContext(ctx, &n, query, project, gitRef, commitSHA); err != nil {
		return false, fmt.Errorf("check build existence: %w", err)
	}
	return n > 0, nil
}

// Status returns just the current status. The build worker polls this at its
// cancellation checkpoints.
func (r *Builds) Status(ctx context.Context, id int64) (string, error) {
	var status string
	query := r.db.Rebind(`SELECT status FROM builds WHERE id = ?`)
	if err := r.db.GetContext(ctx, &status, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrBuildNotFound
		}
		return "", fmt.Errorf("build status %d: %w", id, err)
	}
	return status, nil
}

// MarkStarted transitions queued -> building and stamps started_at. It is a
// no-op if the build was cancelled in the meantime; the returned bool says
// whether the transition happened.
func (r *Builds) MarkStarted(ctx context.Context, id int64) (bool, error) {
	query := r.db.Rebind(`UPDATE builds SET status = ?, started_at = ? WHERE id = ? AND status = ?`)
	res, err := r.db.ExecContext(ctx, query, BuildBuilding, time.Now().Unix(), id, BuildQueued)
	if err != nil {
		return false, fmt.Errorf("mark build %d started: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark build %d started: %w", id, err)
	}
	return n == 1, nil
}

// MarkFinished sets a terminal status and finished_at, but never overwrites a
// cancellation.
func (r *Builds) MarkFinished(ctx context.Context, id int64, status string) error {
	query := r.db.Rebind(`UPDATE builds SET status = ?, finished_at = ? WHERE id = ? AND status != ?`)
	if _, err := r.db.ExecContext(ctx, query, status, time.Now().Unix(), id, BuildCancelled); err != nil {
		return fmt.Errorf("mark build %d %s: %w", id, status, err)
	}
	return nil
}

// Cancel moves a queued or building build to cancelled. ErrBuildNotFound if
// the id is unknown; false if the build already finished.
func (r *Builds) Cancel(ctx context.Context, id int64) (bool, error) {
	if _, err := r.FindByID(ctx, id); err != nil {
		return false, err
	}
	query := r.db.Rebind(`UPDATE builds SET status = ?, finished_at = ? WHERE id = ? AND status IN (?, ?)`)
	res, err := r.db.ExecContext(ctx, query, BuildCancelled, time.Now().Unix(), id, BuildQueued, BuildBuilding)
	if err != nil {
		return false, fmt.Errorf("cancel build %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel build %d: %w", id, err)
	}
	return n == 1, nil
}

func (r *Builds) ListByProject(ctx context.Context, project string) ([]Build, error) {
	var out []Build
	query := r.db.Rebind(`SELECT * FROM builds WHERE project = ? ORDER BY id DESC`)
	if err := r.db.SelectContext(ctx, &out, query, project); err != nil {
		return nil, fmt.Errorf("list builds for %s: %w", project, err)
	}
	return out, nil
}

func (r *Builds) ListQueued(ctx context.Context) ([]Build, error) {
	var out []Build
	query := r.db.Rebind(`SELECT * FROM builds WHERE status = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &out, query, BuildQueued); err != nil {
		return nil, fmt.Errorf("list queued builds: %w", err)
	}
	return out, nil
}

// FindOldFinished returns builds whose finished_at is older than the cutoff.
// The log-retention job deletes their log directories and then the rows.
func (r *Builds) FindOldFinished(ctx context.Context, cutoff time.Time) ([]Build, error) {
	var out []Build
	query := r.db.Rebind(`SELECT * FROM builds WHERE finished_at IS NOT NULL AND finished_at < ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &out, query, cutoff.Unix()); err != nil {
		return nil, fmt.Errorf("find old builds: %w", err)
	}
	return out, nil
}

// Delete removes the build; its results cascade.
func (r *Builds) Delete(ctx context.Context, id int64) error {
	query := r.db.Rebind(`DELETE FROM builds WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete build %d: %w", id, err)
	}
	return nil
}
