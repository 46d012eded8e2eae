package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/scottylabs/kennel/internal/config"
	"github.com/scottylabs/kennel/internal/names"
)

type PreviewDatabases struct {
	db *sqlx.DB
}

// Allocate reserves an auxiliary-DB slot for (project, branch). Allocation is
// idempotent per branch: an existing reservation is returned unchanged so
// re-deploys keep their slot. The unique index on valkey_db turns concurrent
// collisions into retries.
func (r *PreviewDatabases) Allocate(ctx context.Context, project, branch string) (*PreviewDatabase, error) {
	for attempt := 0; attempt < allocateRetries; attempt++ {
		pd, err := r.tryAllocate(ctx, project, branch)
		if err == nil {
			return pd, nil
		}
		if isUniqueViolation(err) {
			continue
		}
		return nil, err
	}
	return nil, ErrAuxDBPoolExhausted
}

func (r *PreviewDatabases) tryAllocate(ctx context.Context, project, branch string) (*PreviewDatabase, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin preview db allocation: %w", err)
	}
	defer tx.Rollback()

	var existing PreviewDatabase
	query := tx.Rebind(`SELECT * FROM preview_databases WHERE project = ? AND branch = ?`)
	err = tx.GetContext(ctx, &existing, query, project, branch)
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find preview db for %s/%s: %w", project, branch, err)
	}

	var used []int
	if err := tx.SelectContext(ctx, &used, `SELECT valkey_db FROM preview_databases ORDER BY valkey_db`); err != nil {
		return nil, fmt.Errorf("read allocated valkey dbs: %w", err)
	}

	slot := config.ValkeyDBMin
	for _, u := range used {
		if u < slot {
			continue
		}
		if u > slot {
			break
		}
		slot++
	}
	if slot > config.ValkeyDBMax {
		return nil, ErrAuxDBPoolExhausted
	}

	pd := PreviewDatabase{
		Project:      project,
		Branch:       branch,
		ValkeyDB:     slot,
		DatabaseName: names.DatabaseName(project, branch),
	}
	insert := tx.Rebind(`
		INSERT INTO preview_databases (project, branch, valkey_db, database_name)
		VALUES (?, ?, ?, ?)`)
	if r.db.DriverName() == "pgx" {
		if err := tx.QueryRowContext(ctx, insert+" RETURNING id",
			pd.Project, pd.Branch, pd.ValkeyDB, pd.DatabaseName).Scan(&pd.ID); err != nil {
			return nil, err
		}
	} else {
		res, err := tx.ExecContext(ctx, insert, pd.Project, pd.Branch, pd.ValkeyDB, pd.DatabaseName)
		if err != nil {
			return nil, err
		}
		if pd.ID, err = res.LastInsertId(); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &pd, nil
}

func (r *PreviewDatabases) FindByProjectAndBranch(ctx context.Context, project, branch string) (*PreviewDatabase, error) {
	var pd PreviewDatabase
	query := r.db.Rebind(`SELECT * FROM preview_databases WHERE project = ? AND branch = ?`)
	if err := r.db.GetContext(ctx, &pd, query, project, branch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find preview db for %s/%s: %w", project, branch, err)
	}
	return &pd, nil
}

// Release frees the (project, branch) reservation; absent rows are a no-op.
func (r *PreviewDatabases) Release(ctx context.Context, project, branch string) error {
	query := r.db.Rebind(`DELETE FROM preview_databases WHERE project = ? AND branch = ?`)
	if _, err := r.db.ExecContext(ctx, query, project, branch); err != nil {
		return fmt.Errorf("release preview db for %s/%s: %w", project, branch, err)
	}
	return nil
}

func (r *PreviewDatabases) IsValkeyDBAvailable(ctx context.Context, slot int) (bool, error) {
	var n int
	query := r.db.Rebind(`SELECT COUNT(*) FROM preview_databases WHERE valkey_db = ?`)
	if err := r.db.GetContext(ctx, &n, query, slot); err != nil {
		return false, fmt.Errorf("check valkey db %d: %w", slot, err)
	}
	return n == 0, nil
}
