package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

type Deployments struct {
	db *sqlx.DB
}

// Create inserts the row and returns its id. Callers insert with the final
// status: a failed deploy never commits a row at all.
func (r *Deployments) Create(ctx context.Context, d Deployment) (int64, error) {
	now := time.Now().Unix()
	query := r.db.Rebind(`
		INSERT INTO deployments
			(project, service, branch, branch_slug, environment, git_ref,
			 store_path, port, status, domain, dns_status, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	args := []any{
		d.Project, d.Service, d.Branch, d.BranchSlug, d.Environment, d.GitRef,
		d.StorePath, d.Port, d.Status, d.Domain, d.DNSStatus, now, now,
	}

	if r.db.DriverName() == "pgx" {
		var id int64
		if err := r.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert deployment: %w", err)
		}
		return id, nil
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert deployment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert deployment: %w", err)
	}
	return id, nil
}

func (r *Deployments) FindByID(ctx context.Context, id int64) (*Deployment, error) {
	var d Deployment
	query := r.db.Rebind(`SELECT * FROM deployments WHERE id = ?`)
	if err := r.db.GetContext(ctx, &d, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("find deployment %d: %w", id, err)
	}
	return &d, nil
}

// FindActiveByRef returns the active deployment for (project, git_ref,
// service), or nil when there is none. The deployer uses this to locate the
// blue/green predecessor.
func (r *Deployments) FindActiveByRef(ctx context.Context, project, gitRef, service string) (*Deployment, error) {
	var d Deployment
	query := r.db.Rebind(`
		SELECT * FROM deployments
		WHERE project = ? AND git_ref = ? AND service = ? AND status = ?
		ORDER BY id DESC LIMIT 1`)
	if err := r.db.GetContext(ctx, &d, query, project, gitRef, service, DeployActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active deployment %s/%s@%s: %w", project, service, gitRef, err)
	}
	return &d, nil
}

func (r *Deployments) ListActive(ctx context.Context) ([]Deployment, error) {
	var out []Deployment
	query := r.db.Rebind(`SELECT * FROM deployments WHERE status = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &out, query, DeployActive); err != nil {
		return nil, fmt.Errorf("list active deployments: %w", err)
	}
	return out, nil
}

// ListActiveWithServices joins active deployments against their service rows.
// The routing table is rebuilt from this view.
func (r *Deployments) ListActiveWithServices(ctx context.Context) ([]DeploymentWithService, error) {
	var out []DeploymentWithService
	query := r.db.Rebind(`
		SELECT d.*, s.custom_domain, COALESCE(s.spa, FALSE) AS spa, COALESCE(s.type, '') AS type
		FROM deployments d
		LEFT JOIN services s ON s.project = d.project AND s.name = d.service
		WHERE d.status = ?
		ORDER BY d.id`)
	if err := r.db.SelectContext(ctx, &out, query, DeployActive); err != nil {
		return nil, fmt.Errorf("list active deployments with services: %w", err)
	}
	return out, nil
}

func (r *Deployments) FindByDomain(ctx context.Context, domain string) (*Deployment, error) {
	var d Deployment
	query := r.db.Rebind(`SELECT * FROM deployments WHERE domain = ? ORDER BY id DESC LIMIT 1`)
	if err := r.db.GetContext(ctx, &d, query, domain); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeploymentNotFound
		}
		return nil, fmt.Errorf("find deployment for %s: %w", domain, err)
	}
	return &d, nil
}

func (r *Deployments) UpdateStatus(ctx context.Context, id int64, status string) error {
	query := r.db.Rebind(`UPDATE deployments SET status = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, status, id); err != nil {
		return fmt.Errorf("update deployment %d status: %w", id, err)
	}
	return nil
}

// TouchActivity refreshes last_activity so the expiry job leaves the
// deployment alone.
func (r *Deployments) TouchActivity(ctx context.Context, id int64) error {
	query := r.db.Rebind(`UPDATE deployments SET last_activity = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("touch deployment %d: %w", id, err)
	}
	return nil
}

// MarkForTeardown bulk-transitions active deployments of a branch to
// tearing_down and returns the affected ids so the caller can enqueue
// teardown requests.
func (r *Deployments) MarkForTeardown(ctx context.Context, project, branch string) ([]int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin teardown mark: %w", err)
	}
	defer tx.Rollback()

	var ids []int64
	query := tx.Rebind(`SELECT id FROM deployments WHERE project = ? AND branch = ? AND status = ? ORDER BY id`)
	if err := tx.SelectContext(ctx, &ids, query, project, branch, DeployActive); err != nil {
		return nil, fmt.Errorf("select deployments to tear down: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	update, args, err := sqlx.In(`UPDATE deployments SET status = ? WHERE id IN (?)`, DeployTearingDown, ids)
	if err != nil {
		return nil, fmt.Errorf("build teardown update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(update), args...); err != nil {
		return nil, fmt.Errorf("mark deployments tearing down: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit teardown mark: %w", err)
	}
	return ids, nil
}

// MarkIDsTearingDown transitions the given ids from active to tearing_down.
func (r *Deployments) MarkIDsTearingDown(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE deployments SET status = ? WHERE id IN (?) AND status = ?`,
		DeployTearingDown, ids, DeployActive)
	if err != nil {
		return fmt.Errorf("build teardown update: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("mark deployments tearing down: %w", err)
	}
	return nil
}

// FindExpired returns active deployments idle for longer than maxAge whose
// environment is not excluded.
func (r *Deployments) FindExpired(ctx context.Context, maxAge time.Duration, excludeEnvs []string) ([]Deployment, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	query, args, err := sqlx.In(`
		SELECT * FROM deployments
		WHERE status = ? AND last_activity < ? AND environment NOT IN (?)
		ORDER BY id`, DeployActive, cutoff, excludeEnvs)
	if err != nil {
		return nil, fmt.Errorf("build expiry query: %w", err)
	}
	var out []Deployment
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("find expired deployments: %w", err)
	}
	return out, nil
}

// CountOthersForServiceBranch counts deployments of (project, service,
// branch) other than excludeID. The teardown worker releases the branch's
// shared resources only when this reaches zero.
func (r *Deployments) CountOthersForServiceBranch(ctx context.Context, project, service, branch string, excludeID int64) (int, error) {
	var n int
	query := r.db.Rebind(`
		SELECT COUNT(*) FROM deployments
		WHERE project = ? AND service = ? AND branch = ? AND id != ?`)
	if err := r.db.GetContext(ctx, &n, query, project, service, branch, excludeID); err != nil {
		return 0, fmt.Errorf("count deployments for %s/%s@%s: %w", project, service, branch, err)
	}
	return n, nil
}

// FindByDNSStatus lists deployments whose dns_status matches. The DNS manager
// reconciles pending rows.
func (r *Deployments) FindByDNSStatus(ctx context.Context, dnsStatus string) ([]Deployment, error) {
	var out []Deployment
	query := r.db.Rebind(`SELECT * FROM deployments WHERE dns_status = ? AND status = ? ORDER BY id`)
	if err := r.db.SelectContext(ctx, &out, query, dnsStatus, DeployActive); err != nil {
		return nil, fmt.Errorf("find deployments by dns status: %w", err)
	}
	return out, nil
}

func (r *Deployments) UpdateDNSStatus(ctx context.Context, id int64, dnsStatus string) error {
	query := r.db.Rebind(`UPDATE deployments SET dns_status = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, dnsStatus, id); err != nil {
		return fmt.Errorf("update deployment %d dns status: %w", id, err)
	}
	return nil
}

func (r *Deployments) Delete(ctx context.Context, id int64) error {
	query := r.db.Rebind(`DELETE FROM deployments WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete deployment %d: %w", id, err)
	}
	return nil
}
