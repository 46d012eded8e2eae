package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/scottylabs/kennel/internal/config"
)

const allocateRetries = 3

type PortAllocations struct {
	db *sqlx.DB
}

// Allocate reserves the lowest free port in the range. The read-pick-insert
// runs in one transaction; the primary key on port turns a concurrent
// collision into a retry, up to allocateRetries attempts.
func (r *PortAllocations) Allocate(ctx context.Context, project, service, branch string) (int, error) {
	for attempt := 0; attempt < allocateRetries; attempt++ {
		port, err := r.tryAllocate(ctx, project, service, branch)
		if err == nil {
			return port, nil
		}
		if isUniqueViolation(err) {
			continue
		}
		return 0, err
	}
	return 0, ErrPortAllocationConflict
}

func (r *PortAllocations) tryAllocate(ctx context.Context, project, service, branch string) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin port allocation: %w", err)
	}
	defer tx.Rollback()

	var used []int
	if err := tx.SelectContext(ctx, &used, `SELECT port FROM port_allocations ORDER BY port`); err != nil {
		return 0, fmt.Errorf("read allocated ports: %w", err)
	}

	port := config.PortRangeStart
	for _, u := range used {
		if u < port {
			continue
		}
		if u > port {
			break
		}
		port++
	}
	if port > config.PortRangeEnd {
		return 0, ErrPortPoolExhausted
	}

	query := tx.Rebind(`
		INSERT INTO port_allocations (port, deployment_id, project, service, branch, allocated_at)
		VALUES (?, NULL, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, query, port, project, service, branch, time.Now().Unix()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return port, nil
}

// AssignDeployment points an allocated port at its committed deployment row.
func (r *PortAllocations) AssignDeployment(ctx context.Context, port int, deploymentID int64) error {
	query := r.db.Rebind(`UPDATE port_allocations SET deployment_id = ? WHERE port = ?`)
	if _, err := r.db.ExecContext(ctx, query, deploymentID, port); err != nil {
		return fmt.Errorf("assign port %d to deployment %d: %w", port, deploymentID, err)
	}
	return nil
}

// Release frees the port. Releasing a port that is not allocated is a no-op.
func (r *PortAllocations) Release(ctx context.Context, port int) error {
	query := r.db.Rebind(`DELETE FROM port_allocations WHERE port = ?`)
	if _, err := r.db.ExecContext(ctx, query, port); err != nil {
		return fmt.Errorf("release port %d: %w", port, err)
	}
	return nil
}

func (r *PortAllocations) IsPortAvailable(ctx context.Context, port int) (bool, error) {
	var n int
	query := r.db.Rebind(`SELECT COUNT(*) FROM port_allocations WHERE port = ?`)
	if err := r.db.GetContext(ctx, &n, query, port); err != nil {
		return false, fmt.Errorf("check port %d: %w", port, err)
	}
	return n == 0, nil
}

// List returns every allocation. The reconciler sweeps these against the
// active deployment set.
func (r *PortAllocations) List(ctx context.Context) ([]PortAllocation, error) {
	var out []PortAllocation
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM port_allocations ORDER BY port`); err != nil {
		return nil, fmt.Errorf("list port allocations: %w", err)
	}
	return out, nil
}
