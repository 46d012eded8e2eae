package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrPortPoolExhausted      = errors.New("no free port in the allocation range")
	ErrPortAlreadyAllocated   = errors.New("port is already allocated")
	ErrPortAllocationConflict = errors.New("port allocation kept conflicting with concurrent allocators")
	ErrAuxDBPoolExhausted     = errors.New("no free auxiliary database slot")

	ErrProjectNotFound    = errors.New("project not found")
	ErrServiceNotFound    = errors.New("service not found")
	ErrBuildNotFound      = errors.New("build not found")
	ErrDeploymentNotFound = errors.New("deployment not found")

	// ErrBuildExists reports a duplicate (project, commit_sha) insert. The
	// caller absorbs the duplicate rather than enqueueing a second build.
	ErrBuildExists = errors.New("build already exists for this commit")
)

// isUniqueViolation detects a unique-constraint insert failure on both
// supported drivers.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// modernc.org/sqlite surfaces constraint failures as plain error strings.
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
