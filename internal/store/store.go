// Package store is the persistence layer. It exposes one repository per
// entity over a shared database handle. Postgres is the production backend;
// the same schema and queries run against SQLite in tests. All cross-task
// consistency goes through database transactions, never in-process locks.
package store

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Store bundles the repositories over one database connection pool.
type Store struct {
	db *sqlx.DB

	Projects        *Projects
	Services        *Services
	Builds          *Builds
	BuildResults    *BuildResults
	Deployments     *Deployments
	Ports           *PortAllocations
	PreviewDBs      *PreviewDatabases
	DNSRecords      *DNSRecords
}

// Open connects to the database named by databaseURL and bootstraps the
// schema. URLs with a postgres scheme use the pgx driver; anything else is
// treated as a SQLite path (tests pass ":memory:").
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	driver := "sqlite"
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver = "pgx"
	}

	db, err := sqlx.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if driver == "sqlite" {
		// The allocator transactions need a single writer, and cascades
		// depend on foreign keys being enforced.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.initialize(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	s.Projects = &Projects{db: db}
	s.Services = &Services{db: db}
	s.Builds = &Builds{db: db}
	s.BuildResults = &BuildResults{db: db}
	s.Deployments = &Deployments{db: db}
	s.Ports = &PortAllocations{db: db}
	s.PreviewDBs = &PreviewDatabases{db: db}
	s.DNSRecords = &DNSRecords{db: db}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.db.DriverName() == "pgx" {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS projects (
		name TEXT PRIMARY KEY,
		repo_url TEXT NOT NULL,
		repo_type TEXT NOT NULL,
		webhook_secret TEXT NOT NULL,
		default_branch TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS services (
		id %[1]s,
		project TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		package TEXT,
		custom_domain TEXT,
		spa BOOLEAN NOT NULL DEFAULT FALSE,
		health_check_path TEXT NOT NULL DEFAULT '/health',
		health_check_timeout_secs INTEGER NOT NULL DEFAULT 30,
		preview_database BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (project, name)
	);
	CREATE TABLE IF NOT EXISTS builds (
		id %[1]s,
		project TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
		branch TEXT NOT NULL,
		git_ref TEXT NOT NULL,
		commit_sha TEXT NOT NULL,
		status TEXT NOT NULL,
		author TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		UNIQUE (project, commit_sha)
	);
	CREATE TABLE IF NOT EXISTS build_results (
		id %[1]s,
		build_id INTEGER NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
		service_name TEXT NOT NULL,
		status TEXT NOT NULL,
		store_path TEXT,
		log_path TEXT,
		error_message TEXT,
		changed BOOLEAN NOT NULL DEFAULT TRUE
	);
	CREATE TABLE IF NOT EXISTS deployments (
		id %[1]s,
		project TEXT NOT NULL,
		service TEXT NOT NULL,
		branch TEXT NOT NULL,
		branch_slug TEXT NOT NULL,
		environment TEXT NOT NULL,
		git_ref TEXT NOT NULL,
		store_path TEXT NOT NULL,
		port INTEGER,
		status TEXT NOT NULL,
		domain TEXT NOT NULL,
		dns_status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status);
	CREATE INDEX IF NOT EXISTS idx_deployments_ref ON deployments(project, git_ref, service);
	CREATE TABLE IF NOT EXISTS port_allocations (
		port INTEGER PRIMARY KEY,
		deployment_id INTEGER,
		project TEXT NOT NULL,
		service TEXT NOT NULL,
		branch TEXT NOT NULL,
		allocated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS preview_databases (
		id %[1]s,
		project TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
		branch TEXT NOT NULL,
		valkey_db INTEGER NOT NULL UNIQUE,
		database_name TEXT NOT NULL,
		UNIQUE (project, branch)
	);
	CREATE TABLE IF NOT EXISTS dns_records (
		id %[1]s,
		domain TEXT NOT NULL,
		deployment_id INTEGER,
		provider_record_id TEXT NOT NULL,
		record_type TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (domain, record_type)
	);
	`, serial)

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
