package repository

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/config"
)

// Open establishes the PostgreSQL connection pool used by every repository,
// grounded on the teacher's api/internal/db/database.go connection-pool
// tuning (25 max open / 5 idle / 5 minute max lifetime).
func Open(cfg config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "open database connection", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "ping database", err)
	}
	return db, nil
}

// Migrate creates the schema if it does not already exist.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			image TEXT NOT NULL,
			default_cpu TEXT NOT NULL,
			default_memory TEXT NOT NULL,
			default_disk TEXT NOT NULL,
			default_timeout_sec INTEGER NOT NULL,
			pre_installed_packages JSONB NOT NULL DEFAULT '[]',
			security_context JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_name_live ON templates (name) WHERE deleted_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL,
			status TEXT NOT NULL,
			cpu TEXT NOT NULL,
			memory TEXT NOT NULL,
			disk TEXT NOT NULL,
			max_processes INTEGER NOT NULL DEFAULT 0,
			workspace_uri TEXT NOT NULL,
			runtime TEXT NOT NULL,
			runtime_node TEXT,
			container_id TEXT,
			executor_port INTEGER NOT NULL DEFAULT 0,
			env_vars JSONB NOT NULL DEFAULT '{}',
			timeout_sec INTEGER NOT NULL,
			requested_dependencies JSONB NOT NULL DEFAULT '[]',
			installed_dependencies JSONB NOT NULL DEFAULT '[]',
			dependency_install_status TEXT NOT NULL,
			install_timeout_sec INTEGER NOT NULL DEFAULT 0,
			fail_on_dependency_error BOOLEAN NOT NULL DEFAULT FALSE,
			allow_version_conflicts BOOLEAN NOT NULL DEFAULT FALSE,
			failure_reason TEXT,
			owner_label TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_activity_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_updated ON sessions (status, updated_at)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			code TEXT NOT NULL,
			language TEXT NOT NULL,
			timeout_sec INTEGER NOT NULL,
			event JSONB,
			status TEXT NOT NULL,
			exit_code INTEGER,
			stdout TEXT NOT NULL DEFAULT '',
			stderr TEXT NOT NULL DEFAULT '',
			return_value JSONB,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			cpu_time_ms BIGINT NOT NULL DEFAULT 0,
			memory_peak_mb BIGINT NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_heartbeat_at TIMESTAMPTZ,
			idempotency_key TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_session_created ON executions (session_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status, created_at)`,

		`CREATE TABLE IF NOT EXISTS runtime_nodes (
			id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			status TEXT NOT NULL,
			total_cpu DOUBLE PRECISION NOT NULL,
			total_memory_mb BIGINT NOT NULL,
			allocated_cpu DOUBLE PRECISION NOT NULL DEFAULT 0,
			allocated_memory_mb BIGINT NOT NULL DEFAULT 0,
			running_containers INTEGER NOT NULL DEFAULT 0,
			max_containers INTEGER NOT NULL,
			cached_images JSONB NOT NULL DEFAULT '[]',
			last_heartbeat TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return apperr.Wrap(apperr.KindInternal, "run schema migration", err)
		}
	}
	return nil
}
