// Package repository implements persistence for the control plane's four
// entities over database/sql + lib/pq, grounded on the teacher's
// api/internal/db/sessions.go (COALESCE-guarded selects, ON CONFLICT
// upserts, explicit rows.Close/rows.Err handling).
//
// Repositories are pure adapters: they never enforce state-machine or
// scheduling rules, only CRUD and indexed queries (spec §4.A).
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/models"
)

// SessionRepository persists models.Session records.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository builds a SessionRepository over an open pool.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Save creates or updates a session by primary key (spec §4.A).
func (r *SessionRepository) Save(ctx context.Context, s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = time.Now()

	envVars, err := json.Marshal(s.EnvVars)
	if err != nil {
		return apperr.Internal("marshal session env_vars", err)
	}
	reqDeps, err := json.Marshal(s.RequestedDependencies)
	if err != nil {
		return apperr.Internal("marshal requested_dependencies", err)
	}
	instDeps, err := json.Marshal(s.InstalledDependencies)
	if err != nil {
		return apperr.Internal("marshal installed_dependencies", err)
	}

	query := `
		INSERT INTO sessions (
			id, template_id, status, cpu, memory, disk, max_processes,
			workspace_uri, runtime, runtime_node, container_id, executor_port,
			env_vars, timeout_sec, requested_dependencies, installed_dependencies,
			dependency_install_status, install_timeout_sec, fail_on_dependency_error,
			allow_version_conflicts, failure_reason, owner_label,
			created_at, updated_at, last_activity_at, completed_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			runtime_node = EXCLUDED.runtime_node,
			container_id = EXCLUDED.container_id,
			executor_port = EXCLUDED.executor_port,
			installed_dependencies = EXCLUDED.installed_dependencies,
			dependency_install_status = EXCLUDED.dependency_install_status,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = EXCLUDED.updated_at,
			last_activity_at = EXCLUDED.last_activity_at,
			completed_at = EXCLUDED.completed_at,
			version = sessions.version + 1
		WHERE sessions.version = $28
	`

	result, err := r.db.ExecContext(ctx, query,
		s.ID, s.TemplateID, s.Status, s.Resources.CPU, s.Resources.Memory, s.Resources.Disk, s.Resources.MaxProcesses,
		s.WorkspaceURI, s.Runtime, nullString(s.RuntimeNode), nullString(s.ContainerID), s.ExecutorPort,
		envVars, s.TimeoutSec, reqDeps, instDeps,
		s.DependencyInstallStatus, s.InstallTimeoutSec, s.FailOnDependencyError,
		s.AllowVersionConflicts, s.FailureReason, s.OwnerLabel,
		s.CreatedAt, s.UpdatedAt, s.LastActivityAt, s.CompletedAt, s.Version,
		s.Version,
	)
	if err != nil {
		return apperr.Internal(fmt.Sprintf("save session %s", s.ID), err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperr.Conflict(fmt.Sprintf("session %s was concurrently modified", s.ID))
	}
	s.Version++
	return nil
}

const sessionColumns = `
	id, template_id, status, cpu, memory, disk, max_processes,
	workspace_uri, runtime, COALESCE(runtime_node, ''), COALESCE(container_id, ''), executor_port,
	env_vars, timeout_sec, requested_dependencies, installed_dependencies,
	dependency_install_status, install_timeout_sec, fail_on_dependency_error,
	allow_version_conflicts, COALESCE(failure_reason, ''), COALESCE(owner_label, ''),
	created_at, updated_at, last_activity_at, completed_at, version
`

// FindByID loads a session by id.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = $1", id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("session", id)
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("find session %s", id), err)
	}
	return s, nil
}

// FindByStatus lists sessions in the given status.
func (r *SessionRepository) FindByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE status = $1 ORDER BY created_at", status)
	if err != nil {
		return nil, apperr.Internal("find sessions by status", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// FindIdle returns RUNNING/CREATING sessions idle since before the cutoff.
func (r *SessionRepository) FindIdle(ctx context.Context, activityBefore time.Time) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('CREATING','RUNNING') AND last_activity_at < $1
		ORDER BY last_activity_at ASC
	`, activityBefore)
	if err != nil {
		return nil, apperr.Internal("find idle sessions", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// FindExpired returns RUNNING/CREATING sessions created before the cutoff.
func (r *SessionRepository) FindExpired(ctx context.Context, createdBefore time.Time) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('CREATING','RUNNING') AND created_at < $1
		ORDER BY created_at ASC
	`, createdBefore)
	if err != nil {
		return nil, apperr.Internal("find expired sessions", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// List returns sessions filtered by status/template with limit+offset.
func (r *SessionRepository) List(ctx context.Context, status models.SessionStatus, templateID string, limit, offset int) ([]*models.Session, error) {
	var b strings.Builder
	b.WriteString("SELECT " + sessionColumns + " FROM sessions WHERE 1=1")
	args := []interface{}{}
	idx := 1
	if status != "" {
		b.WriteString(fmt.Sprintf(" AND status = $%d", idx))
		args = append(args, status)
		idx++
	}
	if templateID != "" {
		b.WriteString(fmt.Sprintf(" AND template_id = $%d", idx))
		args = append(args, templateID)
		idx++
	}
	b.WriteString(" ORDER BY created_at DESC")
	b.WriteString(fmt.Sprintf(" LIMIT $%d OFFSET $%d", idx, idx+1))
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, apperr.Internal("list sessions", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// Count returns the total number of sessions matching the status filter
// (empty status counts all sessions).
func (r *SessionRepository) Count(ctx context.Context, status models.SessionStatus) (int, error) {
	var n int
	var err error
	if status == "" {
		err = r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n)
	} else {
		err = r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE status = $1", status).Scan(&n)
	}
	if err != nil {
		return 0, apperr.Internal("count sessions", err)
	}
	return n, nil
}

// Delete hard-deletes a session row. Sessions are never deleted by normal
// operation (spec §3); this exists for administrative/test cleanup only.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = $1", id)
	if err != nil {
		return apperr.Internal(fmt.Sprintf("delete session %s", id), err)
	}
	return nil
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var s models.Session
	var envVars, reqDeps, instDeps []byte
	var runtimeNode, containerID sql.NullString
	err := row.Scan(
		&s.ID, &s.TemplateID, &s.Status, &s.Resources.CPU, &s.Resources.Memory, &s.Resources.Disk, &s.Resources.MaxProcesses,
		&s.WorkspaceURI, &s.Runtime, &runtimeNode, &containerID, &s.ExecutorPort,
		&envVars, &s.TimeoutSec, &reqDeps, &instDeps,
		&s.DependencyInstallStatus, &s.InstallTimeoutSec, &s.FailOnDependencyError,
		&s.AllowVersionConflicts, &s.FailureReason, &s.OwnerLabel,
		&s.CreatedAt, &s.UpdatedAt, &s.LastActivityAt, &s.CompletedAt, &s.Version,
	)
	if err != nil {
		return nil, err
	}
	s.RuntimeNode = runtimeNode.String
	s.ContainerID = containerID.String
	_ = json.Unmarshal(envVars, &s.EnvVars)
	_ = json.Unmarshal(reqDeps, &s.RequestedDependencies)
	_ = json.Unmarshal(instDeps, &s.InstalledDependencies)
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*models.Session, error) {
	var out []*models.Session
	for rows.Next() {
		var s models.Session
		var envVars, reqDeps, instDeps []byte
		var runtimeNode, containerID sql.NullString
		err := rows.Scan(
			&s.ID, &s.TemplateID, &s.Status, &s.Resources.CPU, &s.Resources.Memory, &s.Resources.Disk, &s.Resources.MaxProcesses,
			&s.WorkspaceURI, &s.Runtime, &runtimeNode, &containerID, &s.ExecutorPort,
			&envVars, &s.TimeoutSec, &reqDeps, &instDeps,
			&s.DependencyInstallStatus, &s.InstallTimeoutSec, &s.FailOnDependencyError,
			&s.AllowVersionConflicts, &s.FailureReason, &s.OwnerLabel,
			&s.CreatedAt, &s.UpdatedAt, &s.LastActivityAt, &s.CompletedAt, &s.Version,
		)
		if err != nil {
			return nil, apperr.Internal("scan session row", err)
		}
		s.RuntimeNode = runtimeNode.String
		s.ContainerID = containerID.String
		_ = json.Unmarshal(envVars, &s.EnvVars)
		_ = json.Unmarshal(reqDeps, &s.RequestedDependencies)
		_ = json.Unmarshal(instDeps, &s.InstalledDependencies)
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("iterate session rows", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
