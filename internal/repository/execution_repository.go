package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/models"
)

// ExecutionRepository persists models.Execution records.
type ExecutionRepository struct {
	db *sql.DB
}

// NewExecutionRepository builds an ExecutionRepository over an open pool.
func NewExecutionRepository(db *sql.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

const executionColumns = `
	id, session_id, code, language, timeout_sec, event,
	status, exit_code, stdout, stderr, return_value,
	duration_ms, cpu_time_ms, memory_peak_mb,
	retry_count, last_heartbeat_at, idempotency_key,
	created_at, completed_at
`

// Save creates or updates an execution by primary key.
func (r *ExecutionRepository) Save(ctx context.Context, e *models.Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO executions (
			id, session_id, code, language, timeout_sec, event,
			status, exit_code, stdout, stderr, return_value,
			duration_ms, cpu_time_ms, memory_peak_mb,
			retry_count, last_heartbeat_at, idempotency_key,
			created_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			exit_code = EXCLUDED.exit_code,
			stdout = EXCLUDED.stdout,
			stderr = EXCLUDED.stderr,
			return_value = EXCLUDED.return_value,
			duration_ms = EXCLUDED.duration_ms,
			cpu_time_ms = EXCLUDED.cpu_time_ms,
			memory_peak_mb = EXCLUDED.memory_peak_mb,
			retry_count = EXCLUDED.retry_count,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			idempotency_key = EXCLUDED.idempotency_key,
			completed_at = EXCLUDED.completed_at
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.SessionID, e.Code, e.Language, e.TimeoutSec, e.Event,
		e.Status, e.ExitCode, e.Stdout, e.Stderr, e.ReturnValue,
		e.Metrics.DurationMS, e.Metrics.CPUTimeMS, e.Metrics.MemoryPeakMB,
		e.RetryCount, e.LastHeartbeatAt, e.IdempotencyKey,
		e.CreatedAt, e.CompletedAt,
	)
	if err != nil {
		return apperr.Internal(fmt.Sprintf("save execution %s", e.ID), err)
	}
	return nil
}

// FindByID loads an execution by id.
func (r *ExecutionRepository) FindByID(ctx context.Context, id string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = $1", id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("execution", id)
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("find execution %s", id), err)
	}
	return e, nil
}

// ListBySession returns a session's executions sorted by created_at desc.
func (r *ExecutionRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, apperr.Internal("list executions by session", err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, apperr.Internal("scan execution row", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("iterate execution rows", err)
	}
	return out, nil
}

// FindByStatus lists executions in the given status (used by retry/crash
// reconciliation and tests).
func (r *ExecutionRepository) FindByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE status = $1", status)
	if err != nil {
		return nil, apperr.Internal("find executions by status", err)
	}
	defer rows.Close()
	var out []*models.Execution
	for rows.Next() {
		e, err := scanExecutionRows(rows)
		if err != nil {
			return nil, apperr.Internal("scan execution row", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete hard-deletes an execution row (administrative/test use only;
// executions are never deleted by normal operation).
func (r *ExecutionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM executions WHERE id = $1", id)
	if err != nil {
		return apperr.Internal(fmt.Sprintf("delete execution %s", id), err)
	}
	return nil
}

func scanExecution(row *sql.Row) (*models.Execution, error) {
	var e models.Execution
	err := row.Scan(
		&e.ID, &e.SessionID, &e.Code, &e.Language, &e.TimeoutSec, &e.Event,
		&e.Status, &e.ExitCode, &e.Stdout, &e.Stderr, &e.ReturnValue,
		&e.Metrics.DurationMS, &e.Metrics.CPUTimeMS, &e.Metrics.MemoryPeakMB,
		&e.RetryCount, &e.LastHeartbeatAt, &e.IdempotencyKey,
		&e.CreatedAt, &e.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanExecutionRows(rows *sql.Rows) (*models.Execution, error) {
	var e models.Execution
	err := rows.Scan(
		&e.ID, &e.SessionID, &e.Code, &e.Language, &e.TimeoutSec, &e.Event,
		&e.Status, &e.ExitCode, &e.Stdout, &e.Stderr, &e.ReturnValue,
		&e.Metrics.DurationMS, &e.Metrics.CPUTimeMS, &e.Metrics.MemoryPeakMB,
		&e.RetryCount, &e.LastHeartbeatAt, &e.IdempotencyKey,
		&e.CreatedAt, &e.CompletedAt,
	)
	return &e, err
}
