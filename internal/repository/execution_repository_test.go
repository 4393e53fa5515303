package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/models"
)

func TestExecutionRepository_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewExecutionRepository(db)
	ctx := context.Background()

	exec := &models.Execution{
		SessionID: "s1",
		Code:      "print(1)",
		Language:  models.LangPython,
		Status:    models.ExecutionPending,
	}

	mock.ExpectExec("INSERT INTO executions").
		WithArgs(sqlmock.AnyArg(), exec.SessionID, exec.Code, exec.Language, exec.TimeoutSec, exec.Event,
			exec.Status, exec.ExitCode, exec.Stdout, exec.Stderr, exec.ReturnValue,
			exec.Metrics.DurationMS, exec.Metrics.CPUTimeMS, exec.Metrics.MemoryPeakMB,
			exec.RetryCount, exec.LastHeartbeatAt, exec.IdempotencyKey,
			sqlmock.AnyArg(), exec.CompletedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.Save(ctx, exec)

	require.NoError(t, err)
	assert.NotEmpty(t, exec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepository_FindByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewExecutionRepository(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM executions WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	exec, err := repo.FindByID(ctx, "missing")

	assert.Nil(t, exec)
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindNotFound, ae.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepository_ListBySession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewExecutionRepository(db)
	ctx := context.Background()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "session_id", "code", "language", "timeout_sec", "event",
		"status", "exit_code", "stdout", "stderr", "return_value",
		"duration_ms", "cpu_time_ms", "memory_peak_mb",
		"retry_count", "last_heartbeat_at", "idempotency_key",
		"created_at", "completed_at",
	}).AddRow(
		"e1", "s1", "print(1)", "python", 60, []byte(`null`),
		"COMPLETED", 0, "1\n", "", []byte(`null`),
		120, 80, 32,
		0, nil, "s1|e1|result-0",
		now, &now,
	)

	mock.ExpectQuery("SELECT (.+) FROM executions").
		WithArgs("s1", 10).
		WillReturnRows(rows)

	execs, err := repo.ListBySession(ctx, "s1", 10)

	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "e1", execs[0].ID)
	assert.Equal(t, models.ExecutionCompleted, execs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
