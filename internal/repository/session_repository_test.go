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

func TestSessionRepository_Save_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSessionRepository(db)
	ctx := context.Background()

	sess := &models.Session{
		TemplateID: "tmpl-1",
		Status:     models.SessionCreating,
		Resources:  models.ResourceLimit{CPU: "1", Memory: "512Mi", Disk: "1Gi"},
		Runtime:    models.RuntimeLocal,
	}

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(sqlmock.AnyArg(), sess.TemplateID, sess.Status, sess.Resources.CPU, sess.Resources.Memory, sess.Resources.Disk, sess.Resources.MaxProcesses,
			sess.WorkspaceURI, sess.Runtime, sqlmock.AnyArg(), sqlmock.AnyArg(), sess.ExecutorPort,
			sqlmock.AnyArg(), sess.TimeoutSec, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sess.DependencyInstallStatus, sess.InstallTimeoutSec, sess.FailOnDependencyError,
			sess.AllowVersionConflicts, sess.FailureReason, sess.OwnerLabel,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sess.CompletedAt, 0, 0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.Save(ctx, sess)

	assert.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, 1, sess.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_Save_VersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSessionRepository(db)
	ctx := context.Background()

	sess := &models.Session{ID: "s1", TemplateID: "tmpl-1", Status: models.SessionRunning, Version: 3}

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.Save(ctx, sess)

	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindConflict, ae.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_FindByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSessionRepository(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	sess, err := repo.FindByID(ctx, "missing")

	assert.Nil(t, sess)
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindNotFound, ae.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_FindByID_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSessionRepository(db)
	ctx := context.Background()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "template_id", "status", "cpu", "memory", "disk", "max_processes",
		"workspace_uri", "runtime", "runtime_node", "container_id", "executor_port",
		"env_vars", "timeout_sec", "requested_dependencies", "installed_dependencies",
		"dependency_install_status", "install_timeout_sec", "fail_on_dependency_error",
		"allow_version_conflicts", "failure_reason", "owner_label",
		"created_at", "updated_at", "last_activity_at", "completed_at", "version",
	}).AddRow(
		"s1", "tmpl-1", "RUNNING", "1", "512Mi", "1Gi", 0,
		"objstore://bucket/s1/", "local", "node-1", "cnt-1", 9000,
		[]byte(`{}`), 300, []byte(`[]`), []byte(`[]`),
		"COMPLETED", 0, false,
		false, "", "",
		now, now, now, nil, 2,
	)

	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("s1").
		WillReturnRows(rows)

	sess, err := repo.FindByID(ctx, "s1")

	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, models.SessionRunning, sess.Status)
	assert.Equal(t, "node-1", sess.RuntimeNode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_Count(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSessionRepository(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"count"}).AddRow(3)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM sessions WHERE status").
		WithArgs(models.SessionRunning).
		WillReturnRows(rows)

	n, err := repo.Count(ctx, models.SessionRunning)

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
