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

func TestTemplateRepository_Save_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewTemplateRepository(db)
	ctx := context.Background()

	tmpl := &models.Template{
		Name:              "python-3.11",
		Image:             "sandboxd/python:3.11",
		DefaultResources:  models.ResourceLimit{CPU: "1", Memory: "512Mi", Disk: "1Gi"},
		DefaultTimeoutSec: 300,
	}

	mock.ExpectQuery("SELECT id FROM templates WHERE name").
		WithArgs(tmpl.Name, sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectExec("INSERT INTO templates").
		WithArgs(sqlmock.AnyArg(), tmpl.Name, tmpl.Image, tmpl.DefaultResources.CPU, tmpl.DefaultResources.Memory, tmpl.DefaultResources.Disk,
			tmpl.DefaultTimeoutSec, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), tmpl.DeletedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.Save(ctx, tmpl)

	assert.NoError(t, err)
	assert.NotEmpty(t, tmpl.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepository_Save_DuplicateNameIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewTemplateRepository(db)
	ctx := context.Background()

	tmpl := &models.Template{Name: "python-3.11", Image: "sandboxd/python:3.11"}

	mock.ExpectQuery("SELECT id FROM templates WHERE name").
		WithArgs(tmpl.Name, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("other-id"))

	err = repo.Save(ctx, tmpl)

	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindConflict, ae.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepository_FindByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewTemplateRepository(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM templates WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	tmpl, err := repo.FindByID(ctx, "missing")

	assert.Nil(t, tmpl)
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindNotFound, ae.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepository_FindByID_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewTemplateRepository(db)
	ctx := context.Background()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "name", "image", "default_cpu", "default_memory", "default_disk",
		"default_timeout_sec", "pre_installed_packages", "security_context",
		"created_at", "updated_at", "deleted_at",
	}).AddRow(
		"t1", "python-3.11", "sandboxd/python:3.11", "1", "512Mi", "1Gi",
		300, []byte(`["numpy"]`), []byte(`{}`),
		now, now, nil,
	)

	mock.ExpectQuery("SELECT (.+) FROM templates WHERE id").
		WithArgs("t1").
		WillReturnRows(rows)

	tmpl, err := repo.FindByID(ctx, "t1")

	require.NoError(t, err)
	require.NotNil(t, tmpl)
	assert.Equal(t, "python-3.11", tmpl.Name)
	assert.Equal(t, []string{"numpy"}, tmpl.PreInstalledPackages)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepository_Count(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewTemplateRepository(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"count"}).AddRow(5)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM templates WHERE deleted_at IS NULL").
		WillReturnRows(rows)

	n, err := repo.Count(ctx)

	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
