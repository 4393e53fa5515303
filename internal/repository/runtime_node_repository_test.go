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

func TestRuntimeNodeRepository_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRuntimeNodeRepository(db)
	ctx := context.Background()

	node := &models.RuntimeNode{
		Hostname:      "node-1",
		Kind:          models.RuntimeLocal,
		Endpoint:      "tcp://node-1:2376",
		Status:        models.NodeOnline,
		TotalCPU:      8,
		TotalMemoryMB: 16384,
		MaxContainers: 20,
		LastHeartbeat: time.Now(),
	}

	mock.ExpectExec("INSERT INTO runtime_nodes").
		WithArgs(sqlmock.AnyArg(), node.Hostname, node.Kind, node.Endpoint, node.Status,
			node.TotalCPU, node.TotalMemoryMB, node.AllocatedCPU, node.AllocatedMemoryMB,
			node.RunningContainers, node.MaxContainers, sqlmock.AnyArg(), node.LastHeartbeat).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = repo.Save(ctx, node)

	assert.NoError(t, err)
	assert.NotEmpty(t, node.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRuntimeNodeRepository_FindByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRuntimeNodeRepository(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM runtime_nodes WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	node, err := repo.FindByID(ctx, "missing")

	assert.Nil(t, node)
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindNotFound, ae.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRuntimeNodeRepository_ListOnline(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRuntimeNodeRepository(db)
	ctx := context.Background()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "hostname", "kind", "endpoint", "status",
		"total_cpu", "total_memory_mb", "allocated_cpu", "allocated_memory_mb",
		"running_containers", "max_containers", "cached_images", "last_heartbeat",
	}).AddRow(
		"n1", "node-1", "local", "tcp://node-1:2376", "ONLINE",
		8.0, int64(16384), 2.0, int64(4096),
		3, 20, []byte(`["sandboxd/python:3.11"]`), now,
	)

	mock.ExpectQuery("SELECT (.+) FROM runtime_nodes WHERE status").
		WithArgs(models.NodeOnline).
		WillReturnRows(rows)

	nodes, err := repo.ListOnline(ctx)

	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-1", nodes[0].Hostname)
	assert.Equal(t, []string{"sandboxd/python:3.11"}, nodes[0].CachedImages)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRuntimeNodeRepository_Count(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRuntimeNodeRepository(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"count"}).AddRow(2)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM runtime_nodes").
		WillReturnRows(rows)

	n, err := repo.Count(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRuntimeNodeRepository_Delete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRuntimeNodeRepository(db)
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM runtime_nodes WHERE id").
		WithArgs("n1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Delete(ctx, "n1")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
