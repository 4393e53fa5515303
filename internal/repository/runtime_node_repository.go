package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/models"
)

// RuntimeNodeRepository persists models.RuntimeNode records.
type RuntimeNodeRepository struct {
	db *sql.DB
}

// NewRuntimeNodeRepository builds a RuntimeNodeRepository over an open pool.
func NewRuntimeNodeRepository(db *sql.DB) *RuntimeNodeRepository {
	return &RuntimeNodeRepository{db: db}
}

const nodeColumns = `
	id, hostname, kind, endpoint, status,
	total_cpu, total_memory_mb, allocated_cpu, allocated_memory_mb,
	running_containers, max_containers, cached_images, last_heartbeat
`

// Save creates or updates a node record.
func (r *RuntimeNodeRepository) Save(ctx context.Context, n *models.RuntimeNode) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	images, err := json.Marshal(n.CachedImages)
	if err != nil {
		return apperr.Internal("marshal cached_images", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runtime_nodes (
			id, hostname, kind, endpoint, status,
			total_cpu, total_memory_mb, allocated_cpu, allocated_memory_mb,
			running_containers, max_containers, cached_images, last_heartbeat
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			allocated_cpu = EXCLUDED.allocated_cpu,
			allocated_memory_mb = EXCLUDED.allocated_memory_mb,
			running_containers = EXCLUDED.running_containers,
			cached_images = EXCLUDED.cached_images,
			last_heartbeat = EXCLUDED.last_heartbeat
	`, n.ID, n.Hostname, n.Kind, n.Endpoint, n.Status,
		n.TotalCPU, n.TotalMemoryMB, n.AllocatedCPU, n.AllocatedMemoryMB,
		n.RunningContainers, n.MaxContainers, images, n.LastHeartbeat)
	if err != nil {
		return apperr.Internal(fmt.Sprintf("save runtime node %s", n.ID), err)
	}
	return nil
}

// FindByID loads a node by id.
func (r *RuntimeNodeRepository) FindByID(ctx context.Context, id string) (*models.RuntimeNode, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+nodeColumns+" FROM runtime_nodes WHERE id = $1", id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("runtime_node", id)
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("find runtime node %s", id), err)
	}
	return n, nil
}

// FindByHostname loads a node by hostname.
func (r *RuntimeNodeRepository) FindByHostname(ctx context.Context, hostname string) (*models.RuntimeNode, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+nodeColumns+" FROM runtime_nodes WHERE hostname = $1", hostname)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("runtime_node", hostname)
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("find runtime node %s", hostname), err)
	}
	return n, nil
}

// ListOnline returns all ONLINE nodes, used by scheduling (spec §4.E).
func (r *RuntimeNodeRepository) ListOnline(ctx context.Context) ([]*models.RuntimeNode, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+nodeColumns+" FROM runtime_nodes WHERE status = $1", models.NodeOnline)
	if err != nil {
		return nil, apperr.Internal("list online runtime nodes", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// List returns nodes with limit+offset.
func (r *RuntimeNodeRepository) List(ctx context.Context, limit, offset int) ([]*models.RuntimeNode, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+nodeColumns+" FROM runtime_nodes ORDER BY hostname LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, apperr.Internal("list runtime nodes", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// Count returns the total number of nodes.
func (r *RuntimeNodeRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runtime_nodes").Scan(&n)
	if err != nil {
		return 0, apperr.Internal("count runtime nodes", err)
	}
	return n, nil
}

// Delete removes a node record.
func (r *RuntimeNodeRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM runtime_nodes WHERE id = $1", id)
	if err != nil {
		return apperr.Internal(fmt.Sprintf("delete runtime node %s", id), err)
	}
	return nil
}

func scanNode(row *sql.Row) (*models.RuntimeNode, error) {
	var n models.RuntimeNode
	var images []byte
	err := row.Scan(&n.ID, &n.Hostname, &n.Kind, &n.Endpoint, &n.Status,
		&n.TotalCPU, &n.TotalMemoryMB, &n.AllocatedCPU, &n.AllocatedMemoryMB,
		&n.RunningContainers, &n.MaxContainers, &images, &n.LastHeartbeat)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(images, &n.CachedImages)
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*models.RuntimeNode, error) {
	var out []*models.RuntimeNode
	for rows.Next() {
		var n models.RuntimeNode
		var images []byte
		err := rows.Scan(&n.ID, &n.Hostname, &n.Kind, &n.Endpoint, &n.Status,
			&n.TotalCPU, &n.TotalMemoryMB, &n.AllocatedCPU, &n.AllocatedMemoryMB,
			&n.RunningContainers, &n.MaxContainers, &images, &n.LastHeartbeat)
		if err != nil {
			return nil, apperr.Internal("scan runtime node row", err)
		}
		_ = json.Unmarshal(images, &n.CachedImages)
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("iterate runtime node rows", err)
	}
	return out, nil
}
