package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/models"
)

// TemplateRepository persists models.Template records. Names are unique
// among non-deleted templates (spec §3).
type TemplateRepository struct {
	db *sql.DB
}

// NewTemplateRepository builds a TemplateRepository over an open pool.
func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

const templateColumns = `
	id, name, image, default_cpu, default_memory, default_disk,
	default_timeout_sec, pre_installed_packages, security_context,
	created_at, updated_at, deleted_at
`

// Save creates or updates a template. A unique-name violation surfaces as
// apperr.Conflict.
func (r *TemplateRepository) Save(ctx context.Context, t *models.Template) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()

	pkgs, err := json.Marshal(t.PreInstalledPackages)
	if err != nil {
		return apperr.Internal("marshal pre_installed_packages", err)
	}
	sec, err := json.Marshal(t.Security)
	if err != nil {
		return apperr.Internal("marshal security_context", err)
	}

	var exists string
	err = r.db.QueryRowContext(ctx, `
		SELECT id FROM templates WHERE name = $1 AND deleted_at IS NULL AND id != $2
	`, t.Name, t.ID).Scan(&exists)
	if err == nil {
		return apperr.Conflict(fmt.Sprintf("template name already in use: %s", t.Name))
	}
	if err != sql.ErrNoRows {
		return apperr.Internal("check template name uniqueness", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO templates (
			id, name, image, default_cpu, default_memory, default_disk,
			default_timeout_sec, pre_installed_packages, security_context,
			created_at, updated_at, deleted_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			image = EXCLUDED.image,
			default_cpu = EXCLUDED.default_cpu,
			default_memory = EXCLUDED.default_memory,
			default_disk = EXCLUDED.default_disk,
			default_timeout_sec = EXCLUDED.default_timeout_sec,
			pre_installed_packages = EXCLUDED.pre_installed_packages,
			security_context = EXCLUDED.security_context,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`, t.ID, t.Name, t.Image, t.DefaultResources.CPU, t.DefaultResources.Memory, t.DefaultResources.Disk,
		t.DefaultTimeoutSec, pkgs, sec, t.CreatedAt, t.UpdatedAt, t.DeletedAt)
	if err != nil {
		return apperr.Internal(fmt.Sprintf("save template %s", t.ID), err)
	}
	return nil
}

// FindByID loads a template by id.
func (r *TemplateRepository) FindByID(ctx context.Context, id string) (*models.Template, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+templateColumns+" FROM templates WHERE id = $1 AND deleted_at IS NULL", id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("template", id)
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("find template %s", id), err)
	}
	return t, nil
}

// FindByName loads a template by its unique name.
func (r *TemplateRepository) FindByName(ctx context.Context, name string) (*models.Template, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+templateColumns+" FROM templates WHERE name = $1 AND deleted_at IS NULL", name)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("template", name)
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("find template %s", name), err)
	}
	return t, nil
}

// List returns non-deleted templates with limit+offset.
func (r *TemplateRepository) List(ctx context.Context, limit, offset int) ([]*models.Template, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+templateColumns+` FROM templates
		WHERE deleted_at IS NULL
		ORDER BY name
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apperr.Internal("list templates", err)
	}
	defer rows.Close()

	var out []*models.Template
	for rows.Next() {
		t, err := scanTemplateRows(rows)
		if err != nil {
			return nil, apperr.Internal("scan template row", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Count returns the number of non-deleted templates.
func (r *TemplateRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM templates WHERE deleted_at IS NULL").Scan(&n)
	if err != nil {
		return 0, apperr.Internal("count templates", err)
	}
	return n, nil
}

// Delete soft-deletes a template; existing sessions referencing it are
// unaffected (spec §3: immutable w.r.t. running sessions).
func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, "UPDATE templates SET deleted_at = $1 WHERE id = $2", now, id)
	if err != nil {
		return apperr.Internal(fmt.Sprintf("delete template %s", id), err)
	}
	return nil
}

func scanTemplate(row *sql.Row) (*models.Template, error) {
	var t models.Template
	var pkgs, sec []byte
	err := row.Scan(&t.ID, &t.Name, &t.Image, &t.DefaultResources.CPU, &t.DefaultResources.Memory, &t.DefaultResources.Disk,
		&t.DefaultTimeoutSec, &pkgs, &sec, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(pkgs, &t.PreInstalledPackages)
	_ = json.Unmarshal(sec, &t.Security)
	return &t, nil
}

func scanTemplateRows(rows *sql.Rows) (*models.Template, error) {
	var t models.Template
	var pkgs, sec []byte
	err := rows.Scan(&t.ID, &t.Name, &t.Image, &t.DefaultResources.CPU, &t.DefaultResources.Memory, &t.DefaultResources.Disk,
		&t.DefaultTimeoutSec, &pkgs, &sec, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(pkgs, &t.PreInstalledPackages)
	_ = json.Unmarshal(sec, &t.Security)
	return &t, nil
}
