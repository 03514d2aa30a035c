package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kagami/internal/model"
)

// CreateTenant inserts a new tenant.
func (db *DB) CreateTenant(ctx context.Context, tenant model.Tenant) (model.Tenant, error) {
	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}
	now := time.Now().UTC()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, slug, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		tenant.ID, tenant.Name, tenant.Slug, tenant.CreatedAt, tenant.UpdatedAt,
	)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: create tenant: %w", err)
	}
	return tenant, nil
}

// GetTenant retrieves a tenant by ID.
func (db *DB) GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error) {
	var tenant model.Tenant
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, slug, created_at, updated_at FROM tenants WHERE id = $1`, id,
	).Scan(&tenant.ID, &tenant.Name, &tenant.Slug, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Tenant{}, ErrNotFound
		}
		return model.Tenant{}, fmt.Errorf("storage: get tenant: %w", err)
	}
	return tenant, nil
}

// GetTenantBySlug retrieves a tenant by slug.
func (db *DB) GetTenantBySlug(ctx context.Context, slug string) (model.Tenant, error) {
	var tenant model.Tenant
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, slug, created_at, updated_at FROM tenants WHERE slug = $1`, slug,
	).Scan(&tenant.ID, &tenant.Name, &tenant.Slug, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Tenant{}, ErrNotFound
		}
		return model.Tenant{}, fmt.Errorf("storage: get tenant by slug: %w", err)
	}
	return tenant, nil
}
