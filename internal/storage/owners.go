package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kagami/internal/model"
)

// CreateOwner inserts a new tenant member.
func (db *DB) CreateOwner(ctx context.Context, owner model.Owner) (model.Owner, error) {
	if owner.ID == uuid.Nil {
		owner.ID = uuid.New()
	}
	now := time.Now().UTC()
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = now
	}
	owner.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO owners (id, tenant_id, email, name, role, api_key_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		owner.ID, owner.TenantID, owner.Email, owner.Name, string(owner.Role),
		owner.APIKeyHash, owner.CreatedAt, owner.UpdatedAt,
	)
	if err != nil {
		return model.Owner{}, fmt.Errorf("storage: create owner: %w", err)
	}
	return owner, nil
}

// GetOwner retrieves an owner by ID, scoped to a tenant for defense-in-depth
// tenant isolation.
func (db *DB) GetOwner(ctx context.Context, tenantID, id uuid.UUID) (model.Owner, error) {
	var o model.Owner
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, email, name, role, api_key_hash, created_at, updated_at
		 FROM owners WHERE tenant_id = $1 AND id = $2`, tenantID, id,
	).Scan(&o.ID, &o.TenantID, &o.Email, &o.Name, &o.Role, &o.APIKeyHash, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Owner{}, fmt.Errorf("storage: owner %s: %w", id, ErrNotFound)
		}
		return model.Owner{}, fmt.Errorf("storage: get owner: %w", err)
	}
	return o, nil
}

// GetOwnersByEmailGlobal returns all owners with the given email across all
// tenants. Used ONLY for authentication (token issuance) where the tenant
// isn't known yet. Returns all matches so the caller can verify credentials
// against each one, preventing cross-tenant confusion when emails collide.
func (db *DB) GetOwnersByEmailGlobal(ctx context.Context, email string) ([]model.Owner, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, email, name, role, api_key_hash, created_at, updated_at
		 FROM owners WHERE email = $1 ORDER BY created_at ASC`, email,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get owners by email: %w", err)
	}
	defer rows.Close()

	var owners []model.Owner
	for rows.Next() {
		var o model.Owner
		if err := rows.Scan(&o.ID, &o.TenantID, &o.Email, &o.Name, &o.Role, &o.APIKeyHash, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan owner: %w", err)
		}
		owners = append(owners, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: get owners by email: %w", err)
	}
	if len(owners) == 0 {
		return nil, fmt.Errorf("storage: owner %s: %w", email, ErrNotFound)
	}
	return owners, nil
}

// ListOwners returns tenant members with pagination.
// limit is clamped to [1, 1000] with a default of 200; offset must be non-negative.
func (db *DB) ListOwners(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]model.Owner, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, email, name, role, api_key_hash, created_at, updated_at
		 FROM owners WHERE tenant_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list owners: %w", err)
	}
	defer rows.Close()

	var owners []model.Owner
	for rows.Next() {
		var o model.Owner
		if err := rows.Scan(&o.ID, &o.TenantID, &o.Email, &o.Name, &o.Role, &o.APIKeyHash, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan owner: %w", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}
