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

// CreateShareLink inserts a new share link. The caller is responsible for
// hashing the token; plaintext tokens are never stored.
func (db *DB) CreateShareLink(ctx context.Context, link model.ShareLink) (model.ShareLink, error) {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO share_links (id, tenant_id, twin_id, token_hash, revoked_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		link.ID, link.TenantID, link.TwinID, link.TokenHash, link.RevokedAt, link.CreatedAt,
	)
	if err != nil {
		return model.ShareLink{}, fmt.Errorf("storage: create share link: %w", err)
	}
	return link, nil
}

// GetShareLink retrieves a share link by ID scoped to a tenant.
func (db *DB) GetShareLink(ctx context.Context, tenantID, id uuid.UUID) (model.ShareLink, error) {
	var l model.ShareLink
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, twin_id, token_hash, revoked_at, created_at
		 FROM share_links WHERE tenant_id = $1 AND id = $2`, tenantID, id,
	).Scan(&l.ID, &l.TenantID, &l.TwinID, &l.TokenHash, &l.RevokedAt, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ShareLink{}, fmt.Errorf("storage: share link %s: %w", id, ErrNotFound)
		}
		return model.ShareLink{}, fmt.Errorf("storage: get share link: %w", err)
	}
	return l, nil
}

// GetShareLinkByTokenHash retrieves a share link by its token hash.
// Used for anonymous access on the share endpoint, so there is no tenant scope.
func (db *DB) GetShareLinkByTokenHash(ctx context.Context, tokenHash string) (model.ShareLink, error) {
	var l model.ShareLink
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, twin_id, token_hash, revoked_at, created_at
		 FROM share_links WHERE token_hash = $1`, tokenHash,
	).Scan(&l.ID, &l.TenantID, &l.TwinID, &l.TokenHash, &l.RevokedAt, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ShareLink{}, ErrNotFound
		}
		return model.ShareLink{}, fmt.Errorf("storage: get share link by token: %w", err)
	}
	return l, nil
}

// RevokeShareLink marks a link as revoked. Revocation is permanent.
func (db *DB) RevokeShareLink(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE share_links SET revoked_at = now()
		 WHERE tenant_id = $1 AND id = $2 AND revoked_at IS NULL`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke share link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: share link %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListShareLinks returns a twin's share links, newest first.
func (db *DB) ListShareLinks(ctx context.Context, tenantID, twinID uuid.UUID) ([]model.ShareLink, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, twin_id, token_hash, revoked_at, created_at
		 FROM share_links WHERE tenant_id = $1 AND twin_id = $2 ORDER BY created_at DESC`,
		tenantID, twinID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list share links: %w", err)
	}
	defer rows.Close()

	var links []model.ShareLink
	for rows.Next() {
		var l model.ShareLink
		if err := rows.Scan(&l.ID, &l.TenantID, &l.TwinID, &l.TokenHash, &l.RevokedAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan share link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
