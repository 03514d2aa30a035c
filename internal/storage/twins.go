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

// CreateTwin inserts a new twin.
func (db *DB) CreateTwin(ctx context.Context, twin model.Twin) (model.Twin, error) {
	if twin.ID == uuid.Nil {
		twin.ID = uuid.New()
	}
	now := time.Now().UTC()
	if twin.CreatedAt.IsZero() {
		twin.CreatedAt = now
	}
	twin.UpdatedAt = now
	if twin.ForbiddenTopics == nil {
		twin.ForbiddenTopics = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO twins (id, tenant_id, name, constitution, persona_policy, voice_guide,
		 fallback_text, forbidden_topics, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		twin.ID, twin.TenantID, twin.Name, twin.Constitution, twin.PersonaPolicy, twin.VoiceGuide,
		twin.FallbackText, twin.ForbiddenTopics, twin.CreatedAt, twin.UpdatedAt,
	)
	if err != nil {
		return model.Twin{}, fmt.Errorf("storage: create twin: %w", err)
	}
	return twin, nil
}

// GetTwin retrieves a twin by ID scoped to a tenant.
func (db *DB) GetTwin(ctx context.Context, tenantID, id uuid.UUID) (model.Twin, error) {
	var t model.Twin
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, constitution, persona_policy, voice_guide,
		 fallback_text, forbidden_topics, created_at, updated_at
		 FROM twins WHERE tenant_id = $1 AND id = $2`, tenantID, id,
	).Scan(
		&t.ID, &t.TenantID, &t.Name, &t.Constitution, &t.PersonaPolicy, &t.VoiceGuide,
		&t.FallbackText, &t.ForbiddenTopics, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Twin{}, fmt.Errorf("storage: twin %s: %w", id, ErrNotFound)
		}
		return model.Twin{}, fmt.Errorf("storage: get twin: %w", err)
	}
	return t, nil
}

// GetTwinGlobal retrieves a twin by ID without a tenant scope.
// Used ONLY for public endpoints (widget, share) where the tenant is derived
// from the twin itself rather than from credentials.
func (db *DB) GetTwinGlobal(ctx context.Context, id uuid.UUID) (model.Twin, error) {
	var t model.Twin
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, constitution, persona_policy, voice_guide,
		 fallback_text, forbidden_topics, created_at, updated_at
		 FROM twins WHERE id = $1`, id,
	).Scan(
		&t.ID, &t.TenantID, &t.Name, &t.Constitution, &t.PersonaPolicy, &t.VoiceGuide,
		&t.FallbackText, &t.ForbiddenTopics, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Twin{}, fmt.Errorf("storage: twin %s: %w", id, ErrNotFound)
		}
		return model.Twin{}, fmt.Errorf("storage: get twin global: %w", err)
	}
	return t, nil
}

// ListTwins returns twins within a tenant with pagination.
// limit is clamped to [1, 1000] with a default of 200; offset must be non-negative.
func (db *DB) ListTwins(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]model.Twin, error) {
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
		`SELECT id, tenant_id, name, constitution, persona_policy, voice_guide,
		 fallback_text, forbidden_topics, created_at, updated_at
		 FROM twins WHERE tenant_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list twins: %w", err)
	}
	defer rows.Close()

	var twins []model.Twin
	for rows.Next() {
		var t model.Twin
		if err := rows.Scan(
			&t.ID, &t.TenantID, &t.Name, &t.Constitution, &t.PersonaPolicy, &t.VoiceGuide,
			&t.FallbackText, &t.ForbiddenTopics, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan twin: %w", err)
		}
		twins = append(twins, t)
	}
	return twins, rows.Err()
}

// UpdateTwinPolicies performs a partial update of a twin's policy text fields.
// Only non-nil fields are applied (COALESCE pattern). Returns the updated twin.
func (db *DB) UpdateTwinPolicies(
	ctx context.Context,
	tenantID, id uuid.UUID,
	constitution, personaPolicy, voiceGuide, fallbackText *string,
	forbiddenTopics []string,
) (model.Twin, error) {
	var t model.Twin
	err := db.pool.QueryRow(ctx,
		`UPDATE twins
		 SET constitution = COALESCE($1, constitution),
		     persona_policy = COALESCE($2, persona_policy),
		     voice_guide = COALESCE($3, voice_guide),
		     fallback_text = COALESCE($4, fallback_text),
		     forbidden_topics = COALESCE($5, forbidden_topics),
		     updated_at = now()
		 WHERE tenant_id = $6 AND id = $7
		 RETURNING id, tenant_id, name, constitution, persona_policy, voice_guide,
		           fallback_text, forbidden_topics, created_at, updated_at`,
		constitution, personaPolicy, voiceGuide, fallbackText, forbiddenTopics, tenantID, id,
	).Scan(
		&t.ID, &t.TenantID, &t.Name, &t.Constitution, &t.PersonaPolicy, &t.VoiceGuide,
		&t.FallbackText, &t.ForbiddenTopics, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Twin{}, fmt.Errorf("storage: twin %s: %w", id, ErrNotFound)
		}
		return model.Twin{}, fmt.Errorf("storage: update twin policies: %w", err)
	}
	return t, nil
}
