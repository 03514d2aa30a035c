package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kagami/internal/storage"
)

func TestIdempotency_ReplayAndMismatch(t *testing.T) {
	ctx := context.Background()
	tenant, _ := seedTwin(t)
	principal := "owner-" + uuid.NewString()[:8]
	endpoint := "POST:/v1/twins/{id}/chat"
	key := "idem-" + uuid.NewString()

	lookup, err := testDB.BeginIdempotency(ctx, tenant.ID, principal, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)

	err = testDB.CompleteIdempotency(ctx, tenant.ID, principal, endpoint, key, 200, map[string]any{"turn_id": "t1"})
	require.NoError(t, err)

	replay, err := testDB.BeginIdempotency(ctx, tenant.ID, principal, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.True(t, replay.Completed)
	assert.Equal(t, 200, replay.StatusCode)
	require.NotEmpty(t, replay.ResponseData)

	_, err = testDB.BeginIdempotency(ctx, tenant.ID, principal, endpoint, key, "hash-b")
	require.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)
}

func TestIdempotency_PrincipalScoping(t *testing.T) {
	ctx := context.Background()
	tenant, _ := seedTwin(t)
	endpoint := "POST:/v1/twins/{id}/chat"
	key := "idem-" + uuid.NewString()

	_, err := testDB.BeginIdempotency(ctx, tenant.ID, "principal-a", endpoint, key, "hash-a")
	require.NoError(t, err)

	// A different principal reusing the same key gets a fresh reservation,
	// not a collision with the first principal's in-progress turn.
	lookup, err := testDB.BeginIdempotency(ctx, tenant.ID, "principal-b", endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)
}

func TestIdempotency_StaleInProgressBlocksRetry(t *testing.T) {
	ctx := context.Background()
	tenant, _ := seedTwin(t)
	principal := "session-" + uuid.NewString()[:8]
	endpoint := "POST:/v1/share/{token}/chat"
	key := "idem-" + uuid.NewString()

	_, err := testDB.BeginIdempotency(ctx, tenant.ID, principal, endpoint, key, "hash-a")
	require.NoError(t, err)

	// A second attempt on a live reservation is refused.
	_, err = testDB.BeginIdempotency(ctx, tenant.ID, principal, endpoint, key, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress)

	// Aging the row changes nothing: the original request may have committed
	// its turn before crashing, so the reservation holds until cleanup.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE idempotency_keys SET updated_at = now() - interval '20 minutes'
		 WHERE tenant_id = $1 AND principal = $2 AND endpoint = $3 AND idempotency_key = $4`,
		tenant.ID, principal, endpoint, key,
	)
	require.NoError(t, err)

	_, err = testDB.BeginIdempotency(ctx, tenant.ID, principal, endpoint, key, "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress, "stale reservation must not be taken over")
}

func TestIdempotency_ClearInProgressAllowsRetry(t *testing.T) {
	ctx := context.Background()
	tenant, _ := seedTwin(t)
	principal := "owner-" + uuid.NewString()[:8]
	endpoint := "POST:/v1/twins/{id}/chat"
	key := "idem-" + uuid.NewString()

	_, err := testDB.BeginIdempotency(ctx, tenant.ID, principal, endpoint, key, "hash-a")
	require.NoError(t, err)

	require.NoError(t, testDB.ClearInProgressIdempotency(ctx, tenant.ID, principal, endpoint, key))

	lookup, err := testDB.BeginIdempotency(ctx, tenant.ID, principal, endpoint, key, "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)
}

func TestIdempotency_Cleanup(t *testing.T) {
	ctx := context.Background()
	tenant, _ := seedTwin(t)
	principal := "owner-" + uuid.NewString()[:8]

	// One completed key past the 7-day TTL, one in-progress past the 24h TTL.
	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO idempotency_keys (tenant_id, principal, endpoint, idempotency_key, request_hash, status, status_code, response_data, created_at, updated_at)
		 VALUES
		 ($1, $2, 'POST:/v1/twins/{id}/chat', 'old-completed', 'h1', 'completed', 200, '{"ok":true}', now() - interval '10 days', now() - interval '10 days'),
		 ($1, $2, 'POST:/v1/twins/{id}/chat', 'old-in-progress', 'h2', 'in_progress', NULL, NULL, now() - interval '3 days', now() - interval '3 days')`,
		tenant.ID, principal,
	)
	require.NoError(t, err)

	deleted, err := testDB.CleanupIdempotencyKeys(ctx, 7*24*time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(2))

	var remaining int
	err = testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM idempotency_keys
		 WHERE tenant_id = $1 AND principal = $2 AND idempotency_key IN ('old-completed', 'old-in-progress')`,
		tenant.ID, principal,
	).Scan(&remaining)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}
