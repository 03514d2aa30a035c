package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIdempotencyPayloadMismatch: the key was reused under the same
	// (tenant, principal, endpoint) with a different request hash.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress: another request holds this key's reservation.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")
)

// IdempotencyLookup is the outcome of a reservation attempt. Completed means
// a stored response exists and must be replayed.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// BeginIdempotency reserves key for this request. Principal is the owner id
// on authenticated routes and the client session key on public ones.
//
// A zero-value lookup with nil error means the caller owns processing.
// Completed=true means replay the stored response. ErrIdempotencyInProgress
// means back off; a stale in-progress reservation is never taken over, since
// the original request may have committed its turn and crashed before
// recording the response. CleanupIdempotencyKeys unblocks those eventually.
func (db *DB) BeginIdempotency(
	ctx context.Context,
	tenantID uuid.UUID,
	principal, endpoint, key, requestHash string,
) (IdempotencyLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (tenant_id, principal, endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, $4, $5, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		tenantID, principal, endpoint, key, requestHash,
	)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyLookup{}, nil // caller owns processing
	}
	return db.classifyExistingKey(ctx, tenantID, principal, endpoint, key, requestHash)
}

// classifyExistingKey maps an already-reserved key onto replay, mismatch, or
// in-progress.
func (db *DB) classifyExistingKey(
	ctx context.Context,
	tenantID uuid.UUID,
	principal, endpoint, key, requestHash string,
) (IdempotencyLookup, error) {
	var (
		storedHash   string
		status       string
		statusCode   *int
		responseData []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT request_hash, status, status_code, response_data FROM idempotency_keys
		 WHERE tenant_id = $1 AND principal = $2 AND endpoint = $3 AND idempotency_key = $4`,
		tenantID, principal, endpoint, key,
	).Scan(&storedHash, &status, &statusCode, &responseData)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: lookup idempotency: %w", err)
	}

	switch {
	case storedHash != requestHash:
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	case status != "completed":
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	}

	code := 0
	if statusCode != nil {
		code = *statusCode
	}
	return IdempotencyLookup{
		Completed:    true,
		StatusCode:   code,
		ResponseData: responseData,
	}, nil
}

// CompleteIdempotency stores the final response for a previously reserved key.
func (db *DB) CompleteIdempotency(
	ctx context.Context,
	tenantID uuid.UUID,
	principal, endpoint, key string,
	statusCode int,
	responseData any,
) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed',
		     status_code = $5,
		     response_data = $6::jsonb,
		     updated_at = now()
		 WHERE tenant_id = $1 AND principal = $2 AND endpoint = $3 AND idempotency_key = $4
		   AND status = 'in_progress'`,
		tenantID, principal, endpoint, key, statusCode, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency: key not found or not in_progress")
	}
	return nil
}

// ClearInProgressIdempotency removes an in-progress reservation so the client can retry.
func (db *DB) ClearInProgressIdempotency(
	ctx context.Context,
	tenantID uuid.UUID,
	principal, endpoint, key string,
) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE tenant_id = $1 AND principal = $2 AND endpoint = $3 AND idempotency_key = $4
		   AND status = 'in_progress'`,
		tenantID, principal, endpoint, key,
	)
	if err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes old completed records and abandoned in-progress records.
func (db *DB) CleanupIdempotencyKeys(
	ctx context.Context,
	completedTTL, inProgressTTL time.Duration,
) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < now() - ($1 * interval '1 microsecond'))
		    OR (status = 'in_progress' AND updated_at < now() - ($2 * interval '1 microsecond'))`,
		completedTTL.Microseconds(), inProgressTTL.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
