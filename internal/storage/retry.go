package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	txRetryAttempts  = 3
	txRetryBaseDelay = 25 * time.Millisecond
)

// Serialization failures and deadlocks are the two Postgres outcomes where
// rerunning the same transaction is expected to succeed. Everything else
// propagates.
func retriablePgError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// WithRetry reruns fn on transient Postgres conflicts, up to maxRetries
// additional attempts, backing off exponentially from baseDelay with jitter.
// The final error is returned unwrapped so callers can still inspect it.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !retriablePgError(err) || attempt == maxRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
