// Package storage is Kagami's Postgres layer: a pgxpool for queries (routed
// through PgBouncer in production), one dedicated direct connection for
// LISTEN/NOTIFY, COPY-based batch writes for response traces, and the raw
// SQL behind every table.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// DB bundles the query pool with the notify connection. The notify
// connection bypasses PgBouncer, which cannot carry LISTEN in transaction
// pooling mode.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

// New opens the pool on poolDSN and, when notifyDSN is non-empty, the
// dedicated notify connection. The pool is pinged before returning so a bad
// DSN fails at startup, not on the first query.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	// pgvector types must be registered per connection for COPY to encode
	// vectors. Registration fails harmlessly before migrations create the
	// extension; connections opened afterwards pick the types up.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered yet", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{pool: pool, notifyConn: notifyConn, logger: logger}, nil
}

// Pool exposes the underlying pgxpool for packages that need COPY or
// pool-level metrics.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// NotifyConn returns the LISTEN/NOTIFY connection, nil when not configured.
func (db *DB) NotifyConn() *pgx.Conn { return db.notifyConn }

// Ping checks database connectivity.
func (db *DB) Ping(ctx context.Context) error { return db.pool.Ping(ctx) }

// Close releases the pool and the notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
