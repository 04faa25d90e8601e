// Package storage owns the PostgreSQL connection pool and the transaction
// helpers shared by every store in the core.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lightbase/lpc-backend/internal/apperr"
)

// DBTX is the common query surface satisfied by *pgxpool.Pool and pgx.Tx.
// Stores accept DBTX so callers decide whether an operation joins an
// enclosing transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is DBTX plus transaction control, satisfied by *pgxpool.Pool.
type DB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// syncLockKey is the advisory lock key serializing startup synchronization
// (permissions, mandatory roles, tenants, feature flags) across instances.
const syncLockKey = 74_392_018

// NewPostgres creates a new connection pool to PostgreSQL.
func NewPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return pool, nil
}

// WithTx runs fn inside a transaction. Rollback on error or panic, commit on
// success. Rollback is safe to call after Commit.
func WithTx(ctx context.Context, db DB, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// WithSyncLock runs fn inside a transaction holding the cross-instance
// advisory lock. The lock is transaction-scoped, so it releases on commit or
// rollback. Instances starting simultaneously serialize through this.
func WithSyncLock(ctx context.Context, db DB, fn func(tx pgx.Tx) error) error {
	return WithTx(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", syncLockKey); err != nil {
			return fmt.Errorf("failed to acquire sync lock: %w", err)
		}
		return fn(tx)
	})
}

// RequireTx guards operations that must run inside a caller-provided
// transaction. A nil tx is a programmer error and surfaces as a 500.
func RequireTx(tx pgx.Tx, key string) error {
	if tx == nil {
		return apperr.Server(key+".missingTransaction", nil)
	}
	return nil
}
