// Package storage is the PostgreSQL persistence layer for the mutation
// kernel and the migration subsystem.
//
// It manages connection pooling (via pgxpool), the entity row store with
// optimistic versioning, keyset list queries, doc-number allocation, the
// mutation audit log, and the migration job tables (evidence, review queue,
// signed reports). Everything here is reachable from the kernel's commit
// phase, so this package must stay free of network clients other than the
// database driver.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so row operations
// can run standalone or inside a commit transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New creates a DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Close releases the pool.
func (db *DB) Close() {
	db.pool.Close()
}

// WithTx runs fn inside a single transaction, committing on nil and rolling
// back on error or panic. Serialization and deadlock failures retry the whole
// transaction with backoff, so fn must be safe to re-run after a rollback.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return WithRetry(ctx, txMaxRetries, txRetryBaseDelay, func() error {
		return db.runTx(ctx, fn)
	})
}

func (db *DB) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() {
		// Rollback after Commit is a no-op error; ignore it.
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}
