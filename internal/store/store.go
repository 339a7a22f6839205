// Package store implements the transactional persistence layer on PostgreSQL
// via pgx. All cross-worker coordination lives here: FOR UPDATE SKIP LOCKED
// claims, the UNIQUE(slice_id) execution interlock, and conditional lease
// updates.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulse/internal/core"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Store is the PostgreSQL-backed core.IStore.
type Store struct {
	pool   *pgxpool.Pool
	logger core.ILogger
}

// New creates a Store over an existing pool.
func New(pool *pgxpool.Pool, logger core.ILogger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.WithField("component", "store"),
	}
}

// Connect builds a pgx pool from a DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string, logger core.ILogger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store DSN: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool, logger), nil
}

// Migrate applies the embedded schema. Statements are idempotent so repeated
// startup runs are safe.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info("Schema applied")
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks connectivity, used by health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isUniqueViolation reports whether err is a 23505 on a constraint whose name
// contains the given fragment (empty fragment matches any).
func isUniqueViolation(err error, constraintFragment string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraintFragment == "" || strings.Contains(pgErr.ConstraintName, constraintFragment)
}
