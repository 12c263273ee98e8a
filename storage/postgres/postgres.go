// Package postgres implements storage.Store backed by PostgreSQL.
//
// Keys are scoped by a namespace column so several console profiles can
// share one database. Expiry is stored as a nullable timestamp and enforced
// on read.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/warden/storage"
)

const queryTimeout = 5 * time.Second

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool      *pgxpool.Pool
	namespace string
	now       func() time.Time
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store that keeps its keys under namespace in pool.
func NewStore(pool *pgxpool.Pool, namespace string) *Store {
	return &Store{pool: pool, namespace: namespace, now: time.Now}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn, namespace string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool, namespace), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Get(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var value string
	var expiresAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE namespace = $1 AND key = $2`,
		s.namespace, key).Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if expiresAt != nil && !s.now().Before(*expiresAt) {
		_ = s.Delete(key)
		return "", fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return value, nil
}

func (s *Store) Set(key, value string, maxAge time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var expiresAt *time.Time
	if maxAge > 0 {
		t := s.now().Add(maxAge)
		expiresAt = &t
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_entries (namespace, key, value, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (namespace, key)
		 DO UPDATE SET value = $3, expires_at = $4, updated_at = now()`,
		s.namespace, key, value, expiresAt)
	return err
}

func (s *Store) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`DELETE FROM kv_entries WHERE namespace = $1 AND key = $2`,
		s.namespace, key)
	return err
}

// PruneExpired removes every expired entry in the store's namespace and
// reports how many rows were deleted.
func (s *Store) PruneExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM kv_entries WHERE namespace = $1 AND expires_at IS NOT NULL AND expires_at <= $2`,
		s.namespace, s.now())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
