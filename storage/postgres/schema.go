package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the kv_entries table, keyed by (namespace, key) with
// a nullable expires_at, and its expiry index. Every statement is
// IF NOT EXISTS, so NewStoreFromDSN runs it on each open.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("creating kv_entries schema: %w", err)
	}
	return nil
}
