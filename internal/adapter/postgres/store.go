package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping reports store reachability (used by the health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Policies ---

// GetPolicy returns the raw JSON value for key, or domain.ErrNotFound.
// Callers treat a missing key as "use the default", never as a failure.
func (s *Store) GetPolicy(ctx context.Context, key string) (json.RawMessage, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM policy WHERE key = $1`, key,
	).Scan(&value)
	if err != nil {
		return nil, notFoundWrap(err, "get policy %s", key)
	}
	return value, nil
}

// SetPolicy upserts a policy value.
func (s *Store) SetPolicy(ctx context.Context, key string, value json.RawMessage, description string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO policy (key, value, description)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, description = EXCLUDED.description, updated_at = now()`,
		key, []byte(value), description)
	if err != nil {
		return fmt.Errorf("set policy %s: %w", key, err)
	}
	return nil
}
