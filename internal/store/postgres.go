package store

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when a record, status row or setting does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotClaimed is returned when a queue transition's source state does not
	// match, i.e. another worker owns the item or it was already finalized.
	ErrNotClaimed = errors.New("queue item not in expected state")

	// ErrLogFinalized is returned when finishing a sync log that already completed.
	ErrLogFinalized = errors.New("sync log already finalized")
)

// PostgresStore is the durable persistence layer for the mirror table, the
// sync queue and the observability tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// GetSetting returns the persisted value for key. ok is false when unset.
func (p *PostgresStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := p.pool.QueryRow(ctx, `SELECT value FROM sync_settings WHERE key=$1`, key).Scan(&v)
	if isNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetSetting upserts a persisted setting.
func (p *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sync_settings(key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	return err
}

// InitSetting stores value only when key is unset, so a configured default
// never overrides an operator's persisted choice.
func (p *PostgresStore) InitSetting(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sync_settings(key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO NOTHING
	`, key, value)
	return err
}
