// PostgreSQL KV implementation backed by pgx.
//
// Two tables: kv_entries (key/value/expiry) and kv_sets (key/member).
// SetNX relies on INSERT ... ON CONFLICT DO NOTHING so the conditional-set
// is atomic across instances.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Postgres implements KV on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and ensures the KV tables exist.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate kv tables: %w", err)
	}

	log.Info().Msg("Postgres KV store initialized")
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv_entries (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			expires_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS kv_sets (
			key    TEXT NOT NULL,
			member TEXT NOT NULL,
			PRIMARY KEY (key, member)
		);
	`)
	return err
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt *time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE key = $1`, key,
	).Scan(&value, &expiresAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %q: %w", key, err)
	}
	if expiresAt != nil && time.Now().After(*expiresAt) {
		// Lazy eviction: the row is dead, remove it best-effort.
		p.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1 AND expires_at < now()`, key)
		return nil, &ErrNotFound{Key: key}
	}
	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, expiry(ttl))
	if err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	// Expired rows must not block a new claim.
	p.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1 AND expires_at < now()`, key)

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, key, value, expiry(ttl))
	if err != nil {
		return false, fmt.Errorf("kv setnx %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) SAdd(ctx context.Context, key, member string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv_sets (key, member) VALUES ($1, $2)
		ON CONFLICT (key, member) DO NOTHING
	`, key, member)
	if err != nil {
		return fmt.Errorf("kv sadd %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT member FROM kv_sets WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("kv smembers %q: %w", key, err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().Add(ttl)
	return &t
}
