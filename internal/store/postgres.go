package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresKV implements KV on a single table with a text primary key.
type PostgresKV struct {
	pool  *pgxpool.Pool
	table string
	now   func() time.Time
}

var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const scanPageSize = 500

// NewPostgresKV connects, pings and creates the table if missing.
func NewPostgresKV(ctx context.Context, dsn, table string) (*PostgresKV, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	if table == "" {
		table = "heroquote_state"
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	s := &PostgresKV{pool: pool, table: table, now: time.Now}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresKV) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ
	)`, s.table))
	if err != nil {
		return fmt.Errorf("create state table: %w", err)
	}
	return nil
}

func (s *PostgresKV) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`, s.table),
		key, s.now(),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *PostgresKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at, expires_at) VALUES ($1, $2, $3, NULL)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at, expires_at = NULL`, s.table),
		key, value, s.now(),
	)
	return err
}

func (s *PostgresKV) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key)
	return err
}

// Scan pages through matching keys in key order (keyset pagination).
func (s *PostgresKV) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	after := ""
	for {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT key, value FROM %s
			WHERE starts_with(key, $1) AND key > $2 AND (expires_at IS NULL OR expires_at > $3)
			ORDER BY key LIMIT %d`, s.table, scanPageSize),
			prefix, after, s.now(),
		)
		if err != nil {
			return nil, err
		}
		n := 0
		for rows.Next() {
			var k string
			var v []byte
			if err := rows.Scan(&k, &v); err != nil {
				rows.Close()
				return nil, err
			}
			out[k] = v
			after = k
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if n < scanPageSize {
			return out, nil
		}
	}
}

// SetNX inserts the row, or takes over a row whose expires_at has passed.
func (s *PostgresKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.now()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at, expires_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at
		WHERE %s.expires_at IS NOT NULL AND %s.expires_at < $3`, s.table, s.table, s.table),
		key, value, now, expiresAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresKV) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresKV) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
