package blobstore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"

	"github.com/evanli-dev/chatsearch/pkg/config"
)

// PostgresStore implements Store on a single bytea-valued table. Blobs here
// are snapshot artifacts (manifests and segments), so whole-value reads and
// writes are the access pattern.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore opens the connection pool, verifies it with a ping, and
// ensures the blob table exists.
func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{db: db, table: cfg.BlobTable}
	if err := s.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			key         TEXT PRIMARY KEY,
			data        BYTEA NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.table))
	if err != nil {
		return fmt.Errorf("creating blob table %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading blob payload for %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, data, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		s.table), key, data)
	if err != nil {
		return fmt.Errorf("storing blob %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT data FROM %s WHERE key = $1`, s.table), key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching blob %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT key FROM %s WHERE key LIKE $1 || '%%' ORDER BY key`, s.table), prefix)
	if err != nil {
		return nil, fmt.Errorf("listing blobs under %s: %w", prefix, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning blob key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blob keys: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE key = $1`, s.table), key); err != nil {
		return fmt.Errorf("deleting blob %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
