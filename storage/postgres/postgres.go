// Package postgres implements storage.Repository backed by PostgreSQL.
//
// All buckets share one records table keyed by (bucket, record_id), which
// mirrors the key space used by the BBolt and in-memory backends. Values are
// stored as BYTEA so the repository stays agnostic of the record encoding.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/warden/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, verifies
// connectivity and returns a new Repository. The schema is created lazily by
// EnsureBucket.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureBucket makes sure the records table exists. Buckets themselves are
// implicit in the bucket column.
func (s *Store) EnsureBucket(ctx context.Context, _ string) error {
	return EnsureSchema(ctx, s.pool)
}

func (s *Store) Get(ctx context.Context, bucket, id string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM records WHERE bucket = $1 AND record_id = $2`,
		bucket, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, bucket, id string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO records (bucket, record_id, data)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (bucket, record_id)
		 DO UPDATE SET data = $3, updated_at = now()`,
		bucket, id, value)
	return err
}

func (s *Store) Create(ctx context.Context, bucket, id string, value []byte) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO records (bucket, record_id, data)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (bucket, record_id) DO NOTHING`,
		bucket, id, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrExists)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, bucket, id string, fn storage.UpdateFunc) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current []byte
		err := tx.QueryRow(ctx,
			`SELECT data FROM records
			 WHERE bucket = $1 AND record_id = $2
			 FOR UPDATE`,
			bucket, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE records SET data = $3, updated_at = now()
			 WHERE bucket = $1 AND record_id = $2`,
			bucket, id, next)
		return err
	})
}

func (s *Store) Delete(ctx context.Context, bucket, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM records WHERE bucket = $1 AND record_id = $2`,
		bucket, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) List(ctx context.Context, bucket string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM records WHERE bucket = $1 ORDER BY record_id`,
		bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
