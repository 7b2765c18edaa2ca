// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmcleod/warden/storage"
	"go.etcd.io/bbolt"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens (creating if needed) a BBolt database at the
// given path and returns a new Repository. The parent directory is created
// with owner-only permissions.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if options == nil {
		// Another process holding the lock should fail startup, not hang it.
		options = &bbolt.Options{Timeout: 5 * time.Second}
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureBucket(_ context.Context, bucket string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
}

func (s *Store) Get(_ context.Context, bucket, id string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
		}
		// Values are only valid for the life of the transaction.
		value = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Put(_ context.Context, bucket, id string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), value)
	})
}

func (s *Store) Create(_ context.Context, bucket, id string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		if b.Get([]byte(id)) != nil {
			return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrExists)
		}
		return b.Put([]byte(id), value)
	})
}

func (s *Store) Update(_ context.Context, bucket, id string, fn storage.UpdateFunc) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
		}
		current := b.Get([]byte(id))
		if current == nil {
			return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
		}
		next, err := fn(append([]byte(nil), current...))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), next)
	})
}

func (s *Store) Delete(_ context.Context, bucket, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

func (s *Store) List(_ context.Context, bucket string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
