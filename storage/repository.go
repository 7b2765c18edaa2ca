// Package storage provides the storage abstraction layer for durable records.
//
// Records are opaque byte values addressed by a bucket name and a record ID.
// Backends guarantee that Create and Update are atomic with respect to other
// callers touching the same key.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned by Create when the record ID is already taken.
	ErrExists = errors.New("record already exists")
)

// UpdateFunc receives the current value of a record and returns its
// replacement. Returning an error aborts the update without writing.
type UpdateFunc func(current []byte) ([]byte, error)

// Repository defines the interface for durable record storage.
type Repository interface {
	// EnsureBucket creates the backing structures for bucket if absent.
	EnsureBucket(ctx context.Context, bucket string) error
	Get(ctx context.Context, bucket, id string) ([]byte, error)
	Put(ctx context.Context, bucket, id string, value []byte) error
	// Create inserts a record only if id is not present, returning ErrExists otherwise.
	Create(ctx context.Context, bucket, id string, value []byte) error
	// Update performs an atomic read-modify-write of an existing record.
	Update(ctx context.Context, bucket, id string, fn UpdateFunc) error
	Delete(ctx context.Context, bucket, id string) error
	List(ctx context.Context, bucket string) ([]string, error)
}
