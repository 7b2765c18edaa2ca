// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmcleod/warden/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string][]byte)}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *Repository) EnsureBucket(_ context.Context, bucket string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bucketLocked(bucket)
	return nil
}

func (r *Repository) bucketLocked(bucket string) map[string][]byte {
	b, ok := r.data[bucket]
	if !ok {
		b = make(map[string][]byte)
		r.data[bucket] = b
	}
	return b
}

func (r *Repository) Get(_ context.Context, bucket, id string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.data[bucket][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
	}
	return cloneBytes(value), nil
}

func (r *Repository) Put(_ context.Context, bucket, id string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bucketLocked(bucket)[id] = cloneBytes(value)
	return nil
}

func (r *Repository) Create(_ context.Context, bucket, id string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bucketLocked(bucket)
	if _, ok := b[id]; ok {
		return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrExists)
	}
	b[id] = cloneBytes(value)
	return nil
}

func (r *Repository) Update(_ context.Context, bucket, id string, fn storage.UpdateFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.data[bucket][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
	}
	next, err := fn(cloneBytes(current))
	if err != nil {
		return err
	}
	r.data[bucket][id] = cloneBytes(next)
	return nil
}

func (r *Repository) Delete(_ context.Context, bucket, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[bucket][id]; !ok {
		return fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
	}
	delete(r.data[bucket], id)
	return nil
}

func (r *Repository) List(_ context.Context, bucket string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.data[bucket]))
	for id := range r.data[bucket] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
