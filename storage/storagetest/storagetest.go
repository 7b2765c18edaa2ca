// Package storagetest provides a conformance suite shared by every
// storage.Repository backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/warden/storage"
)

// Run exercises repo against the storage.Repository contract. The repository
// must start empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	const bucket = "conformance"

	require.NoError(t, repo.EnsureBucket(ctx, bucket))
	require.NoError(t, repo.EnsureBucket(ctx, bucket), "EnsureBucket must be idempotent")

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, bucket, "k1", []byte("v1")))
		got, err := repo.Get(ctx, bucket, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, bucket, "ow", []byte("a")))
		require.NoError(t, repo.Put(ctx, bucket, "ow", []byte("b")))
		got, err := repo.Get(ctx, bucket, "ow")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), got)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(ctx, bucket, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.Get(ctx, "no-such-bucket", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CreateOnlyOnce", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, bucket, "c1", []byte("first")))
		err := repo.Create(ctx, bucket, "c1", []byte("second"))
		require.ErrorIs(t, err, storage.ErrExists)

		got, err := repo.Get(ctx, bucket, "c1")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), got, "losing Create must not overwrite")
	})

	t.Run("ConcurrentCreate", func(t *testing.T) {
		const workers = 16
		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := repo.Create(ctx, bucket, "race", []byte(strconv.Itoa(i)))
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, storage.ErrExists):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(workers-1), conflicts.Load())
	})

	t.Run("Update", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, bucket, "u1", []byte("old")))
		err := repo.Update(ctx, bucket, "u1", func(current []byte) ([]byte, error) {
			assert.Equal(t, []byte("old"), current)
			return []byte("new"), nil
		})
		require.NoError(t, err)
		got, err := repo.Get(ctx, bucket, "u1")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), got)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		called := false
		err := repo.Update(ctx, bucket, "nope", func(current []byte) ([]byte, error) {
			called = true
			return current, nil
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.False(t, called)
	})

	t.Run("UpdateAbort", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, bucket, "u2", []byte("keep")))
		boom := errors.New("boom")
		err := repo.Update(ctx, bucket, "u2", func([]byte) ([]byte, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
		got, err := repo.Get(ctx, bucket, "u2")
		require.NoError(t, err)
		assert.Equal(t, []byte("keep"), got)
	})

	t.Run("ConcurrentUpdate", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, bucket, "counter", []byte("0")))
		const workers = 20
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.Update(ctx, bucket, "counter", func(current []byte) ([]byte, error) {
					n, err := strconv.Atoi(string(current))
					if err != nil {
						return nil, err
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
				if err != nil {
					t.Errorf("update failed: %v", err)
				}
			}()
		}
		wg.Wait()
		got, err := repo.Get(ctx, bucket, "counter")
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(workers), string(got))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, bucket, "d1", []byte("x")))
		require.NoError(t, repo.Delete(ctx, bucket, "d1"))
		_, err := repo.Get(ctx, bucket, "d1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, bucket, "d1"), storage.ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		const listBucket = "conformance-list"
		require.NoError(t, repo.EnsureBucket(ctx, listBucket))
		for i := 0; i < 3; i++ {
			require.NoError(t, repo.Put(ctx, listBucket, fmt.Sprintf("id-%d", i), []byte("x")))
		}
		ids, err := repo.List(ctx, listBucket)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"id-0", "id-1", "id-2"}, ids)

		ids, err = repo.List(ctx, "empty-bucket")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}
