package kv

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagechat/internal/domain"
)

func backends(t *testing.T) map[string]domain.KVStore {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	mr := miniredis.RunT(t)
	rs := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rs.Close() })

	return map[string]domain.KVStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
		"redis":  rs,
	}
}

func TestStoreMissingKey(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			value, version, err := store.Get(context.Background(), "absent")
			require.NoError(t, err)
			assert.Nil(t, value)
			assert.Zero(t, version)
		})
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := store.CompareAndSwap(ctx, "k", 0, []byte("one"))
			require.NoError(t, err)
			require.True(t, ok)

			// Creating again at version 0 must lose.
			ok, err = store.CompareAndSwap(ctx, "k", 0, []byte("other"))
			require.NoError(t, err)
			assert.False(t, ok)

			value, version, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "one", string(value))
			assert.Equal(t, int64(1), version)

			ok, err = store.CompareAndSwap(ctx, "k", 1, []byte("two"))
			require.NoError(t, err)
			require.True(t, ok)

			// Stale version.
			ok, err = store.CompareAndSwap(ctx, "k", 1, []byte("three"))
			require.NoError(t, err)
			assert.False(t, ok)

			value, version, err = store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "two", string(value))
			assert.Equal(t, int64(2), version)
		})
	}
}

func TestStoreConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	const workers = 8
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						value, version, err := store.Get(ctx, "counter")
						if !assert.NoError(t, err) {
							return
						}
						ok, err := store.CompareAndSwap(ctx, "counter", version, append(value, 'x'))
						if !assert.NoError(t, err) {
							return
						}
						if ok {
							return
						}
					}
				}()
			}
			wg.Wait()

			value, version, err := store.Get(ctx, "counter")
			require.NoError(t, err)
			assert.Len(t, value, workers)
			assert.Equal(t, int64(workers), version)
		})
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	buf := []byte("abc")
	_, err := s.CompareAndSwap(context.Background(), "k", 0, buf)
	require.NoError(t, err)
	buf[0] = 'z'

	got, _, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}
