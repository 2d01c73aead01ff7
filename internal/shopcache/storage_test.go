package shopcache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storageBackends(t *testing.T) map[string]func(t *testing.T) CacheStorage {
	t.Helper()
	return map[string]func(t *testing.T) CacheStorage{
		"memory": func(t *testing.T) CacheStorage { return newMemoryStorage() },
		"disk": func(t *testing.T) CacheStorage {
			d, err := newDiskStorage(t.TempDir(), 1<<20, 0)
			require.NoError(t, err)
			t.Cleanup(func() { _ = d.Close() })
			return d
		},
	}
}

func TestCacheStorage_Namespaces(t *testing.T) {
	t.Parallel()

	for name, open := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t)

			require.NoError(t, s.Open(ctx, "acme-store-v1"))
			require.NoError(t, s.Open(ctx, "acme-store-v1"))
			ent := CacheEntry{Status: http.StatusOK, Header: http.Header{"X-A": {"1"}}, Body: []byte("a")}
			require.NoError(t, s.Put(ctx, "acme-store-v1", "GET https://a/", ent))
			require.NoError(t, s.Put(ctx, "other-store-v1", "GET https://a/", CacheEntry{Status: http.StatusOK, Body: []byte("b")}))

			names, err := s.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"acme-store-v1", "other-store-v1"}, names)

			got, ok, err := s.Match(ctx, "acme-store-v1", "GET https://a/")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "a", string(got.Body))
			assert.Equal(t, "1", got.Header.Get("X-A"))

			existed, err := s.Delete(ctx, "acme-store-v1")
			require.NoError(t, err)
			assert.True(t, existed)

			_, ok, err = s.Match(ctx, "acme-store-v1", "GET https://a/")
			require.NoError(t, err)
			assert.False(t, ok)

			got, ok, err = s.Match(ctx, "other-store-v1", "GET https://a/")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "b", string(got.Body))

			existed, err = s.Delete(ctx, "missing-store-v1")
			require.NoError(t, err)
			assert.False(t, existed)
		})
	}
}

func TestCacheStorage_LastWriteWins(t *testing.T) {
	t.Parallel()

	for name, open := range storageBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t)

			require.NoError(t, s.Put(ctx, "acme-store-v1", "k", CacheEntry{Status: 200, Body: []byte("old")}))
			require.NoError(t, s.Put(ctx, "acme-store-v1", "k", CacheEntry{Status: 200, Body: []byte("new")}))

			got, ok, err := s.Match(ctx, "acme-store-v1", "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "new", string(got.Body))
		})
	}
}

func TestDiskStorage_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	d, err := newDiskStorage(dir, 0, 0)
	require.NoError(t, err)
	require.NoError(t, d.Put(ctx, "acme-store-v1", "k", CacheEntry{Status: 200, Body: []byte("kept")}))
	size := d.TotalSize()
	require.NoError(t, d.Close())

	d, err = newDiskStorage(dir, 0, 0)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, size, d.TotalSize())
	assert.Equal(t, 1, d.EntryCount())
	got, ok, err := d.Match(ctx, "acme-store-v1", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kept", string(got.Body))
}

func TestDiskStorage_BudgetRejectsWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, err := newDiskStorage(t.TempDir(), 0, 512)
	require.NoError(t, err)
	defer d.Close()

	err = d.Put(ctx, "acme-store-v1", "big", CacheEntry{Status: 200, Body: make([]byte, 1024)})
	require.ErrorIs(t, err, ErrStorageFull)

	_, ok, err := d.Match(ctx, "acme-store-v1", "big")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiskStorage_ConcurrentPutsStayWithinBudget(t *testing.T) {
	t.Parallel()

	ent := CacheEntry{Status: 200, Body: make([]byte, 256)}
	b, err := encodeGob(ent)
	require.NoError(t, err)
	size := int64(len(b))

	ctx := context.Background()
	d, err := newDiskStorage(t.TempDir(), 0, 3*size)
	require.NoError(t, err)
	defer d.Close()

	var (
		wg     sync.WaitGroup
		stored atomic.Int64
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Put(ctx, "acme-store-v1", fmt.Sprintf("k%02d", i), ent)
			if err == nil {
				stored.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrStorageFull)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), stored.Load())
	assert.Equal(t, 3*size, d.TotalSize())
	assert.Equal(t, 3, d.EntryCount())
}

func TestDiskStorage_DeleteReleasesBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, err := newDiskStorage(t.TempDir(), 1<<20, 0)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Put(ctx, "acme-store-v0", "a", CacheEntry{Status: 200, Body: []byte("x")}))
	require.NoError(t, d.Put(ctx, "acme-store-v0", "b", CacheEntry{Status: 200, Body: []byte("y")}))
	assert.Positive(t, d.TotalSize())
	assert.Positive(t, d.ram.TotalSize())

	_, err = d.Delete(ctx, "acme-store-v0")
	require.NoError(t, err)
	assert.Zero(t, d.TotalSize())
	assert.Zero(t, d.ram.TotalSize())
	assert.Zero(t, d.EntryCount())
}

func TestRAMCache_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	c := newRAMCache(100)
	c.Put("a", CacheEntry{Body: []byte("a")}, 40)
	c.Put("b", CacheEntry{Body: []byte("b")}, 40)
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Put("c", CacheEntry{Body: []byte("c")}, 40)

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, int64(80), c.TotalSize())
}
