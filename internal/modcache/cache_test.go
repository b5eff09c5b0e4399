package modcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost/backend/internal/blobstore"
)

func TestCacheSetGetInvalidate(t *testing.T) {
	c := NewCache()

	_, ok := c.Get("wf/a.py")
	assert.False(t, ok)

	c.Set("wf/a.py", "print(1)", "h1")
	entry, ok := c.Get("wf/a.py")
	require.True(t, ok)
	assert.Equal(t, "print(1)", entry.Content)
	assert.Equal(t, "h1", entry.Hash)

	c.Invalidate("wf/a.py")
	_, ok = c.Get("wf/a.py")
	assert.False(t, ok)
}

func TestHashBytesStable(t *testing.T) {
	assert.Equal(t, HashBytes([]byte("abc")), HashBytes([]byte("abc")))
	assert.NotEqual(t, HashBytes([]byte("abc")), HashBytes([]byte("abd")))
	assert.Len(t, HashBytes(nil), 64)
}

func TestLoaderBackfillsOnMiss(t *testing.T) {
	blobs := blobstore.NewMemory()
	cache := NewCache()
	loader := NewLoader(cache, blobs)
	ctx := context.Background()

	require.NoError(t, blobs.Put(ctx, blobstore.RepoKey("wf/a.py"), []byte("x = 1"), "text/x-python"))

	entry, err := loader.Load(ctx, "wf/a.py")
	require.NoError(t, err)
	assert.Equal(t, "x = 1", entry.Content)
	assert.Equal(t, HashBytes([]byte("x = 1")), entry.Hash)

	cached, ok := cache.Get("wf/a.py")
	require.True(t, ok, "miss must backfill the cache")
	assert.Equal(t, entry, cached)
}

func TestLoaderPrefersCachedEntry(t *testing.T) {
	blobs := blobstore.NewMemory()
	cache := NewCache()
	loader := NewLoader(cache, blobs)
	ctx := context.Background()

	cache.Set("wf/a.py", "cached", "h")

	entry, err := loader.Load(ctx, "wf/a.py")
	require.NoError(t, err)
	assert.Equal(t, "cached", entry.Content, "cache hit must not touch the blob store")
}

func TestLoaderMissingModule(t *testing.T) {
	loader := NewLoader(NewCache(), blobstore.NewMemory())
	_, err := loader.Load(context.Background(), "wf/nope.py")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
