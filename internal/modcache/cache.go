// Package modcache is the fast code cache workers read from. Entries are
// volatile: any write to a path invalidates them, and a miss falls back
// to the blob store.
package modcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/bifrost/backend/internal/blobstore"
)

// Entry is one cached module: the source text and its content hash.
type Entry struct {
	Content string
	Hash    string
}

// Cache is a path-keyed in-process cache. Coherence contract: after a
// successful write, the pipeline sets the new bytes here before the
// write call returns, so workers never see stale code after an ack.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

func (c *Cache) Set(path, content, hash string) {
	c.mu.Lock()
	c.entries[path] = Entry{Content: content, Hash: hash}
	c.mu.Unlock()
}

func (c *Cache) Get(path string) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[path]
	c.mu.RUnlock()
	return entry, ok
}

func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// HashBytes returns the hex SHA-256 of data. This is the content hash
// used across the blob store, text index and this cache.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Loader reads modules through the cache with blob-store fallback.
// Workers construct one per process.
type Loader struct {
	cache *Cache
	blobs blobstore.Store
}

func NewLoader(cache *Cache, blobs blobstore.Store) *Loader {
	return &Loader{cache: cache, blobs: blobs}
}

// Load returns the module at path, backfilling the cache on a miss.
func (l *Loader) Load(ctx context.Context, path string) (Entry, error) {
	if entry, ok := l.cache.Get(path); ok {
		return entry, nil
	}

	data, err := l.blobs.Get(ctx, blobstore.RepoKey(path))
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{Content: string(data), Hash: HashBytes(data)}
	l.cache.Set(path, entry.Content, entry.Hash)
	return entry, nil
}
