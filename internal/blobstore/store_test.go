package blobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "repo/a.py", []byte("one"), "text/x-python"))
	data, err := m.Get(ctx, "repo/a.py")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	require.NoError(t, m.Put(ctx, "repo/a.py", []byte("two"), "text/x-python"))
	data, err = m.Get(ctx, "repo/a.py")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data), "put overwrites")
}

func TestMemoryGetCopiesData(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	src := []byte("orig")
	require.NoError(t, m.Put(ctx, "k", src, ""))
	src[0] = 'X'

	data, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "orig", string(data), "stored bytes must not alias caller slices")

	data[0] = 'Y'
	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "orig", string(again))
}

func TestMemoryMissingKey(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDeleteIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "k", []byte("v"), ""))
	require.NoError(t, m.Delete(ctx, "k"))
	require.NoError(t, m.Delete(ctx, "k"))

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListByPrefix(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, k := range []string{"repo/b.py", "repo/a.py", "uploads/x.bin"} {
		require.NoError(t, m.Put(ctx, k, []byte("v"), ""))
	}

	keys, err := m.List(ctx, RepoPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"repo/a.py", "repo/b.py"}, keys, "sorted, prefix filtered")
}

func TestMemoryPresignedPut(t *testing.T) {
	m := NewMemory()
	url, err := m.PresignedPut(context.Background(), "uploads/x.bin", "application/octet-stream", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "memory://uploads/x.bin", url)
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "repo/wf/hello.py", RepoKey("wf/hello.py"))
	assert.Equal(t, "uploads/f1/u1/doc.pdf", UploadKey("f1", "u1", "doc.pdf"))
}
