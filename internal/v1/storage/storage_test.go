package storage

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]Provider {
	t.Helper()
	mr := miniredis.RunT(t)
	redisProvider := NewRedisProvider(mr.Addr(), "")
	t.Cleanup(func() { redisProvider.Close() })
	return map[string]Provider{
		"memory": NewMemoryProvider(),
		"redis":  redisProvider,
	}
}

func TestSaveAndLoadSmallState(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := p.ForDoc("https://admin.da.live/source/a.html")
			state := []byte("small state")

			require.NoError(t, SaveState(ctx, store, "https://admin.da.live/source/a.html", state, `"v1"`))

			got, etag, found, err := LoadState(ctx, store, "https://admin.da.live/source/a.html")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, state, got)
			assert.Equal(t, `"v1"`, etag)

			entries, err := store.List(ctx)
			require.NoError(t, err)
			assert.Contains(t, entries, "docstore")
			assert.NotContains(t, entries, "chunks")
		})
	}
}

func TestLoadAbsent(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			_, _, found, err := LoadState(context.Background(), p.ForDoc("nothing"), "nothing")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestChunkedState(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	store := p.ForDoc("doc")

	state := bytes.Repeat([]byte{0xAB}, ChunkSize*2+100)
	require.NoError(t, SaveState(ctx, store, "doc", state, ""))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.NotContains(t, entries, "docstore")
	assert.Equal(t, []byte("3"), entries["chunks"])
	assert.Len(t, entries["chunk_0"], ChunkSize)
	assert.Len(t, entries["chunk_2"], 100)

	got, _, found, err := LoadState(ctx, store, "doc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, state, got)
}

func TestChunkBoundaryWritesUnchunked(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProvider().ForDoc("doc")

	state := bytes.Repeat([]byte{0x01}, ChunkSize)
	require.NoError(t, SaveState(ctx, store, "doc", state, ""))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, entries, "docstore")
	assert.NotContains(t, entries, "chunks")

	// One byte more splits.
	require.NoError(t, SaveState(ctx, store, "doc", append(state, 0x02), ""))
	entries, err = store.List(ctx)
	require.NoError(t, err)
	assert.NotContains(t, entries, "docstore")
	assert.Equal(t, []byte("2"), entries["chunks"])
}

func TestTooManyChunksFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProvider().ForDoc("doc")
	state := bytes.Repeat([]byte{0x00}, ChunkSize*MaxKeys)
	assert.Error(t, SaveState(ctx, store, "doc", state, ""))
}

func TestDocMismatchWipesRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProvider().ForDoc("doc-a")
	require.NoError(t, SaveState(ctx, store, "doc-a", []byte("state"), ""))

	_, _, found, err := LoadState(ctx, store, "doc-b")
	require.NoError(t, err)
	assert.False(t, found)

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "mismatched record must be wiped")
}

func TestSaveReplacesOldLayout(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProvider().ForDoc("doc")

	big := bytes.Repeat([]byte{0x01}, ChunkSize+1)
	require.NoError(t, SaveState(ctx, store, "doc", big, ""))
	require.NoError(t, SaveState(ctx, store, "doc", []byte("tiny"), ""))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.NotContains(t, entries, "chunks")
	assert.NotContains(t, entries, "chunk_0")

	got, _, found, err := LoadState(ctx, store, "doc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("tiny"), got)
}

func TestSaveETagKeepsState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProvider().ForDoc("doc")
	require.NoError(t, SaveState(ctx, store, "doc", []byte("state"), `"v1"`))
	require.NoError(t, SaveETag(ctx, store, `"v2"`))

	got, etag, found, err := LoadState(ctx, store, "doc")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("state"), got)
	assert.Equal(t, `"v2"`, etag)
}
