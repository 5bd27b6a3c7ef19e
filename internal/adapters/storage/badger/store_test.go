package badger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hylla/crc/internal/app"
	"github.com/hylla/crc/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutGetInMemory(t *testing.T) {
	ctx := context.Background()
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	data := []byte("sealed payload")
	ref, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, domain.HashContent(data), ref)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Has(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	refs, err := store.Refs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.ContentHash{ref}, refs)
}

func TestStoreMissingAndInvalidRefs(t *testing.T) {
	ctx := context.Background()
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Get(ctx, domain.HashContent([]byte("absent")))
	assert.ErrorIs(t, err, app.ErrNotFound)

	ok, err := store.Has(ctx, domain.HashContent([]byte("absent")))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "not-a-hash")
	assert.ErrorIs(t, err, domain.ErrInvalidContentHash)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "content")
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	store, err := Open(cfg)
	require.NoError(t, err)
	ref, err := store.Put(ctx, []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "durable", string(got))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestStoreHonorsCancelledContext(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Put(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
