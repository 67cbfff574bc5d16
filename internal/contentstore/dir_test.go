package contentstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/record"
)

func TestDir_RoundTrip(t *testing.T) {
	ctx := context.Background()
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)

	id, err := d.Put(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, record.ContentID([]byte("payload")), id)

	exists, err := d.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := d.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestDir_ShardedLayout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	d, err := NewDir(root)
	require.NoError(t, err)

	id, err := d.Put(ctx, []byte("payload"))
	require.NoError(t, err)

	digest := record.ContentDigest(id)
	_, err = os.Stat(filepath.Join(root, digest[:2], digest[2:4], digest))
	assert.NoError(t, err)

	// Idempotent put leaves exactly one file and no temp files behind.
	_, err = d.Put(ctx, []byte("payload"))
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(root, digest[:2], digest[2:4]))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDir_Missing(t *testing.T) {
	ctx := context.Background()
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)
	id := record.ContentID([]byte("absent"))

	exists, err := d.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = d.Get(ctx, id)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestDir_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)

	id, err := d.Put(ctx, []byte("original"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(d.path(id), []byte("tampered"), 0o644))

	_, err = d.Get(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}
