package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"blobgate/pkg/backend"
	"blobgate/pkg/backend/backendtest"
	"blobgate/pkg/config"
	"blobgate/pkg/namespace"
	"blobgate/pkg/storage/compress"
	"blobgate/pkg/storage/disk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitStore_Disk(t *testing.T) {
	store, err := initStore(context.Background(), config.Storage{
		Type: "disk",
		Path: filepath.Join(t.TempDir(), "objects"),
	})

	require.NoError(t, err)
	assert.IsType(t, &disk.Adapter{}, store)
}

func TestInitStore_Compressed(t *testing.T) {
	store, err := initStore(context.Background(), config.Storage{
		Type:        "disk",
		Path:        t.TempDir(),
		Compression: "zstd",
	})

	require.NoError(t, err)
	assert.IsType(t, &compress.Store{}, store)
}

func TestInitStore_S3_MissingBucket(t *testing.T) {
	store, err := initStore(context.Background(), config.Storage{Type: "s3"})
	assert.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestInitStore_Minio_MissingBucket(t *testing.T) {
	store, err := initStore(context.Background(), config.Storage{Type: "minio"})
	assert.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "bucket is required")
}

func TestInitStore_UnknownType(t *testing.T) {
	store, err := initStore(context.Background(), config.Storage{Type: "ftp"})
	assert.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "unsupported storage type")
}

func TestInitStore_UnknownCompression(t *testing.T) {
	store, err := initStore(context.Background(), config.Storage{Path: t.TempDir(), Compression: "brotli"})
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestWithCache_Disabled(t *testing.T) {
	base, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)

	store, closer, err := withCache(base, config.Redis{})
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.Same(t, base, store)
}

func TestImportTree(t *testing.T) {
	ctx := context.Background()
	h := backendtest.New(t, backend.Config{})
	vol := h.Volume(t, "import", 8)

	a := NewWithClient(h.Client, config.Settings{Namespace: config.Namespace{ListingCacheSize: 16}}, nil)
	nsa := a.Namespace(vol)
	root, err := nsa.Root(ctx)
	require.NoError(t, err)

	local := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(local, "sub", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "a.txt"), []byte("hello blobgate"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(local, "sub", "deep", "b.bin"), []byte("0123456789abcdef!"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(local, "skip.log"), []byte("noise"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(local, ".blobignore"), []byte("*.log\n"), 0o644))

	stats, err := ImportTree(ctx, nsa, root, local, a.Owner())
	require.NoError(t, err)
	assert.Equal(t, ImportStats{Dirs: 2, Files: 2, Bytes: 31}, stats)

	entries, err := nsa.List(ctx, root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"a.txt", "sub"}, names)

	sub, _, err := nsa.Lookup(ctx, root, "sub")
	require.NoError(t, err)
	deep, _, err := nsa.Lookup(ctx, sub, "deep")
	require.NoError(t, err)
	b, attrs, err := nsa.Lookup(ctx, deep, "b.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(17), attrs.Size)
	data, err := nsa.Read(ctx, b, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef!", string(data))

	// A second run reuses directories and replaces files
	require.NoError(t, os.WriteFile(filepath.Join(local, "a.txt"), []byte("hi"), 0o644))
	_, err = ImportTree(ctx, nsa, root, local, a.Owner())
	require.NoError(t, err)
	ino, _, err := nsa.Lookup(ctx, root, "a.txt")
	require.NoError(t, err)
	data, err = nsa.Read(ctx, ino, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestImportTree_FileWhereDirExpected(t *testing.T) {
	ctx := context.Background()
	h := backendtest.New(t, backend.Config{})
	vol := h.Volume(t, "clash", 8)
	a := NewWithClient(h.Client, config.Settings{}, nil)
	nsa := a.Namespace(vol)
	root, err := nsa.Root(ctx)
	require.NoError(t, err)
	_, err = nsa.Create(ctx, root, "sub", namespace.Owner{}, 0o644)
	require.NoError(t, err)

	local := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(local, "sub"), 0o755))

	_, err = ImportTree(ctx, nsa, root, local, a.Owner())
	assert.ErrorIs(t, err, namespace.ErrNotDir)
}
