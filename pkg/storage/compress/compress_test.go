package compress

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"blobgate/pkg/core"
	"blobgate/pkg/storage"
	"blobgate/pkg/storage/disk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	compressible := bytes.Repeat([]byte("blobgate "), 4096)
	random := make([]byte, 4096)
	_, _ = rand.Read(random)

	tests := []struct {
		name      string
		codec     Codec
		data      []byte
		wantCodec Codec
	}{
		{"none", None, compressible, None},
		{"lz4 shrinks", LZ4, compressible, LZ4},
		{"zstd shrinks", ZSTD, compressible, ZSTD},
		{"zstd random falls back", ZSTD, random, None},
		{"lz4 random falls back", LZ4, random, None},
		{"empty", ZSTD, nil, None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.data, tt.codec)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCodec, Codec(frame[0]))

			got, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, len(tt.data), len(got))
			assert.True(t, bytes.Equal(tt.data, got))
		})
	}
}

func TestDecode_Corrupt(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorrupt)

	frame, err := Encode(bytes.Repeat([]byte{7}, 1000), ZSTD)
	require.NoError(t, err)
	frame[1]++ // wrong raw length
	_, err = Decode(frame)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode([]byte{9, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestParseCodec(t *testing.T) {
	for in, want := range map[string]Codec{"": None, "none": None, "lz4": LZ4, "zstd": ZSTD} {
		got, err := ParseCodec(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if in != "" {
			assert.Equal(t, in, got.String())
		}
	}
	_, err := ParseCodec("brotli")
	assert.Error(t, err)
}

func TestStore_OverDisk(t *testing.T) {
	backend, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	store := NewStore(backend, ZSTD)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("0123456789"), 10000)
	obj := core.NewObject(payload)
	require.NoError(t, store.Put(ctx, obj))

	// at rest: smaller than the payload, but under the plain ID
	raw, err := storage.ReadAll(ctx, backend, obj.ID())
	require.NoError(t, err)
	assert.Less(t, len(raw), len(payload))

	rc, err := store.Get(ctx, obj.ID())
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	ok, err := store.Has(ctx, obj.ID())
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Get(ctx, "ffff")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
