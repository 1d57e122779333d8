package backend_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"blobgate/pkg/apierr"
	"blobgate/pkg/backend"
	"blobgate/pkg/backend/backendtest"
	"blobgate/pkg/client"
	"blobgate/pkg/core"
	"blobgate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 1. Volumes
// -----------------------------------------------------------------------------

func TestEngine_VolumeLifecycle(t *testing.T) {
	h := backendtest.New(t, backend.Config{})
	c := h.Client
	ctx := context.Background()

	vol := core.VolumeRef{Domain: "test", Name: "v1"}

	// 1. create + duplicate
	desc, err := c.CreateVolume(ctx, vol, core.VolumeSettings{ObjectSize: 4096}).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, vol, desc.Ref)
	assert.Equal(t, int64(4096), desc.Settings.ObjectSize)

	_, err = c.CreateVolume(ctx, vol, core.VolumeSettings{}).Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrAlreadyExists)

	// 2. stat + list
	got, err := c.StatVolume(ctx, vol).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got.Settings.ObjectSize)

	vols, err := c.ListVolumes(ctx, "test").Get(ctx)
	require.NoError(t, err)
	assert.Len(t, vols, 1)

	vols, err = c.ListVolumes(ctx, "nobody").Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, vols)

	// 3. metadata
	_, err = c.SetVolumeMetadata(ctx, vol, map[string]string{"owner": "ops"}).Get(ctx)
	require.NoError(t, err)
	md, err := c.GetVolumeMetadata(ctx, vol).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ops", md["owner"])

	// 4. status reflects committed blobs
	_, err = c.UpdateBlobOnce(ctx, core.UpdateBlobOnceRequest{
		Volume: vol, Blob: "/a", Index: 0, Data: []byte("hello"), Extent: 5,
	}).Get(ctx)
	require.NoError(t, err)

	st, err := c.VolumeStatus(ctx, vol).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.VolumeStatus{BlobCount: 1, UsedBytes: 5}, st)

	// 5. delete
	_, err = c.DeleteVolume(ctx, vol).Get(ctx)
	require.NoError(t, err)
	_, err = c.StatVolume(ctx, vol).Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	_, err = c.DeleteVolume(ctx, vol).Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

// -----------------------------------------------------------------------------
// 2. Reads
// -----------------------------------------------------------------------------

func TestEngine_ReadObject(t *testing.T) {
	h := backendtest.New(t, backend.Config{})
	c := h.Client
	ctx := context.Background()
	vol := h.Volume(t, "reads", 8)

	_, err := c.UpdateBlobOnce(ctx, core.UpdateBlobOnceRequest{
		Volume: vol, Blob: "/f", Index: 1, Data: []byte("ABCDEFGH"), Extent: 16,
	}).Get(ctx)
	require.NoError(t, err)

	tests := []struct {
		name    string
		index   types.ObjectOffset
		off     int64
		length  int64
		want    []byte
		wantErr error
	}{
		{"written object slice", 1, 2, 3, []byte("CDE"), nil},
		{"never written object reads zeros", 0, 0, 8, make([]byte, 8), nil},
		{"past the end reads zeros", 5, 4, 4, make([]byte, 4), nil},
		{"zero length", 1, 8, 0, []byte{}, nil},
		{"range past object size", 1, 6, 4, nil, apierr.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ReadObject(ctx, vol, "/f", tt.index, tt.off, tt.length).Get(ctx)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), len(got))
			assert.True(t, bytes.Equal(tt.want, got))
		})
	}

	_, err = c.ReadObject(ctx, vol, "/missing", 0, 0, 1).Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	// multi-object read through the client
	all, err := c.ReadObjects(ctx, vol, "/f", 0, 16).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, append(make([]byte, 8), "ABCDEFGH"...), all)

	withMeta, err := c.GetBlobWithMeta(ctx, vol, "/f", 1).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(16), withMeta.Blob.ByteCount)
	assert.Equal(t, []byte("ABCDEFGH"), withMeta.Data)
}

// -----------------------------------------------------------------------------
// 3. Transactions
// -----------------------------------------------------------------------------

func TestEngine_TransactionCommit(t *testing.T) {
	h := backendtest.New(t, backend.Config{})
	c := h.Client
	ctx := context.Background()
	vol := h.Volume(t, "tx", 4)

	// 1. new blob
	tx, err := c.StartBlobTx(ctx, vol, "/f", core.ModeDefault, 0).Get(ctx)
	require.NoError(t, err)
	assert.False(t, tx.Exists)
	assert.Equal(t, int64(4), tx.ObjectSize)

	_, err = c.UpdateBlob(ctx, tx.ID, 0, []byte("abcd"), 4).Get(ctx)
	require.NoError(t, err)
	_, err = c.UpdateBlob(ctx, tx.ID, 1, []byte("ef"), 6).Get(ctx)
	require.NoError(t, err)
	_, err = c.UpdateMetadata(ctx, tx.ID, map[string]string{"k": "v"}).Get(ctx)
	require.NoError(t, err)

	desc, err := c.CommitBlobTx(ctx, tx.ID).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), desc.ByteCount)
	assert.Equal(t, int64(1), desc.Version)
	assert.Equal(t, "v", desc.Metadata["k"])

	data, err := c.ReadObjects(ctx, vol, "/f", 0, 6).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), data)

	// 2. a committed tx is gone
	_, err = c.CommitBlobTx(ctx, tx.ID).Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	// 3. expected version
	_, err = c.StartBlobTx(ctx, vol, "/f", core.ModeDefault, 9).Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrConflict)
	_, err = c.StartBlobTx(ctx, vol, "/gone", core.ModeDefault, 1).Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	tx2, err := c.StartBlobTx(ctx, vol, "/f", core.ModeDefault, 1).Get(ctx)
	require.NoError(t, err)
	assert.True(t, tx2.Exists)
	assert.Equal(t, int64(6), tx2.Base.ByteCount)
}

func TestEngine_ConcurrentCommitConflicts(t *testing.T) {
	h := backendtest.New(t, backend.Config{})
	c := h.Client
	ctx := context.Background()
	vol := h.Volume(t, "cas", 4)

	_, err := c.UpdateBlobOnce(ctx, core.UpdateBlobOnceRequest{Volume: vol, Blob: "/f", Data: []byte("0000"), Extent: 4}).Get(ctx)
	require.NoError(t, err)

	a, err := c.StartBlobTx(ctx, vol, "/f", core.ModeDefault, 0).Get(ctx)
	require.NoError(t, err)
	b, err := c.StartBlobTx(ctx, vol, "/f", core.ModeDefault, 0).Get(ctx)
	require.NoError(t, err)

	_, err = c.UpdateBlob(ctx, a.ID, 0, []byte("aaaa"), 4).Get(ctx)
	require.NoError(t, err)
	_, err = c.UpdateBlob(ctx, b.ID, 0, []byte("bbbb"), 4).Get(ctx)
	require.NoError(t, err)

	_, err = c.CommitBlobTx(ctx, a.ID).Get(ctx)
	require.NoError(t, err)
	_, err = c.CommitBlobTx(ctx, b.ID).Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrConflict)

	data, err := c.ReadObjects(ctx, vol, "/f", 0, 4).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaa"), data)
}

func TestEngine_AbortIsIdempotent(t *testing.T) {
	h := backendtest.New(t, backend.Config{})
	c := h.Client
	ctx := context.Background()
	vol := h.Volume(t, "abort", 4)

	tx, err := c.StartBlobTx(ctx, vol, "/f", core.ModeDefault, 0).Get(ctx)
	require.NoError(t, err)
	_, err = c.UpdateBlob(ctx, tx.ID, 0, []byte("zzzz"), 4).Get(ctx)
	require.NoError(t, err)

	_, err = c.AbortBlobTx(ctx, tx.ID).Get(ctx)
	require.NoError(t, err)
	_, err = c.AbortBlobTx(ctx, tx.ID).Get(ctx)
	require.NoError(t, err)

	_, err = c.UpdateBlob(ctx, tx.ID, 0, []byte("zzzz"), 4).Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	_, err = c.StatBlob(ctx, vol, "/f").Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestEngine_UpdateValidation(t *testing.T) {
	h := backendtest.New(t, backend.Config{})
	c := h.Client
	ctx := context.Background()
	vol := h.Volume(t, "val", 4)

	tx, err := c.StartBlobTx(ctx, vol, "/f", core.ModeDefault, 0).Get(ctx)
	require.NoError(t, err)

	tests := []struct {
		name   string
		index  types.ObjectOffset
		data   []byte
		extent int64
	}{
		{"oversized object", 0, []byte("12345"), 4},
		{"extent beyond object", 0, []byte("1234"), 5},
		{"negative extent", 1, []byte("1234"), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.UpdateBlob(ctx, tx.ID, tt.index, tt.data, tt.extent).Get(ctx)
			assert.ErrorIs(t, err, apierr.ErrInvalidRequest)
		})
	}
}

func TestEngine_TruncateMode(t *testing.T) {
	h := backendtest.New(t, backend.Config{})
	c := h.Client
	ctx := context.Background()
	vol := h.Volume(t, "trunc", 4)

	tx, err := c.StartBlobTx(ctx, vol, "/f", core.ModeDefault, 0).Get(ctx)
	require.NoError(t, err)
	for i, chunk := range []string{"aaaa", "bbbb", "cccc"} {
		_, err = c.UpdateBlob(ctx, tx.ID, types.ObjectOffset(i), []byte(chunk), int64(i+1)*4).Get(ctx)
		require.NoError(t, err)
	}
	_, err = c.CommitBlobTx(ctx, tx.ID).Get(ctx)
	require.NoError(t, err)

	desc, err := c.UpdateBlobOnce(ctx, core.UpdateBlobOnceRequest{
		Volume: vol, Blob: "/f", Mode: core.ModeTruncate, Index: 0, Data: []byte("xy"), Extent: 2,
	}).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), desc.ByteCount)

	// the dropped objects read back as zeros
	data, err := c.ReadObject(ctx, vol, "/f", 2, 0, 4).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4), data)
}

// -----------------------------------------------------------------------------
// 4. Listing, rename, delete
// -----------------------------------------------------------------------------

func TestEngine_ListBlobs(t *testing.T) {
	h := backendtest.New(t, backend.Config{ListLimit: 2})
	c := h.Client
	ctx := context.Background()
	vol := h.Volume(t, "list", 8)

	for i, name := range []string{"/d/a", "/d/b", "/d/c", "/d/sub/x", "/e"} {
		_, err := c.UpdateBlobOnce(ctx, core.UpdateBlobOnceRequest{
			Volume: vol, Blob: name, Data: bytes.Repeat([]byte{1}, i+1), Extent: int64(i + 1),
		}).Get(ctx)
		require.NoError(t, err)
	}

	names := func(l core.BlobList) []string {
		var out []string
		for _, b := range l.Blobs {
			out = append(out, b.Name)
		}
		return out
	}

	tests := []struct {
		name      string
		filter    core.ListFilter
		want      []string
		wantTotal int
	}{
		{"default limit", core.ListFilter{Prefix: "/d/"}, []string{"/d/a", "/d/b"}, 4},
		{"one level", core.ListFilter{Prefix: "/d/", Pattern: `^/d/[^/]+$`, Limit: 10}, []string{"/d/a", "/d/b", "/d/c"}, 3},
		{"offset", core.ListFilter{Prefix: "/d/", Limit: 10, Offset: 3}, []string{"/d/sub/x"}, 4},
		{"offset past end", core.ListFilter{Prefix: "/d/", Offset: 99}, nil, 4},
		{"size descending", core.ListFilter{Order: core.OrderSize, Descending: true, Limit: 2}, []string{"/e", "/d/sub/x"}, 5},
		{"no match", core.ListFilter{Prefix: "/zzz"}, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ListBlobs(ctx, vol, tt.filter).Get(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(got))
			assert.Equal(t, tt.wantTotal, got.Total)
		})
	}

	_, err := c.ListBlobs(ctx, vol, core.ListFilter{Pattern: "("}).Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrInvalidRequest)
}

func TestEngine_RenameAndDelete(t *testing.T) {
	h := backendtest.New(t, backend.Config{})
	c := h.Client
	ctx := context.Background()
	vol := h.Volume(t, "mv", 4)

	for _, name := range []string{"/a", "/b"} {
		_, err := c.UpdateBlobOnce(ctx, core.UpdateBlobOnceRequest{Volume: vol, Blob: name, Data: []byte(name), Extent: 2}).Get(ctx)
		require.NoError(t, err)
	}

	_, err := c.RenameBlob(ctx, vol, "/a", "/b").Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrAlreadyExists)

	desc, err := c.RenameBlob(ctx, vol, "/a", "/c").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/c", desc.Name)

	data, err := c.ReadObject(ctx, vol, "/c", 0, 0, 2).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("/a"), data)

	_, err = c.DeleteBlob(ctx, vol, "/c").Get(ctx)
	require.NoError(t, err)
	_, err = c.DeleteBlob(ctx, vol, "/c").Get(ctx)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

// -----------------------------------------------------------------------------
// 5. Concurrency and queueing
// -----------------------------------------------------------------------------

func TestEngine_ParallelWriters(t *testing.T) {
	h := backendtest.New(t, backend.Config{Workers: 8})
	c := h.Client
	ctx := context.Background()
	vol := h.Volume(t, "par", 16)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := "/blob-" + string(rune('A'+i))
			_, err := c.UpdateBlobOnce(ctx, core.UpdateBlobOnceRequest{Volume: vol, Blob: name, Data: []byte(name), Extent: int64(len(name))}).Get(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := c.ListBlobs(ctx, vol, core.ListFilter{Limit: 100}).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 32, list.Total)
}

func TestEngine_SubmitQueueFull(t *testing.T) {
	h := backendtest.New(t, backend.Config{})
	e := backend.NewEngine(h.Repo, h.Store, backend.Config{QueueSize: 1})
	t.Cleanup(e.Stop)

	req := &core.Request{ID: "r1", Op: core.OpListVolumes}
	require.NoError(t, e.Submit(req))

	err := e.Submit(&core.Request{ID: "r2", Op: core.OpListVolumes})
	assert.ErrorIs(t, err, apierr.ErrServiceUnavailable)
	assert.True(t, errors.Is(err, backend.ErrQueueFull))

	assert.ErrorIs(t, e.Submit(&core.Request{Op: core.OpListVolumes}), apierr.ErrInvalidRequest)

	e.Stop()
	err = e.Submit(&core.Request{ID: "r3", Op: core.OpListVolumes})
	assert.ErrorIs(t, err, apierr.ErrServiceUnavailable)
	assert.NotErrorIs(t, err, backend.ErrQueueFull)
}

func TestEngine_HandleUnknownOp(t *testing.T) {
	h := backendtest.New(t, backend.Config{})
	rep := h.Engine.Handle(context.Background(), &core.Request{ID: "x", Op: "format"})
	require.NotNil(t, rep.Failure)
	assert.Equal(t, apierr.KindInvalidRequest, rep.Failure.Kind)
	assert.Equal(t, types.RequestID("x"), rep.ID)

	rep = h.Engine.Handle(context.Background(), &core.Request{ID: "y", Op: core.OpStatBlob, Body: []byte{0xff}})
	require.NotNil(t, rep.Failure)
	assert.Equal(t, apierr.KindInvalidRequest, rep.Failure.Kind)
}

// -----------------------------------------------------------------------------
// 6. Sessions
// -----------------------------------------------------------------------------

func TestEngine_ClosedClientsLeaveNoSessions(t *testing.T) {
	h := backendtest.New(t, backend.Config{})
	ctx := context.Background()
	require.Equal(t, 1, h.Engine.Sessions())

	for range 50 {
		transport := backend.NewLocalTransport(h.Engine)
		c := client.New(transport, transport)
		require.NoError(t, c.Start(ctx))
		require.NoError(t, c.Close())
	}

	// closeSession is queued like any request
	assert.Eventually(t, func() bool { return h.Engine.Sessions() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err := h.Client.ListVolumes(ctx, "test").Get(ctx)
	assert.NoError(t, err)
}

func TestEngine_IdleSessionsAreDropped(t *testing.T) {
	h := backendtest.New(t, backend.Config{SessionTTL: 200 * time.Millisecond},
		client.WithKeepalive(50*time.Millisecond))
	ctx := context.Background()

	// a client that goes quiet without closing
	transport := backend.NewLocalTransport(h.Engine)
	silent := client.New(transport, transport, client.WithKeepalive(time.Hour))
	require.NoError(t, silent.Start(ctx))
	t.Cleanup(func() { _ = silent.Close() })
	require.Equal(t, 2, h.Engine.Sessions())

	assert.Eventually(t, func() bool { return h.Engine.Sessions() == 1 }, 5*time.Second, 20*time.Millisecond)

	// the keepalive held the other session open
	_, err := h.Client.ListVolumes(ctx, "test").Get(ctx)
	assert.NoError(t, err)
}
