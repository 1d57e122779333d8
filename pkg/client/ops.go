package client

import (
	"context"

	"blobgate/pkg/apierr"
	"blobgate/pkg/chunker"
	"blobgate/pkg/core"
	"blobgate/pkg/types"
)

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Handshake announces this client's reply address. Start sends it.
func (c *Client) Handshake(ctx context.Context, replyAddr string) *Future[core.HandshakeResult] {
	cl := c.issue(ctx, core.OpHandshake, &core.HandshakeRequest{ReplyAddr: replyAddr})
	return futureOf(cl, bodyAs[core.HandshakeResult])
}

// ---------------------------------------------------------------------------
// Volumes
// ---------------------------------------------------------------------------

// CreateVolume creates a volume. A zero ObjectSize selects core.DefaultObjectSize.
func (c *Client) CreateVolume(ctx context.Context, vol core.VolumeRef, settings core.VolumeSettings) *Future[core.VolumeDescriptor] {
	if err := vol.Validate(); err != nil {
		return failed[core.VolumeDescriptor](core.OpCreateVolume, invalid(core.OpCreateVolume, err))
	}
	if settings.ObjectSize < 0 {
		return failed[core.VolumeDescriptor](core.OpCreateVolume,
			apierr.New(apierr.KindInvalidRequest, string(core.OpCreateVolume), "negative object size %d", settings.ObjectSize))
	}
	if settings.ObjectSize == 0 {
		settings.ObjectSize = core.DefaultObjectSize
	}
	cl := c.issue(ctx, core.OpCreateVolume, &core.VolumeRequest{Volume: vol, Settings: settings})
	return futureOf(cl, c.rememberVolume)
}

func (c *Client) DeleteVolume(ctx context.Context, vol core.VolumeRef) *Future[struct{}] {
	if err := vol.Validate(); err != nil {
		return failed[struct{}](core.OpDeleteVolume, invalid(core.OpDeleteVolume, err))
	}
	cl := c.issue(ctx, core.OpDeleteVolume, &core.VolumeRequest{Volume: vol})
	return futureOf(cl, func(*core.Reply) (struct{}, error) {
		c.objectSizes.Delete(vol)
		return struct{}{}, nil
	})
}

func (c *Client) StatVolume(ctx context.Context, vol core.VolumeRef) *Future[core.VolumeDescriptor] {
	if err := vol.Validate(); err != nil {
		return failed[core.VolumeDescriptor](core.OpStatVolume, invalid(core.OpStatVolume, err))
	}
	cl := c.issue(ctx, core.OpStatVolume, &core.VolumeRequest{Volume: vol})
	return futureOf(cl, c.rememberVolume)
}

// ListVolumes lists the volumes of one domain.
func (c *Client) ListVolumes(ctx context.Context, domain string) *Future[[]core.VolumeDescriptor] {
	cl := c.issue(ctx, core.OpListVolumes, &core.ListVolumesRequest{Domain: domain})
	return futureOf(cl, bodyAs[[]core.VolumeDescriptor])
}

func (c *Client) VolumeStatus(ctx context.Context, vol core.VolumeRef) *Future[core.VolumeStatus] {
	if err := vol.Validate(); err != nil {
		return failed[core.VolumeStatus](core.OpVolumeStatus, invalid(core.OpVolumeStatus, err))
	}
	cl := c.issue(ctx, core.OpVolumeStatus, &core.VolumeRequest{Volume: vol})
	return futureOf(cl, bodyAs[core.VolumeStatus])
}

func (c *Client) GetVolumeMetadata(ctx context.Context, vol core.VolumeRef) *Future[map[string]string] {
	if err := vol.Validate(); err != nil {
		return failed[map[string]string](core.OpGetVolumeMetadata, invalid(core.OpGetVolumeMetadata, err))
	}
	cl := c.issue(ctx, core.OpGetVolumeMetadata, &core.VolumeRequest{Volume: vol})
	return futureOf(cl, bodyAs[map[string]string])
}

// SetVolumeMetadata merges md into the volume metadata.
func (c *Client) SetVolumeMetadata(ctx context.Context, vol core.VolumeRef, md map[string]string) *Future[struct{}] {
	if err := vol.Validate(); err != nil {
		return failed[struct{}](core.OpSetVolumeMetadata, invalid(core.OpSetVolumeMetadata, err))
	}
	cl := c.issue(ctx, core.OpSetVolumeMetadata, &core.SetVolumeMetadataRequest{Volume: vol, Metadata: md})
	return futureOf(cl, ack)
}

// ObjectSize returns the object size of vol, asking the engine only the
// first time.
func (c *Client) ObjectSize(ctx context.Context, vol core.VolumeRef) (int64, error) {
	if v, ok := c.objectSizes.Load(vol); ok {
		return v.(int64), nil
	}
	desc, err := c.StatVolume(ctx, vol).Get(ctx)
	if err != nil {
		return 0, err
	}
	return desc.Settings.ObjectSize, nil
}

func (c *Client) rememberVolume(rep *core.Reply) (core.VolumeDescriptor, error) {
	desc, err := bodyAs[core.VolumeDescriptor](rep)
	if err == nil && desc.Settings.ObjectSize > 0 {
		c.objectSizes.Store(desc.Ref, desc.Settings.ObjectSize)
	}
	return desc, err
}

// ---------------------------------------------------------------------------
// Blobs
// ---------------------------------------------------------------------------

func (c *Client) StatBlob(ctx context.Context, vol core.VolumeRef, blob string) *Future[core.BlobDescriptor] {
	if err := checkBlob(vol, blob); err != nil {
		return failed[core.BlobDescriptor](core.OpStatBlob, invalid(core.OpStatBlob, err))
	}
	cl := c.issue(ctx, core.OpStatBlob, &core.BlobRequest{Volume: vol, Blob: blob})
	return futureOf(cl, bodyAs[core.BlobDescriptor])
}

// ListBlobs returns one page of matching blobs; no match is an empty page.
func (c *Client) ListBlobs(ctx context.Context, vol core.VolumeRef, filter core.ListFilter) *Future[core.BlobList] {
	if err := vol.Validate(); err != nil {
		return failed[core.BlobList](core.OpListBlobs, invalid(core.OpListBlobs, err))
	}
	if err := filter.Validate(); err != nil {
		return failed[core.BlobList](core.OpListBlobs, invalid(core.OpListBlobs, err))
	}
	cl := c.issue(ctx, core.OpListBlobs, &core.ListBlobsRequest{Volume: vol, Filter: filter})
	return futureOf(cl, bodyAs[core.BlobList])
}

// ReadObject reads [innerOffset, innerOffset+innerLength) of object index.
func (c *Client) ReadObject(ctx context.Context, vol core.VolumeRef, blob string, index types.ObjectOffset, innerOffset, innerLength int64) *Future[[]byte] {
	if err := checkBlob(vol, blob); err != nil {
		return failed[[]byte](core.OpReadObject, invalid(core.OpReadObject, err))
	}
	if index < 0 || innerOffset < 0 || innerLength < 0 {
		return failed[[]byte](core.OpReadObject, apierr.New(apierr.KindInvalidRequest, string(core.OpReadObject),
			"negative range (object=%d offset=%d length=%d)", index, innerOffset, innerLength))
	}
	cl := c.issue(ctx, core.OpReadObject, &core.ReadObjectRequest{
		Volume: vol, Blob: blob, Index: index, InnerOffset: innerOffset, InnerLength: innerLength,
	})
	return futureOf(cl, func(rep *core.Reply) ([]byte, error) {
		obj, err := bodyAs[core.ObjectData](rep)
		return obj.Data, err
	})
}

// ReadObjects reads length bytes starting at the first byte of object
// objectOffset. The range may span several objects; they are requested
// concurrently and joined in order.
func (c *Client) ReadObjects(ctx context.Context, vol core.VolumeRef, blob string, objectOffset types.ObjectOffset, length int64) *Future[[]byte] {
	if length < 0 || objectOffset < 0 {
		return failed[[]byte](core.OpReadObject, apierr.New(apierr.KindInvalidRequest, string(core.OpReadObject),
			"negative range (object=%d length=%d)", objectOffset, length))
	}
	if length == 0 {
		// still answers NotFound for a missing blob
		return c.ReadObject(ctx, vol, blob, objectOffset, 0, 0)
	}

	return derive(core.OpReadObject, func() ([]byte, error) {
		size, err := c.ObjectSize(ctx, vol)
		if err != nil {
			return nil, err
		}
		steps := chunker.NewChunker(size).PlanRead(objectOffset.ByteOffset(size), length)

		parts := make([]*Future[[]byte], len(steps))
		for i, st := range steps {
			parts[i] = c.ReadObject(ctx, vol, blob, st.Index, st.InnerOffset, st.InnerLength)
		}

		out := make([]byte, 0, length)
		for _, p := range parts {
			data, err := p.Get(ctx)
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
		}
		return out, nil
	})
}

// GetBlobWithMeta returns the descriptor together with one object's bytes.
func (c *Client) GetBlobWithMeta(ctx context.Context, vol core.VolumeRef, blob string, index types.ObjectOffset) *Future[core.BlobWithMeta] {
	if err := checkBlob(vol, blob); err != nil {
		return failed[core.BlobWithMeta](core.OpGetBlobWithMeta, invalid(core.OpGetBlobWithMeta, err))
	}
	cl := c.issue(ctx, core.OpGetBlobWithMeta, &core.ReadObjectRequest{Volume: vol, Blob: blob, Index: index})
	return futureOf(cl, bodyAs[core.BlobWithMeta])
}

func (c *Client) DeleteBlob(ctx context.Context, vol core.VolumeRef, blob string) *Future[struct{}] {
	if err := checkBlob(vol, blob); err != nil {
		return failed[struct{}](core.OpDeleteBlob, invalid(core.OpDeleteBlob, err))
	}
	cl := c.issue(ctx, core.OpDeleteBlob, &core.BlobRequest{Volume: vol, Blob: blob})
	return futureOf(cl, ack)
}

// RenameBlob moves src to dst within one volume; dst must not exist.
func (c *Client) RenameBlob(ctx context.Context, vol core.VolumeRef, src, dst string) *Future[core.BlobDescriptor] {
	if err := checkBlob(vol, src); err != nil {
		return failed[core.BlobDescriptor](core.OpRenameBlob, invalid(core.OpRenameBlob, err))
	}
	if dst == "" {
		return failed[core.BlobDescriptor](core.OpRenameBlob,
			apierr.New(apierr.KindInvalidRequest, string(core.OpRenameBlob), "empty destination name"))
	}
	cl := c.issue(ctx, core.OpRenameBlob, &core.RenameBlobRequest{Volume: vol, Source: src, Destination: dst})
	return futureOf(cl, bodyAs[core.BlobDescriptor])
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

func (c *Client) StartBlobTx(ctx context.Context, vol core.VolumeRef, blob string, mode core.BlobMode, expectedVersion int64) *Future[core.TxDescriptor] {
	if err := checkBlob(vol, blob); err != nil {
		return failed[core.TxDescriptor](core.OpStartBlobTx, invalid(core.OpStartBlobTx, err))
	}
	cl := c.issue(ctx, core.OpStartBlobTx, &core.StartTxRequest{
		Volume: vol, Blob: blob, Mode: mode, ExpectedVersion: expectedVersion,
	})
	return futureOf(cl, bodyAs[core.TxDescriptor])
}

// UpdateBlob stages one whole object. extent is the exclusive blob offset of
// the last byte written.
func (c *Client) UpdateBlob(ctx context.Context, tx types.TxID, index types.ObjectOffset, data []byte, extent int64) *Future[struct{}] {
	cl := c.issue(ctx, core.OpUpdateBlob, &core.UpdateBlobRequest{Tx: tx, Index: index, Data: data, Extent: extent})
	return futureOf(cl, ack)
}

func (c *Client) UpdateMetadata(ctx context.Context, tx types.TxID, delta map[string]string) *Future[struct{}] {
	cl := c.issue(ctx, core.OpUpdateMetadata, &core.UpdateMetadataRequest{Tx: tx, Delta: delta})
	return futureOf(cl, ack)
}

func (c *Client) CommitBlobTx(ctx context.Context, tx types.TxID) *Future[core.BlobDescriptor] {
	cl := c.issue(ctx, core.OpCommitBlobTx, &core.TxRequest{Tx: tx})
	return futureOf(cl, bodyAs[core.BlobDescriptor])
}

func (c *Client) AbortBlobTx(ctx context.Context, tx types.TxID) *Future[struct{}] {
	cl := c.issue(ctx, core.OpAbortBlobTx, &core.TxRequest{Tx: tx})
	return futureOf(cl, ack)
}

// UpdateBlobOnce writes one object and merges metadata in a single
// engine-side transaction.
func (c *Client) UpdateBlobOnce(ctx context.Context, req core.UpdateBlobOnceRequest) *Future[core.BlobDescriptor] {
	if err := checkBlob(req.Volume, req.Blob); err != nil {
		return failed[core.BlobDescriptor](core.OpUpdateBlobOnce, invalid(core.OpUpdateBlobOnce, err))
	}
	cl := c.issue(ctx, core.OpUpdateBlobOnce, &req)
	return futureOf(cl, bodyAs[core.BlobDescriptor])
}

// ---------------------------------------------------------------------------

func checkBlob(vol core.VolumeRef, blob string) error {
	if err := vol.Validate(); err != nil {
		return err
	}
	if blob == "" {
		return errEmptyBlobName
	}
	return nil
}

var errEmptyBlobName = apierr.New(apierr.KindInvalidRequest, "", "empty blob name")

func invalid(op core.Op, err error) error {
	return apierr.Wrap(apierr.KindInvalidRequest, string(op), err)
}
