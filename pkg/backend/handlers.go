package backend

import (
	"context"
	"errors"
	"maps"
	"regexp"
	"time"

	"blobgate/pkg/apierr"
	"blobgate/pkg/core"
	"blobgate/pkg/meta"
	"blobgate/pkg/storage"
	"blobgate/pkg/types"

	"golang.org/x/sync/errgroup"
)

type handlerFunc func(ctx context.Context, req *core.Request) (any, error)

// route decodes the request body into Req before calling fn.
func route[Req, Res any](fn func(context.Context, *Req) (Res, error)) handlerFunc {
	return func(ctx context.Context, req *core.Request) (any, error) {
		var body Req
		if err := core.DecodeBody(req.Body, &body); err != nil {
			return nil, apierr.Wrap(apierr.KindInvalidRequest, string(req.Op), err)
		}
		return fn(ctx, &body)
	}
}

func (e *Engine) buildRoutes() map[core.Op]handlerFunc {
	return map[core.Op]handlerFunc{
		core.OpHandshake:    e.handshake,
		core.OpCloseSession: e.closeSession,

		core.OpCreateVolume:      route(e.createVolume),
		core.OpDeleteVolume:      route(e.deleteVolume),
		core.OpStatVolume:        route(e.statVolume),
		core.OpListVolumes:       route(e.listVolumes),
		core.OpVolumeStatus:      route(e.volumeStatus),
		core.OpGetVolumeMetadata: route(e.getVolumeMetadata),
		core.OpSetVolumeMetadata: route(e.setVolumeMetadata),

		core.OpStatBlob:        route(e.statBlob),
		core.OpListBlobs:       route(e.listBlobs),
		core.OpReadObject:      route(e.readObject),
		core.OpGetBlobWithMeta: route(e.getBlobWithMeta),
		core.OpDeleteBlob:      route(e.deleteBlob),
		core.OpRenameBlob:      route(e.renameBlob),

		core.OpStartBlobTx:    route(e.startBlobTx),
		core.OpUpdateBlob:     route(e.updateBlob),
		core.OpUpdateMetadata: route(e.updateMetadata),
		core.OpCommitBlobTx:   route(e.commitBlobTx),
		core.OpAbortBlobTx:    route(e.abortBlobTx),
		core.OpUpdateBlobOnce: route(e.updateBlobOnce),
	}
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

func (e *Engine) handshake(_ context.Context, req *core.Request) (any, error) {
	var body core.HandshakeRequest
	if err := core.DecodeBody(req.Body, &body); err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRequest, string(req.Op), err)
	}
	if req.Session == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, string(req.Op), "missing session id")
	}
	fresh, err := e.sessions.register(req.Session, body.ReplyAddr)
	if err != nil {
		return nil, err
	}
	if fresh {
		e.logger.Info("session registered", "session", req.Session, "reply_addr", body.ReplyAddr)
	}
	return &core.HandshakeResult{EngineID: e.id}, nil
}

func (e *Engine) closeSession(_ context.Context, req *core.Request) (any, error) {
	if e.sessions.remove(req.Session) {
		e.logger.Info("session closed", "session", req.Session)
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// Volumes
// ---------------------------------------------------------------------------

func volumeDescriptor(v *meta.Volume) core.VolumeDescriptor {
	return core.VolumeDescriptor{
		Ref:       core.VolumeRef{Domain: v.Domain, Name: v.Name},
		Settings:  core.VolumeSettings{ObjectSize: v.ObjectSize},
		Metadata:  v.Metadata.Data(),
		CreatedAt: v.CreatedAt,
	}
}

// volume validates ref and loads its row; every volume-scoped handler starts here.
func (e *Engine) volume(ctx context.Context, op core.Op, ref core.VolumeRef) (*meta.Volume, error) {
	if err := ref.Validate(); err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRequest, string(op), err)
	}
	return e.repo.GetVolume(ctx, ref.Domain, ref.Name)
}

func (e *Engine) createVolume(ctx context.Context, req *core.VolumeRequest) (core.VolumeDescriptor, error) {
	if err := req.Volume.Validate(); err != nil {
		return core.VolumeDescriptor{}, apierr.Wrap(apierr.KindInvalidRequest, string(core.OpCreateVolume), err)
	}
	// object size is chosen once, here
	size := req.Settings.ObjectSize
	if size < 0 {
		return core.VolumeDescriptor{}, apierr.New(apierr.KindInvalidRequest, string(core.OpCreateVolume), "negative object size %d", size)
	}
	if size == 0 {
		size = core.DefaultObjectSize
	}
	// a duplicate comes back as meta.ErrAlreadyExists
	v, err := e.repo.CreateVolume(ctx, req.Volume.Domain, req.Volume.Name, size)
	if err != nil {
		return core.VolumeDescriptor{}, err
	}
	e.logger.Info("volume created", "volume", req.Volume, "object_size", size)
	return volumeDescriptor(v), nil
}

func (e *Engine) deleteVolume(ctx context.Context, req *core.VolumeRequest) (struct{}, error) {
	if err := req.Volume.Validate(); err != nil {
		return struct{}{}, apierr.Wrap(apierr.KindInvalidRequest, string(core.OpDeleteVolume), err)
	}
	// the catalog refuses while blobs remain
	return struct{}{}, e.repo.DeleteVolume(ctx, req.Volume.Domain, req.Volume.Name)
}

func (e *Engine) statVolume(ctx context.Context, req *core.VolumeRequest) (core.VolumeDescriptor, error) {
	v, err := e.volume(ctx, core.OpStatVolume, req.Volume)
	if err != nil {
		return core.VolumeDescriptor{}, err
	}
	return volumeDescriptor(v), nil
}

func (e *Engine) listVolumes(ctx context.Context, req *core.ListVolumesRequest) ([]core.VolumeDescriptor, error) {
	vols, err := e.repo.ListVolumes(ctx, req.Domain)
	if err != nil {
		return nil, err
	}
	out := make([]core.VolumeDescriptor, 0, len(vols))
	for i := range vols {
		out = append(out, volumeDescriptor(&vols[i]))
	}
	return out, nil
}

func (e *Engine) volumeStatus(ctx context.Context, req *core.VolumeRequest) (core.VolumeStatus, error) {
	v, err := e.volume(ctx, core.OpVolumeStatus, req.Volume)
	if err != nil {
		return core.VolumeStatus{}, err
	}
	// one aggregate query over the blob rows
	blobs, bytes, err := e.repo.VolumeUsage(ctx, v.ID)
	if err != nil {
		return core.VolumeStatus{}, err
	}
	return core.VolumeStatus{BlobCount: blobs, UsedBytes: bytes}, nil
}

func (e *Engine) getVolumeMetadata(ctx context.Context, req *core.VolumeRequest) (map[string]string, error) {
	v, err := e.volume(ctx, core.OpGetVolumeMetadata, req.Volume)
	if err != nil {
		return nil, err
	}
	// never nil on the wire
	md := maps.Clone(v.Metadata.Data())
	if md == nil {
		md = map[string]string{}
	}
	return md, nil
}

func (e *Engine) setVolumeMetadata(ctx context.Context, req *core.SetVolumeMetadataRequest) (struct{}, error) {
	v, err := e.volume(ctx, core.OpSetVolumeMetadata, req.Volume)
	if err != nil {
		return struct{}{}, err
	}
	// merge only: keys are added or overwritten, never removed
	return struct{}{}, e.repo.MergeVolumeMetadata(ctx, v.ID, req.Metadata)
}

// ---------------------------------------------------------------------------
// Blobs
// ---------------------------------------------------------------------------

func blobDescriptor(b *meta.Blob) core.BlobDescriptor {
	md := b.Metadata.Data()
	if md == nil {
		md = map[string]string{}
	}
	return core.BlobDescriptor{
		Name:      b.Name,
		ByteCount: b.ByteCount,
		Metadata:  md,
		Version:   b.Version,
		UpdatedAt: b.UpdatedAt,
	}
}

func (e *Engine) blob(ctx context.Context, op core.Op, ref core.VolumeRef, name string) (*meta.Volume, *meta.Blob, error) {
	v, err := e.volume(ctx, op, ref)
	if err != nil {
		return nil, nil, err
	}
	if name == "" {
		return nil, nil, apierr.New(apierr.KindInvalidRequest, string(op), "empty blob name")
	}
	b, err := e.repo.GetBlob(ctx, v.ID, name)
	if err != nil {
		return nil, nil, err
	}
	return v, b, nil
}

func (e *Engine) statBlob(ctx context.Context, req *core.BlobRequest) (core.BlobDescriptor, error) {
	_, b, err := e.blob(ctx, core.OpStatBlob, req.Volume, req.Blob)
	if err != nil {
		return core.BlobDescriptor{}, err
	}
	return blobDescriptor(b), nil
}

// listBlobs: SQL prefix filter, then the pattern, then offset/limit.
func (e *Engine) listBlobs(ctx context.Context, req *core.ListBlobsRequest) (core.BlobList, error) {
	// 1. Validate the filter before touching the catalog
	f := req.Filter
	if err := f.Validate(); err != nil {
		return core.BlobList{}, apierr.Wrap(apierr.KindInvalidRequest, string(core.OpListBlobs), err)
	}
	var re *regexp.Regexp
	if f.Pattern != "" {
		var err error
		if re, err = regexp.Compile(f.Pattern); err != nil {
			return core.BlobList{}, apierr.Wrap(apierr.KindInvalidRequest, string(core.OpListBlobs), err)
		}
	}
	v, err := e.volume(ctx, core.OpListBlobs, req.Volume)
	if err != nil {
		return core.BlobList{}, err
	}

	// 2. Prefix and order are pushed down to SQL
	order := meta.ByName
	if f.Order == core.OrderSize {
		order = meta.BySize
	}
	rows, err := e.repo.ListBlobs(ctx, v.ID, f.Prefix, order, f.Descending)
	if err != nil {
		return core.BlobList{}, err
	}

	// 3. Pattern in memory; Total counts matches before paging
	matched := make([]core.BlobDescriptor, 0, len(rows))
	for i := range rows {
		if re != nil && !re.MatchString(rows[i].Name) {
			continue
		}
		matched = append(matched, blobDescriptor(&rows[i]))
	}

	// 4. Page
	limit := f.Limit
	if limit == 0 {
		limit = e.cfg.ListLimit
	}
	start := min(f.Offset, len(matched))
	end := min(start+limit, len(matched))
	return core.BlobList{Blobs: matched[start:end], Total: len(matched)}, nil
}

// objectBytes returns object index of blob, zero-padded to objectSize. An
// object that was never written reads as zeros.
func (e *Engine) objectBytes(ctx context.Context, b *meta.Blob, objectSize int64, index types.ObjectOffset) ([]byte, error) {
	hash, found, err := e.repo.GetObjectHash(ctx, b.ID, int64(index))
	if err != nil {
		return nil, err
	}
	if !found {
		return make([]byte, objectSize), nil
	}
	data, err := storage.ReadAll(ctx, e.store, hash)
	if err != nil {
		return nil, err
	}
	return core.PadObject(data, objectSize), nil
}

func (e *Engine) readObject(ctx context.Context, req *core.ReadObjectRequest) (core.ObjectData, error) {
	v, b, err := e.blob(ctx, core.OpReadObject, req.Volume, req.Blob)
	if err != nil {
		return core.ObjectData{}, err
	}
	if req.Index < 0 || req.InnerOffset < 0 || req.InnerLength < 0 || req.InnerOffset+req.InnerLength > v.ObjectSize {
		return core.ObjectData{}, apierr.New(apierr.KindInvalidRequest, string(core.OpReadObject),
			"range [%d,+%d) of object %d outside object size %d", req.InnerOffset, req.InnerLength, req.Index, v.ObjectSize)
	}
	// nothing to fetch
	if req.InnerLength == 0 {
		return core.ObjectData{Data: []byte{}}, nil
	}
	data, err := e.objectBytes(ctx, b, v.ObjectSize, req.Index)
	if err != nil {
		return core.ObjectData{}, err
	}
	return core.ObjectData{Data: data[req.InnerOffset : req.InnerOffset+req.InnerLength]}, nil
}

func (e *Engine) getBlobWithMeta(ctx context.Context, req *core.ReadObjectRequest) (core.BlobWithMeta, error) {
	v, b, err := e.blob(ctx, core.OpGetBlobWithMeta, req.Volume, req.Blob)
	if err != nil {
		return core.BlobWithMeta{}, err
	}
	if req.Index < 0 {
		return core.BlobWithMeta{}, apierr.New(apierr.KindInvalidRequest, string(core.OpGetBlobWithMeta), "negative object index %d", req.Index)
	}
	// whole object plus the descriptor it was read under
	data, err := e.objectBytes(ctx, b, v.ObjectSize, req.Index)
	if err != nil {
		return core.BlobWithMeta{}, err
	}
	return core.BlobWithMeta{Blob: blobDescriptor(b), Data: data}, nil
}

func (e *Engine) deleteBlob(ctx context.Context, req *core.BlobRequest) (struct{}, error) {
	v, err := e.volume(ctx, core.OpDeleteBlob, req.Volume)
	if err != nil {
		return struct{}{}, err
	}
	// object payloads stay in the store; other blobs may share them
	return struct{}{}, e.repo.DeleteBlob(ctx, v.ID, req.Blob)
}

func (e *Engine) renameBlob(ctx context.Context, req *core.RenameBlobRequest) (core.BlobDescriptor, error) {
	if req.Source == "" || req.Destination == "" {
		return core.BlobDescriptor{}, apierr.New(apierr.KindInvalidRequest, string(core.OpRenameBlob), "empty blob name")
	}
	v, err := e.volume(ctx, core.OpRenameBlob, req.Volume)
	if err != nil {
		return core.BlobDescriptor{}, err
	}
	// the row keeps its incarnation and gets a new version
	b, err := e.repo.RenameBlob(ctx, v.ID, req.Source, req.Destination)
	if err != nil {
		return core.BlobDescriptor{}, err
	}
	return blobDescriptor(b), nil
}

// ---------------------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------------------

func (e *Engine) startBlobTx(ctx context.Context, req *core.StartTxRequest) (core.TxDescriptor, error) {
	v, err := e.volume(ctx, core.OpStartBlobTx, req.Volume)
	if err != nil {
		return core.TxDescriptor{}, err
	}
	if req.Blob == "" {
		return core.TxDescriptor{}, apierr.New(apierr.KindInvalidRequest, string(core.OpStartBlobTx), "empty blob name")
	}

	// 1. Snapshot the base: a missing blob is a create
	desc := core.TxDescriptor{
		Volume:     req.Volume,
		Blob:       req.Blob,
		Mode:       req.Mode,
		ObjectSize: v.ObjectSize,
		Base:       core.BlobDescriptor{Name: req.Blob, Metadata: map[string]string{}},
	}
	var incarnation string
	b, err := e.repo.GetBlob(ctx, v.ID, req.Blob)
	switch {
	case err == nil:
		incarnation = b.Incarnation
		desc.Exists = true
		desc.BaseVersion = b.Version
		desc.Base = blobDescriptor(b)
	case errors.Is(err, meta.ErrBlobNotFound):
	default:
		return core.TxDescriptor{}, err
	}

	// 2. Optimistic precondition from the caller
	if req.ExpectedVersion > 0 && !desc.Exists {
		return core.TxDescriptor{}, apierr.New(apierr.KindNotFound, string(core.OpStartBlobTx),
			"blob %s no longer exists", req.Blob)
	}
	if req.ExpectedVersion > 0 && desc.BaseVersion != req.ExpectedVersion {
		return core.TxDescriptor{}, apierr.New(apierr.KindConflict, string(core.OpStartBlobTx),
			"blob %s is at version %d, expected %d", req.Blob, desc.BaseVersion, req.ExpectedVersion)
	}

	// 3. Key: the incarnation pins the exact row; a blob deleted and
	// recreated under the same name restarts at version 1 and must not match
	tx := e.txs.open(desc, v.ID, incarnation)
	return tx.desc, nil
}

func (e *Engine) openTx(op core.Op, id types.TxID) (*stagedTx, error) {
	tx, ok := e.txs.get(id)
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, string(op), "no open transaction %s", id)
	}
	return tx, nil
}

func checkUpdate(op core.Op, objectSize int64, index types.ObjectOffset, data []byte, extent int64) error {
	switch {
	case index < 0:
		return apierr.New(apierr.KindInvalidRequest, string(op), "negative object index %d", index)
	case int64(len(data)) > objectSize:
		return apierr.New(apierr.KindInvalidRequest, string(op), "%d bytes exceed object size %d", len(data), objectSize)
	case extent < 0 || extent > (index+1).ByteOffset(objectSize):
		return apierr.New(apierr.KindInvalidRequest, string(op), "extent %d outside object %d", extent, index)
	}
	return nil
}

func (e *Engine) updateBlob(_ context.Context, req *core.UpdateBlobRequest) (struct{}, error) {
	tx, err := e.openTx(core.OpUpdateBlob, req.Tx)
	if err != nil {
		return struct{}{}, err
	}
	if err := checkUpdate(core.OpUpdateBlob, tx.desc.ObjectSize, req.Index, req.Data, req.Extent); err != nil {
		return struct{}{}, err
	}
	// nothing reaches the store before commit
	tx.stage(int64(req.Index), req.Data, req.Extent)
	return struct{}{}, nil
}

func (e *Engine) updateMetadata(_ context.Context, req *core.UpdateMetadataRequest) (struct{}, error) {
	tx, err := e.openTx(core.OpUpdateMetadata, req.Tx)
	if err != nil {
		return struct{}{}, err
	}
	tx.mergeMetadata(req.Delta)
	return struct{}{}, nil
}

func (e *Engine) commitBlobTx(ctx context.Context, req *core.TxRequest) (core.BlobDescriptor, error) {
	// take, not get: a transaction commits at most once
	tx, ok := e.txs.take(req.Tx)
	if !ok {
		return core.BlobDescriptor{}, apierr.New(apierr.KindNotFound, string(core.OpCommitBlobTx), "no open transaction %s", req.Tx)
	}
	return e.commit(ctx, tx)
}

// abortBlobTx discards the staged state. Unknown ids are not an error.
func (e *Engine) abortBlobTx(_ context.Context, req *core.TxRequest) (struct{}, error) {
	e.txs.take(req.Tx)
	return struct{}{}, nil
}

func (e *Engine) updateBlobOnce(ctx context.Context, req *core.UpdateBlobOnceRequest) (core.BlobDescriptor, error) {
	desc, err := e.startBlobTx(ctx, &core.StartTxRequest{Volume: req.Volume, Blob: req.Blob, Mode: req.Mode})
	if err != nil {
		return core.BlobDescriptor{}, err
	}
	// private to this call, so it leaves the table at once
	tx, _ := e.txs.take(desc.ID)
	if err := checkUpdate(core.OpUpdateBlobOnce, desc.ObjectSize, req.Index, req.Data, req.Extent); err != nil {
		return core.BlobDescriptor{}, err
	}
	tx.stage(int64(req.Index), req.Data, req.Extent)
	tx.mergeMetadata(req.Metadata)
	return e.commit(ctx, tx)
}

// commit writes payloads first, then flips the catalog in one SQL
// transaction. Payloads orphaned by a failed CAS are unreachable, never wrong.
func (e *Engine) commit(ctx context.Context, tx *stagedTx) (core.BlobDescriptor, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	// 1. Hash every staged object at full object size
	size := tx.desc.ObjectSize
	hashes := make(map[int64]types.Hash, len(tx.objects))
	objs := make(map[int64]core.Object, len(tx.objects))
	for idx, data := range tx.objects {
		obj := core.NewObject(core.PadObject(data, size))
		objs[idx] = obj
		hashes[idx] = obj.ID()
	}

	// 2. Store payloads in parallel; content addressing makes retries harmless
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, obj := range objs {
		g.Go(func() error { return e.store.Put(gctx, obj) })
	}
	if err := g.Wait(); err != nil {
		return core.BlobDescriptor{}, apierr.Wrap(apierr.KindInternal, string(core.OpCommitBlobTx), err)
	}

	// 3. Flip the catalog; a lost CAS surfaces as meta.ErrConcurrentUpdate
	start := time.Now()
	b, err := e.repo.CommitBlob(ctx, meta.CommitParams{
		VolumeID:        tx.volumeID,
		Name:            tx.desc.Blob,
		ObjectSize:      size,
		BaseVersion:     tx.desc.BaseVersion,
		BaseIncarnation: tx.incarnation,
		Objects:         hashes,
		Metadata:        tx.metadata,
		Extent:          tx.extent,
		Truncate:        tx.desc.Mode == core.ModeTruncate,
	})
	if err != nil {
		return core.BlobDescriptor{}, err
	}
	e.logger.Debug("transaction committed", "tx", tx.desc.ID, "blob", tx.desc.Blob,
		"objects", len(hashes), "version", b.Version, "took", time.Since(start))
	return blobDescriptor(b), nil
}

