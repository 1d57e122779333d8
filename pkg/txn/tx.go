package txn

import (
	"context"
	"maps"
	"sync"

	"blobgate/pkg/apierr"
	"blobgate/pkg/chunker"
	"blobgate/pkg/client"
	"blobgate/pkg/core"
	"blobgate/pkg/types"
)

// State of a transaction. Open is the only state that accepts updates.
type State uint8

const (
	StateOpen State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Tx is one open transaction on one blob. Updates are applied in call
// order; a Tx is not safe for concurrent Apply calls, but Abort may race
// with them.
type Tx struct {
	co      *Coordinator
	desc    core.TxDescriptor
	release func()

	mu    sync.Mutex
	state State

	chunker *chunker.Chunker
	length  int64 // logical length as seen by this transaction
	staged  map[types.ObjectOffset][]byte
	delta   map[string]string
	updates []Update
	final   bool
	err     error // first failed apply; commit refuses after it
}

func (t *Tx) ID() types.TxID { return t.desc.ID }

// Descriptor is the engine's view at Begin: base version and content.
func (t *Tx) Descriptor() core.TxDescriptor { return t.desc }

func (t *Tx) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Length is the blob length the commit will produce, as far as this
// transaction knows.
func (t *Tx) Length() int64 { return t.length }

// Updates returns the updates applied so far, in order.
func (t *Tx) Updates() []Update {
	out := make([]Update, len(t.updates))
	copy(out, t.updates)
	return out
}

// ApplyContent writes data at byte offset. Partial objects are completed
// from this transaction's earlier writes or from committed content, then
// sent whole. final marks the end of a stream.
func (t *Tx) ApplyContent(ctx context.Context, offset int64, data []byte, final bool) error {
	return t.Apply(ctx, ContentUpdate{Offset: offset, Data: data, Final: final})
}

// ApplyMetadata merges delta into the metadata the commit will set.
func (t *Tx) ApplyMetadata(ctx context.Context, delta map[string]string) error {
	return t.Apply(ctx, MetadataUpdate{Delta: delta})
}

func (t *Tx) Apply(ctx context.Context, u Update) error {
	if err := t.checkOpen(core.OpUpdateBlob); err != nil {
		return err
	}

	var err error
	switch u := u.(type) {
	case ContentUpdate:
		err = t.applyContent(ctx, u)
		if err == nil {
			t.updates = append(t.updates, u)
		}
	case MetadataUpdate:
		u = u.clone()
		maps.Copy(t.delta, u.Delta)
		t.updates = append(t.updates, u)
	default:
		return apierr.New(apierr.KindInvalidRequest, string(core.OpUpdateBlob), "unsupported update %T", u)
	}
	if err != nil && t.err == nil && apierr.KindOf(err) != apierr.KindInvalidRequest {
		t.err = err
	}
	return err
}

func (t *Tx) applyContent(ctx context.Context, u ContentUpdate) error {
	op := string(core.OpUpdateBlob)
	switch {
	case t.final:
		return apierr.New(apierr.KindInvalidRequest, op, "content after final update in tx %s", t.desc.ID)
	case u.Offset < 0:
		return apierr.New(apierr.KindInvalidRequest, op, "negative offset %d", u.Offset)
	}
	if len(u.Data) == 0 {
		t.final = u.Final
		return nil
	}
	if t.chunker == nil {
		t.chunker = chunker.NewChunker(t.desc.ObjectSize)
	}
	size := t.desc.ObjectSize
	steps := t.chunker.PlanWrite(u.Offset, int64(len(u.Data)), t.length)

	// 1. Read what the splice must preserve
	current := make([][]byte, len(steps))
	reads := make([]*client.Future[[]byte], len(steps))
	for i, st := range steps {
		if !st.Fetch {
			continue
		}
		if obj, ok := t.staged[st.Index]; ok {
			current[i] = obj
			continue
		}
		if t.committed(st.Index) {
			reads[i] = t.co.client.ReadObject(ctx, t.desc.Volume, t.desc.Blob, st.Index, 0, size)
		}
	}
	for i, f := range reads {
		if f == nil {
			continue
		}
		obj, err := f.Get(ctx)
		if err != nil {
			return err
		}
		current[i] = obj
	}

	// 2. Splice and send whole objects
	writes := make([]*client.Future[struct{}], len(steps))
	for i, st := range steps {
		obj := t.chunker.Splice(st, current[i], u.Data)
		t.staged[st.Index] = obj
		extent := st.Index.ByteOffset(size) + st.InnerOffset + st.InnerLength
		writes[i] = t.co.client.UpdateBlob(ctx, t.desc.ID, st.Index, obj, extent)
	}
	for _, f := range writes {
		if _, err := f.Get(ctx); err != nil {
			return err
		}
	}

	t.length = max(t.length, u.End())
	t.final = u.Final
	return nil
}

// committed reports whether the engine may hold content for index that
// this transaction builds on.
func (t *Tx) committed(index types.ObjectOffset) bool {
	return t.desc.Mode != core.ModeTruncate &&
		t.desc.Exists &&
		index.ByteOffset(t.desc.ObjectSize) < t.desc.Base.ByteCount
}

// Commit makes every applied update visible at once. On any failure the
// transaction ends aborted and the blob keeps its prior committed state.
func (t *Tx) Commit(ctx context.Context) (core.BlobDescriptor, error) {
	if err := t.checkOpen(core.OpCommitBlobTx); err != nil {
		return core.BlobDescriptor{}, err
	}
	if t.err != nil {
		t.fail(ctx, t.err)
		return core.BlobDescriptor{}, t.err
	}

	if len(t.delta) > 0 {
		if _, err := t.co.client.UpdateMetadata(ctx, t.desc.ID, t.delta).Get(ctx); err != nil {
			t.fail(ctx, err)
			return core.BlobDescriptor{}, err
		}
	}
	desc, err := t.co.client.CommitBlobTx(ctx, t.desc.ID).Get(ctx)
	if err != nil {
		t.fail(ctx, err)
		return core.BlobDescriptor{}, err
	}

	if t.finish(StateCommitted) {
		t.co.logger.Debug("transaction committed", "tx", t.desc.ID, "blob", t.desc.Blob,
			"version", desc.Version, "byte_count", desc.ByteCount, "updates", len(t.updates))
	}
	return desc, nil
}

// Abort discards the transaction. It always succeeds, including on a
// transaction that already ended; an engine-side failure is only logged.
func (t *Tx) Abort(ctx context.Context) error {
	if !t.finish(StateAborted) {
		return nil
	}
	t.abortRemote(ctx)
	return nil
}

func (t *Tx) fail(ctx context.Context, cause error) {
	if !t.finish(StateAborted) {
		return
	}
	t.co.logger.Debug("transaction failed", "tx", t.desc.ID, "blob", t.desc.Blob, "error", cause)
	t.abortRemote(ctx)
}

func (t *Tx) abortRemote(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if _, err := t.co.client.AbortBlobTx(ctx, t.desc.ID).Get(ctx); err != nil {
		t.co.logger.Warn("abort failed", "tx", t.desc.ID, "blob", t.desc.Blob, "error", err)
	}
}

// finish moves an open transaction to s and frees the blob's slot. It
// reports false if the transaction had already ended.
func (t *Tx) finish(s State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return false
	}
	t.state = s
	t.release()
	return true
}

func (t *Tx) checkOpen(op core.Op) error {
	if s := t.State(); s != StateOpen {
		return apierr.New(apierr.KindInvalidRequest, string(op), "transaction %s is %s", t.desc.ID, s)
	}
	return nil
}
