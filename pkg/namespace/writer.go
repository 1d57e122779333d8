package namespace

import (
	"context"
	"sync"

	"blobgate/pkg/txn"
)

// Writer streams into one file through a single transaction. Nothing is
// visible until Close commits.
//
// Write runs under the context given to OpenWriter, since io.Writer has no
// room for one. Close and Abort take their own, so a stream can still be
// committed or released after that context has ended.
type Writer struct {
	a   *Adapter
	ino Inode
	ctx context.Context // Write only
	tx  *txn.Tx

	mu     sync.Mutex
	offset int64
	closed bool
}

// OpenWriter starts a transaction on a regular file; writes begin at
// offset.
func (a *Adapter) OpenWriter(ctx context.Context, ino Inode, offset int64) (*Writer, error) {
	_, attrs, err := a.load(ctx, ino.Path)
	if err != nil {
		return nil, err
	}
	if attrs.Type == TypeDirectory {
		return nil, pathError(ErrIsDir, ino.Path)
	}
	tx, err := a.txn.Begin(ctx, a.vol, ino.Path, txn.BeginOptions{})
	if err != nil {
		return nil, fsError(err)
	}
	if !tx.Descriptor().Exists {
		_ = tx.Abort(ctx)
		return nil, pathError(ErrNoEntry, ino.Path)
	}
	return &Writer{a: a, ino: ino, ctx: ctx, tx: tx, offset: offset}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errWriterClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	// the transaction keeps the slice until commit
	buf := append([]byte(nil), p...)
	if err := w.tx.ApplyContent(w.ctx, w.offset, buf, false); err != nil {
		return 0, fsError(err)
	}
	w.offset += int64(len(p))
	return len(p), nil
}

// Close marks the stream final, stamps mtime and commits.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	now := formatTime(w.a.now())
	if err := w.tx.ApplyContent(ctx, w.offset, nil, true); err != nil {
		_ = w.tx.Abort(ctx)
		return fsError(err)
	}
	if err := w.tx.ApplyMetadata(ctx, map[string]string{keyMtime: now, keyCtime: now}); err != nil {
		_ = w.tx.Abort(ctx)
		return fsError(err)
	}
	if _, err := w.tx.Commit(ctx); err != nil {
		return fsError(err)
	}
	return nil
}

// Abort drops everything written so far.
func (w *Writer) Abort(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.tx.Abort(ctx)
}
