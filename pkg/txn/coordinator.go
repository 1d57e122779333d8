// Package txn sequences content and metadata changes to one blob into a
// single engine transaction.
//
// A coordinator lets at most one transaction per blob be open at a time.
// A second Begin on the same blob waits its turn; waiters are served in
// arrival order. Unrelated blobs never contend.
package txn

import (
	"context"
	"errors"
	"log/slog"

	"blobgate/pkg/apierr"
	"blobgate/pkg/client"
	"blobgate/pkg/core"
	"blobgate/pkg/types"
)

// Client is the slice of the blob client a coordinator drives.
// *client.Client satisfies it.
type Client interface {
	StartBlobTx(ctx context.Context, vol core.VolumeRef, blob string, mode core.BlobMode, expectedVersion int64) *client.Future[core.TxDescriptor]
	ReadObject(ctx context.Context, vol core.VolumeRef, blob string, index types.ObjectOffset, innerOffset, innerLength int64) *client.Future[[]byte]
	UpdateBlob(ctx context.Context, tx types.TxID, index types.ObjectOffset, data []byte, extent int64) *client.Future[struct{}]
	UpdateMetadata(ctx context.Context, tx types.TxID, delta map[string]string) *client.Future[struct{}]
	CommitBlobTx(ctx context.Context, tx types.TxID) *client.Future[core.BlobDescriptor]
	AbortBlobTx(ctx context.Context, tx types.TxID) *client.Future[struct{}]
}

var _ Client = (*client.Client)(nil)

// BeginOptions tune a new transaction.
type BeginOptions struct {
	// ExpectedVersion > 0 pins the blob's committed version. Begin fails
	// Conflict on a mismatch and NotFound if the blob is gone.
	ExpectedVersion int64
	// ModeTruncate sets the blob's length to the highest byte this
	// transaction writes. Objects it never writes below that end keep their
	// committed bytes, so truncating writers should cover [0, end).
	Mode core.BlobMode
}

type Coordinator struct {
	client Client
	slots  *slotTable
	logger *slog.Logger
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(c Client, opts ...Option) *Coordinator {
	co := &Coordinator{
		client: c,
		slots:  newSlotTable(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Begin opens a transaction on blob, waiting for any transaction this
// coordinator already has open on it. The blob need not exist yet.
func (c *Coordinator) Begin(ctx context.Context, vol core.VolumeRef, blob string, opts BeginOptions) (*Tx, error) {
	key := vol.BlobKey(blob)
	release, err := c.slots.acquire(ctx, key)
	if err != nil {
		return nil, apierr.Wrap(contextKind(err), string(core.OpStartBlobTx), err)
	}

	desc, err := c.client.StartBlobTx(ctx, vol, blob, opts.Mode, opts.ExpectedVersion).Get(ctx)
	if err != nil {
		release()
		return nil, err
	}

	tx := &Tx{
		co:      c,
		desc:    desc,
		release: release,
		staged:  make(map[types.ObjectOffset][]byte),
		delta:   make(map[string]string),
	}
	if opts.Mode != core.ModeTruncate {
		tx.length = desc.Base.ByteCount
	}
	c.logger.Debug("transaction opened", "tx", desc.ID, "blob", key, "mode", opts.Mode, "base_version", desc.BaseVersion)
	return tx, nil
}

// Open reports how many blobs have a transaction open or queued.
func (c *Coordinator) Open() int { return c.slots.busy() }

// Write is Begin, one final ApplyContent and Commit. The transaction is
// aborted if any step fails.
func (c *Coordinator) Write(ctx context.Context, vol core.VolumeRef, blob string, offset int64, data []byte, metadata map[string]string) (core.BlobDescriptor, error) {
	tx, err := c.Begin(ctx, vol, blob, BeginOptions{})
	if err != nil {
		return core.BlobDescriptor{}, err
	}
	if err := tx.ApplyContent(ctx, offset, data, true); err != nil {
		_ = tx.Abort(ctx)
		return core.BlobDescriptor{}, err
	}
	if len(metadata) > 0 {
		if err := tx.ApplyMetadata(ctx, metadata); err != nil {
			_ = tx.Abort(ctx)
			return core.BlobDescriptor{}, err
		}
	}
	return tx.Commit(ctx)
}

// UpdateMetadata merges delta into blob's metadata in its own transaction.
func (c *Coordinator) UpdateMetadata(ctx context.Context, vol core.VolumeRef, blob string, delta map[string]string, opts BeginOptions) (core.BlobDescriptor, error) {
	tx, err := c.Begin(ctx, vol, blob, opts)
	if err != nil {
		return core.BlobDescriptor{}, err
	}
	if err := tx.ApplyMetadata(ctx, delta); err != nil {
		_ = tx.Abort(ctx)
		return core.BlobDescriptor{}, err
	}
	return tx.Commit(ctx)
}

func contextKind(err error) apierr.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.KindTimeout
	}
	return apierr.KindCancelled
}
