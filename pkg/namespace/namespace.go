// Package namespace projects a POSIX-style directory tree onto the flat
// blob namespace of one volume.
//
// Every file and directory is a blob named by its absolute path. Its
// filesystem attributes live in the blob's metadata under "fs.*" keys; a
// file's size is the blob's byteCount. A directory carries a generation
// counter that is bumped on every child create, remove and rename.
//
// The bump is a separate transaction on the parent and is not atomic with
// the child change. A lister racing with a mutation can see the new child
// under the old generation, or the other way round, for one step.
package namespace

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"blobgate/pkg/apierr"
	"blobgate/pkg/client"
	"blobgate/pkg/core"
	"blobgate/pkg/txn"
	"blobgate/pkg/types"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Client is the read side of the blob client the adapter needs.
// *client.Client satisfies it.
type Client interface {
	StatBlob(ctx context.Context, vol core.VolumeRef, blob string) *client.Future[core.BlobDescriptor]
	ListBlobs(ctx context.Context, vol core.VolumeRef, filter core.ListFilter) *client.Future[core.BlobList]
	ReadObjects(ctx context.Context, vol core.VolumeRef, blob string, objectOffset types.ObjectOffset, length int64) *client.Future[[]byte]
	DeleteBlob(ctx context.Context, vol core.VolumeRef, blob string) *client.Future[struct{}]
	RenameBlob(ctx context.Context, vol core.VolumeRef, src, dst string) *client.Future[core.BlobDescriptor]
	ObjectSize(ctx context.Context, vol core.VolumeRef) (int64, error)
}

var _ Client = (*client.Client)(nil)

// bumpAttempts bounds retries of a parent generation bump that lost a
// commit race to another client.
const bumpAttempts = 3

type Adapter struct {
	client Client
	txn    *txn.Coordinator
	vol    core.VolumeRef

	listings  *listingCache
	cacheSize int
	root      singleflight.Group
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Adapter)

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock replaces time.Now for attribute timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithListingCacheSize bounds the directory listing cache. Zero disables
// it.
func WithListingCacheSize(n int) Option {
	return func(a *Adapter) { a.cacheSize = n }
}

// New serves the tree stored in vol. Writes go through co.
func New(c Client, co *txn.Coordinator, vol core.VolumeRef, opts ...Option) *Adapter {
	a := &Adapter{
		client:    c,
		txn:       co,
		vol:       vol,
		cacheSize: DefaultListingCacheSize,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.listings = newListingCache(a.cacheSize)
	a.logger = a.logger.With("volume", vol.String())
	return a
}

func (a *Adapter) Volume() core.VolumeRef { return a.vol }

// Root returns the volume's root directory, creating it on first use.
func (a *Adapter) Root(ctx context.Context) (Inode, error) {
	_, attrs, err := a.load(ctx, rootPath)
	if err != nil {
		return Inode{}, err
	}
	return a.inode(rootPath, attrs), nil
}

// Lookup resolves name inside dir.
func (a *Adapter) Lookup(ctx context.Context, dir Inode, name string) (Inode, Attributes, error) {
	p, err := childPath(dir.Path, name)
	if err != nil {
		return Inode{}, Attributes{}, err
	}
	_, attrs, err := a.load(ctx, p)
	if err != nil {
		return Inode{}, Attributes{}, err
	}
	return a.inode(p, attrs), attrs, nil
}

func (a *Adapter) GetAttributes(ctx context.Context, ino Inode) (Attributes, error) {
	_, attrs, err := a.load(ctx, ino.Path)
	return attrs, err
}

// SetAttributes merges the changed fields into the entry's metadata.
func (a *Adapter) SetAttributes(ctx context.Context, ino Inode, set SetAttr) (Attributes, error) {
	if _, _, err := a.load(ctx, ino.Path); err != nil {
		return Attributes{}, err
	}
	desc, err := a.txn.UpdateMetadata(ctx, a.vol, ino.Path, set.delta(a.now()), txn.BeginOptions{})
	if err != nil {
		return Attributes{}, fsError(err)
	}
	return attributesOf(desc), nil
}

// Create makes an empty regular file.
func (a *Adapter) Create(ctx context.Context, dir Inode, name string, owner Owner, mode uint32) (Inode, error) {
	return a.create(ctx, dir, name, TypeFile, owner, mode)
}

func (a *Adapter) Mkdir(ctx context.Context, dir Inode, name string, owner Owner, mode uint32) (Inode, error) {
	return a.create(ctx, dir, name, TypeDirectory, owner, mode)
}

func (a *Adapter) create(ctx context.Context, dir Inode, name string, typ FileType, owner Owner, mode uint32) (Inode, error) {
	p, err := childPath(dir.Path, name)
	if err != nil {
		return Inode{}, err
	}
	if _, err := a.loadDir(ctx, dir.Path); err != nil {
		return Inode{}, err
	}

	// 1. The child must not exist yet
	if _, err := a.client.StatBlob(ctx, a.vol, p).Get(ctx); err == nil {
		return Inode{}, pathError(ErrExist, p)
	} else if apierr.KindOf(err) != apierr.KindNotFound {
		return Inode{}, fsError(err)
	}

	// 2. The child itself
	attrs, err := a.createEntry(ctx, p, typ, owner, mode)
	if err != nil {
		return Inode{}, err
	}

	// 3. The parent's generation, in its own transaction
	a.listings.drop(dir.Path)
	if err := a.bumpGeneration(ctx, dir.Path); err != nil {
		return Inode{}, err
	}
	return a.inode(p, attrs), nil
}

// createEntry commits a new blob holding only attributes. Losing the
// race to another creator fails ErrExist.
func (a *Adapter) createEntry(ctx context.Context, p string, typ FileType, owner Owner, mode uint32) (Attributes, error) {
	now := a.now()
	attrs := Attributes{
		Type:   typ,
		UID:    owner.UID,
		GID:    owner.GID,
		Mode:   mode & 0o7777,
		FileID: newFileID(),
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
	}

	tx, err := a.txn.Begin(ctx, a.vol, p, txn.BeginOptions{})
	if err != nil {
		return Attributes{}, fsError(err)
	}
	if tx.Descriptor().Exists {
		_ = tx.Abort(ctx)
		return Attributes{}, pathError(ErrExist, p)
	}
	if err := tx.ApplyMetadata(ctx, attrs.metadata()); err != nil {
		_ = tx.Abort(ctx)
		return Attributes{}, fsError(err)
	}
	desc, err := tx.Commit(ctx)
	if err != nil {
		return Attributes{}, createError(err)
	}
	a.logger.Debug("entry created", "path", p, "type", typ, "fileid", attrs.FileID)
	return attributesOf(desc), nil
}

// Remove deletes name from dir. Directories must be empty.
func (a *Adapter) Remove(ctx context.Context, dir Inode, name string) error {
	p, err := childPath(dir.Path, name)
	if err != nil {
		return err
	}
	_, attrs, err := a.load(ctx, p)
	if err != nil {
		return err
	}
	if attrs.Type == TypeDirectory {
		if err := a.checkEmpty(ctx, p); err != nil {
			return err
		}
	}

	if _, err := a.client.DeleteBlob(ctx, a.vol, p).Get(ctx); err != nil {
		return fsError(err)
	}
	a.listings.drop(p)
	a.listings.drop(dir.Path)
	return a.bumpGeneration(ctx, dir.Path)
}

// Rename moves a file or an empty directory. The destination must not
// exist.
func (a *Adapter) Rename(ctx context.Context, srcDir Inode, srcName string, dstDir Inode, dstName string) error {
	src, err := childPath(srcDir.Path, srcName)
	if err != nil {
		return err
	}
	dst, err := childPath(dstDir.Path, dstName)
	if err != nil {
		return err
	}
	_, attrs, err := a.load(ctx, src)
	if err != nil {
		return err
	}
	if _, err := a.loadDir(ctx, dstDir.Path); err != nil {
		return err
	}
	if attrs.Type == TypeDirectory {
		if err := a.checkEmpty(ctx, src); err != nil {
			return err
		}
	}

	if _, err := a.client.RenameBlob(ctx, a.vol, src, dst).Get(ctx); err != nil {
		return fsError(err)
	}
	a.listings.drop(src)
	a.listings.drop(srcDir.Path)
	a.listings.drop(dstDir.Path)

	if err := a.bumpGeneration(ctx, srcDir.Path); err != nil {
		return err
	}
	if dstDir.Path != srcDir.Path {
		return a.bumpGeneration(ctx, dstDir.Path)
	}
	return nil
}

// Read returns up to length bytes at offset. The range is clamped to the
// file's size; reading at or past the end yields no bytes.
func (a *Adapter) Read(ctx context.Context, ino Inode, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, apierr.New(apierr.KindInvalidRequest, "read", "negative range offset=%d length=%d", offset, length)
	}
	_, attrs, err := a.load(ctx, ino.Path)
	if err != nil {
		return nil, err
	}
	if attrs.Type == TypeDirectory {
		return nil, pathError(ErrIsDir, ino.Path)
	}

	length = max(0, min(length, attrs.Size-offset))
	if length == 0 {
		return []byte{}, nil
	}
	size, err := a.client.ObjectSize(ctx, a.vol)
	if err != nil {
		return nil, fsError(err)
	}
	first := types.ObjectOffsetOf(offset, size)
	skip := offset - first.ByteOffset(size)
	data, err := a.client.ReadObjects(ctx, a.vol, ino.Path, first, skip+length).Get(ctx)
	if err != nil {
		return nil, fsError(err)
	}
	return data[skip:], nil
}

// Write stores data at offset in one transaction and returns the number of
// bytes written.
func (a *Adapter) Write(ctx context.Context, ino Inode, offset int64, data []byte) (int, error) {
	w, err := a.OpenWriter(ctx, ino, offset)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Abort(ctx)
		return 0, err
	}
	if err := w.Close(ctx); err != nil {
		return 0, err
	}
	return len(data), nil
}

// load stats p. A missing root is created on the spot.
func (a *Adapter) load(ctx context.Context, p string) (core.BlobDescriptor, Attributes, error) {
	desc, err := a.client.StatBlob(ctx, a.vol, p).Get(ctx)
	if err == nil {
		return desc, attributesOf(desc), nil
	}
	if p != rootPath || apierr.KindOf(err) != apierr.KindNotFound {
		return core.BlobDescriptor{}, Attributes{}, fsError(err)
	}

	if err := a.createRoot(ctx); err != nil {
		return core.BlobDescriptor{}, Attributes{}, err
	}
	desc, err = a.client.StatBlob(ctx, a.vol, p).Get(ctx)
	if err != nil {
		return core.BlobDescriptor{}, Attributes{}, fsError(err)
	}
	return desc, attributesOf(desc), nil
}

func (a *Adapter) loadDir(ctx context.Context, p string) (core.BlobDescriptor, error) {
	desc, attrs, err := a.load(ctx, p)
	if err != nil {
		return core.BlobDescriptor{}, err
	}
	if attrs.Type != TypeDirectory {
		return core.BlobDescriptor{}, pathError(ErrNotDir, p)
	}
	return desc, nil
}

// createRoot makes "/" owned by root. Concurrent callers share one attempt,
// and another client winning the race counts as success.
func (a *Adapter) createRoot(ctx context.Context) error {
	_, err, _ := a.root.Do(rootPath, func() (any, error) {
		_, err := a.createEntry(ctx, rootPath, TypeDirectory, Owner{}, defaultDirMode)
		if errors.Is(err, ErrExist) {
			return nil, nil
		}
		if err == nil {
			a.logger.Info("volume root created")
		}
		return nil, err
	})
	return err
}

// bumpGeneration increments dir's generation and touches its mtime.
func (a *Adapter) bumpGeneration(ctx context.Context, dir string) error {
	var err error
	for range bumpAttempts {
		if err = a.tryBump(ctx, dir); apierr.KindOf(err) != apierr.KindConflict {
			break
		}
		a.logger.Debug("generation bump lost a race, retrying", "dir", dir)
	}
	if err != nil {
		a.logger.Warn("generation bump failed", "dir", dir, "error", err)
		return fsError(err)
	}
	return nil
}

func (a *Adapter) tryBump(ctx context.Context, dir string) error {
	tx, err := a.txn.Begin(ctx, a.vol, dir, txn.BeginOptions{})
	if err != nil {
		return err
	}
	base := tx.Descriptor()
	if !base.Exists {
		_ = tx.Abort(ctx)
		return apierr.New(apierr.KindNotFound, "bumpGeneration", "directory %s vanished", dir)
	}

	gen := attributesOf(base.Base).Generation + 1
	now := formatTime(a.now())
	delta := map[string]string{
		keyGeneration: formatUint(gen),
		keyMtime:      now,
		keyCtime:      now,
	}
	if err := tx.ApplyMetadata(ctx, delta); err != nil {
		_ = tx.Abort(ctx)
		return err
	}
	_, err = tx.Commit(ctx)
	return err
}

// checkEmpty fails ErrNotEmpty if anything is stored below dir.
func (a *Adapter) checkEmpty(ctx context.Context, dir string) error {
	page, err := a.client.ListBlobs(ctx, a.vol, core.ListFilter{Prefix: childPrefix(dir), Limit: 1}).Get(ctx)
	if err != nil {
		return fsError(err)
	}
	if page.Total > 0 {
		return pathError(ErrNotEmpty, dir)
	}
	return nil
}

func (a *Adapter) inode(p string, attrs Attributes) Inode {
	return Inode{Volume: a.vol, Path: p, Type: attrs.Type, FileID: attrs.FileID}
}

// newFileID is the low 63 bits of a random UUID.
func newFileID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[8:]) &^ (1 << 63)
}
