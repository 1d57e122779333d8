// Package ingester streams a reader into a blob, one object-sized frame at
// a time, inside a single truncating transaction.
package ingester

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"maps"
	"strconv"
	"time"

	"blobgate/pkg/core"
	"blobgate/pkg/txn"
)

// Metadata keys set on every put.
const (
	MetaETag         = "etag"
	MetaLastModified = "last-modified"
)

// ObjectSizer resolves a volume's object size. *client.Client satisfies it.
type ObjectSizer interface {
	ObjectSize(ctx context.Context, vol core.VolumeRef) (int64, error)
}

type Ingester struct {
	sizes ObjectSizer
	txn   *txn.Coordinator
	now   func() time.Time
}

func NewIngester(sizes ObjectSizer, co *txn.Coordinator) *Ingester {
	return &Ingester{sizes: sizes, txn: co, now: time.Now}
}

// PutBlob replaces blob with everything r yields. The MD5 of the content is
// stored as "etag"; "last-modified" (unix millis) is set unless metadata
// already carries one. A read failure aborts and leaves the blob as it was.
func (ing *Ingester) PutBlob(ctx context.Context, vol core.VolumeRef, blob string, r io.Reader, metadata map[string]string) (core.BlobDescriptor, error) {
	// 1. Frames line up with objects, so no write needs a read-modify-write
	size, err := ing.sizes.ObjectSize(ctx, vol)
	if err != nil {
		return core.BlobDescriptor{}, err
	}

	// 2. Truncate mode: the old tail goes away at commit
	tx, err := ing.txn.Begin(ctx, vol, blob, txn.BeginOptions{Mode: core.ModeTruncate})
	if err != nil {
		return core.BlobDescriptor{}, err
	}

	// 3. Stream, hashing as we go
	digest := md5.New()
	if err := ing.stream(ctx, tx, io.TeeReader(r, digest), size); err != nil {
		_ = tx.Abort(ctx)
		return core.BlobDescriptor{}, err
	}
	// 4. Metadata rides the same commit
	if err := tx.ApplyMetadata(ctx, ing.finalMetadata(metadata, digest)); err != nil {
		_ = tx.Abort(ctx)
		return core.BlobDescriptor{}, err
	}
	return tx.Commit(ctx)
}

// stream applies r frame by frame. Only the last frame may be short.
func (ing *Ingester) stream(ctx context.Context, tx *txn.Tx, r io.Reader, frameSize int64) error {
	var offset int64
	for {
		// a fresh frame each time: the transaction keeps it until commit
		frame := make([]byte, frameSize)
		n, err := io.ReadFull(r, frame)
		last := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !last {
			return fmt.Errorf("read frame at %d: %w", offset, err)
		}
		if applyErr := tx.ApplyContent(ctx, offset, frame[:n], last); applyErr != nil {
			return applyErr
		}
		offset += int64(n)
		if last {
			return nil
		}
	}
}

func (ing *Ingester) finalMetadata(metadata map[string]string, digest hash.Hash) map[string]string {
	md := maps.Clone(metadata)
	if md == nil {
		md = make(map[string]string, 2)
	}
	if _, ok := md[MetaLastModified]; !ok {
		md[MetaLastModified] = strconv.FormatInt(ing.now().UnixMilli(), 10)
	}
	md[MetaETag] = hex.EncodeToString(digest.Sum(nil))
	return md
}
