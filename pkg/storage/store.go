package storage

import (
	"context"
	"errors"
	"io"

	"blobgate/pkg/core"
	"blobgate/pkg/types"
)

var (
	ErrNotFound = errors.New("object not found")
)

// Store persists content-addressed objects.
// Implementations: local disk, S3, MinIO, plus the cache and compress decorators.
type Store interface {
	// Put persists obj under obj.ID(). Putting an existing ID is a no-op.
	Put(ctx context.Context, obj core.Object) error

	// Get streams the stored payload. Missing objects yield ErrNotFound.
	Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error)

	// Has reports whether hash is stored.
	Has(ctx context.Context, hash types.Hash) (bool, error)
}

// ReadAll fetches a whole object into memory.
func ReadAll(ctx context.Context, s Store, hash types.Hash) ([]byte, error) {
	rc, err := s.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// encodedObject carries an alternate on-disk form under the original ID.
type encodedObject struct {
	id   types.Hash
	data []byte
}

func (o encodedObject) ID() types.Hash { return o.id }
func (o encodedObject) Bytes() []byte  { return o.data }

// WithBytes returns an object that persists data under id.
func WithBytes(id types.Hash, data []byte) core.Object {
	return encodedObject{id: id, data: data}
}
