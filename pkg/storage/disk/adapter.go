package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"blobgate/pkg/core"
	"blobgate/pkg/storage"
	"blobgate/pkg/types"
)

// Adapter stores objects as files under a root directory.
type Adapter struct {
	rootPath string // e.g. /var/lib/blobgate/objects
}

// NewAdapter creates root if needed.
func NewAdapter(root string) (*Adapter, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	return &Adapter{rootPath: root}, nil
}

// layout shards by the first two hash characters: "aabbcc" -> root/aa/bbcc
func (s *Adapter) layout(hash types.Hash) string {
	h := hash.String()
	if len(h) < 2 {
		return filepath.Join(s.rootPath, h)
	}
	return filepath.Join(s.rootPath, h[:2], h[2:])
}

func (s *Adapter) Put(ctx context.Context, obj core.Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	targetPath := s.layout(obj.ID())

	// 1. Idempotent
	if _, err := os.Stat(targetPath); err == nil {
		return nil
	}

	// 2. Shard dir
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// 3. Write a temp file, then rename, so readers never see a partial object
	tempFile, err := os.CreateTemp(dir, "temp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(obj.Bytes()); err != nil {
		tempFile.Close()
		return err
	}
	// the catalog will point at this object once Put returns
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	// 4. Publish
	return os.Rename(tempFile.Name(), targetPath)
}

// Get opens the object file; the caller closes it.
func (s *Adapter) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	// file IO does not take a context, so check it up front
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.layout(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Adapter) Has(ctx context.Context, hash types.Hash) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.layout(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
