package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"blobgate/pkg/ignore"
	"blobgate/pkg/namespace"
)

// importBufferSize is the copy buffer shared by every file of one import.
const importBufferSize = 1 << 20

// ImportStats summarises an ImportTree run.
type ImportStats struct {
	Dirs  int
	Files int
	Bytes int64
}

// ImportTree copies the local directory localRoot under dest, honouring
// .blobignore rules. Existing directories are reused and existing files are
// replaced.
func ImportTree(ctx context.Context, nsa *namespace.Adapter, dest namespace.Inode, localRoot string, owner namespace.Owner) (ImportStats, error) {
	var stats ImportStats
	// 1. Ignore rules from localRoot/.blobignore
	matcher, err := ignore.NewMatcher(localRoot)
	if err != nil {
		return stats, err
	}

	// 2. Walk parents before children; dirs maps local rel path -> inode
	dirs := map[string]namespace.Inode{".": dest}
	buf := make([]byte, importBufferSize)

	err = matcher.Walk(localRoot, func(rel string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		parent, ok := dirs[path.Dir(rel)]
		if !ok {
			return fmt.Errorf("import %s: parent not imported", rel)
		}
		name := path.Base(rel)

		if d.IsDir() {
			ino, err := ensureDir(ctx, nsa, parent, name, owner)
			if err != nil {
				return err
			}
			dirs[rel] = ino
			stats.Dirs++
			return nil
		}
		// symlinks, devices and sockets are skipped
		if !d.Type().IsRegular() {
			return nil
		}

		n, err := importFile(ctx, nsa, parent, name, filepath.Join(localRoot, filepath.FromSlash(rel)), owner, buf)
		if err != nil {
			return fmt.Errorf("import %s: %w", rel, err)
		}
		stats.Files++
		stats.Bytes += n
		return nil
	})
	return stats, err
}

func ensureDir(ctx context.Context, nsa *namespace.Adapter, parent namespace.Inode, name string, owner namespace.Owner) (namespace.Inode, error) {
	ino, err := nsa.Mkdir(ctx, parent, name, owner, 0o755)
	if !errors.Is(err, namespace.ErrExist) {
		return ino, err
	}
	ino, _, err = nsa.Lookup(ctx, parent, name)
	if err != nil {
		return namespace.Inode{}, err
	}
	if !ino.IsDir() {
		return namespace.Inode{}, fmt.Errorf("%s: %w", ino.Path, namespace.ErrNotDir)
	}
	return ino, nil
}

func importFile(ctx context.Context, nsa *namespace.Adapter, parent namespace.Inode, name, local string, owner namespace.Owner, buf []byte) (int64, error) {
	f, err := os.Open(local)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	// 1. Replace, not merge: an existing file is removed and recreated
	ino, err := nsa.Create(ctx, parent, name, owner, 0o644)
	if errors.Is(err, namespace.ErrExist) {
		if err := nsa.Remove(ctx, parent, name); err != nil {
			return 0, err
		}
		ino, err = nsa.Create(ctx, parent, name, owner, 0o644)
	}
	if err != nil {
		return 0, err
	}

	// 2. Stream through one transaction; nothing is visible until Close
	w, err := nsa.OpenWriter(ctx, ino, 0)
	if err != nil {
		return 0, err
	}
	n, err := io.CopyBuffer(w, f, buf)
	if err != nil {
		_ = w.Abort(ctx)
		return n, err
	}
	return n, w.Close(ctx)
}
