package namespace

import (
	"path"
	"strings"

	"blobgate/pkg/core"
)

type FileType uint8

const (
	TypeFile FileType = iota
	TypeDirectory
)

func (t FileType) String() string {
	if t == TypeDirectory {
		return "dir"
	}
	return "file"
}

func parseFileType(s string) FileType {
	if s == "dir" {
		return TypeDirectory
	}
	return TypeFile
}

// Inode is a handle on one file or directory. It holds no resources and
// can be rebuilt from (Volume, Path) at any time.
type Inode struct {
	Volume core.VolumeRef
	Path   string
	Type   FileType
	FileID uint64
}

func (i Inode) IsDir() bool { return i.Type == TypeDirectory }

// Name is the last path element; "/" for the root.
func (i Inode) Name() string { return path.Base(i.Path) }

const rootPath = "/"

// childPath joins a directory path and one name.
func childPath(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return "", pathError(ErrInvalidName, name)
	}
	if dir == rootPath {
		return rootPath + name, nil
	}
	return dir + "/" + name, nil
}

// parentPath is the directory holding p. The root is its own parent.
func parentPath(p string) string {
	return path.Dir(p)
}

// childPrefix is the blob-name prefix shared by everything below dir.
func childPrefix(dir string) string {
	if dir == rootPath {
		return rootPath
	}
	return dir + "/"
}
