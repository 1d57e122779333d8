package namespace

import (
	"strconv"
	"time"

	"blobgate/pkg/core"
)

// Metadata keys carrying filesystem attributes on a blob.
const (
	keyType       = "fs.type"
	keyUID        = "fs.uid"
	keyGID        = "fs.gid"
	keyMode       = "fs.mode"
	keyFileID     = "fs.fileid"
	keyGeneration = "fs.generation"
	keyAtime      = "fs.atime"
	keyMtime      = "fs.mtime"
	keyCtime      = "fs.ctime"
)

const (
	defaultFileMode uint32 = 0o644
	defaultDirMode  uint32 = 0o755
)

// Attributes are the POSIX view of a blob. Size is the blob's byteCount.
type Attributes struct {
	Type       FileType
	UID        uint32
	GID        uint32
	Mode       uint32
	FileID     uint64
	Generation uint64
	Size       int64
	Atime      time.Time
	Mtime      time.Time
	Ctime      time.Time
}

// Owner is the identity a new entry is created for.
type Owner struct {
	UID uint32
	GID uint32
}

// SetAttr lists the attributes to change; nil fields are left alone.
type SetAttr struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Atime *time.Time
	Mtime *time.Time
}

// attributesOf decodes a blob descriptor. Blobs written without
// filesystem metadata read as plain files.
func attributesOf(b core.BlobDescriptor) Attributes {
	md := b.Metadata
	a := Attributes{
		Type:       parseFileType(md[keyType]),
		UID:        uint32(parseUint(md[keyUID], 10, 32)),
		GID:        uint32(parseUint(md[keyGID], 10, 32)),
		FileID:     parseUint(md[keyFileID], 10, 64),
		Generation: parseUint(md[keyGeneration], 10, 64),
		Size:       b.ByteCount,
		Atime:      parseTime(md[keyAtime], b.UpdatedAt),
		Mtime:      parseTime(md[keyMtime], b.UpdatedAt),
		Ctime:      parseTime(md[keyCtime], b.UpdatedAt),
	}
	if s, ok := md[keyMode]; ok {
		a.Mode = uint32(parseUint(s, 8, 32))
	} else if a.Type == TypeDirectory {
		a.Mode = defaultDirMode
	} else {
		a.Mode = defaultFileMode
	}
	return a
}

// metadata encodes every attribute except Size.
func (a Attributes) metadata() map[string]string {
	return map[string]string{
		keyType:       a.Type.String(),
		keyUID:        strconv.FormatUint(uint64(a.UID), 10),
		keyGID:        strconv.FormatUint(uint64(a.GID), 10),
		keyMode:       strconv.FormatUint(uint64(a.Mode), 8),
		keyFileID:     strconv.FormatUint(a.FileID, 10),
		keyGeneration: strconv.FormatUint(a.Generation, 10),
		keyAtime:      formatTime(a.Atime),
		keyMtime:      formatTime(a.Mtime),
		keyCtime:      formatTime(a.Ctime),
	}
}

// delta encodes only the fields s changes, plus ctime.
func (s SetAttr) delta(now time.Time) map[string]string {
	d := map[string]string{keyCtime: formatTime(now)}
	if s.Mode != nil {
		d[keyMode] = strconv.FormatUint(uint64(*s.Mode&0o7777), 8)
	}
	if s.UID != nil {
		d[keyUID] = strconv.FormatUint(uint64(*s.UID), 10)
	}
	if s.GID != nil {
		d[keyGID] = strconv.FormatUint(uint64(*s.GID), 10)
	}
	if s.Atime != nil {
		d[keyAtime] = formatTime(*s.Atime)
	}
	if s.Mtime != nil {
		d[keyMtime] = formatTime(*s.Mtime)
	}
	return d
}

func parseUint(s string, base, bits int) uint64 {
	v, err := strconv.ParseUint(s, base, bits)
	if err != nil {
		return 0
	}
	return v
}

func formatTime(t time.Time) string { return strconv.FormatInt(t.UnixNano(), 10) }

func parseTime(s string, fallback time.Time) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return time.Unix(0, n)
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }
