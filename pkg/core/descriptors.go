package core

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"blobgate/pkg/types"
)

// VolumeRef identifies a volume: (domain, name).
type VolumeRef struct {
	Domain string `cbor:"1,keyasint"`
	Name   string `cbor:"2,keyasint"`
}

func (v VolumeRef) String() string { return v.Domain + "/" + v.Name }

// Validate rejects empty or slash-bearing components.
func (v VolumeRef) Validate() error {
	if v.Domain == "" || v.Name == "" {
		return fmt.Errorf("volume domain and name are required (got %q)", v.String())
	}
	if strings.Contains(v.Domain, "/") || strings.Contains(v.Name, "/") {
		return fmt.Errorf("volume %q: '/' is not allowed in domain or name", v.String())
	}
	return nil
}

// BlobKey scopes a blob name to this volume.
func (v VolumeRef) BlobKey(blob string) types.BlobKey {
	return types.NewBlobKey(v.Domain, v.Name, blob)
}

// DefaultObjectSize is used when a volume is created without settings.
const DefaultObjectSize int64 = 1 << 20

// VolumeSettings are fixed at creation.
type VolumeSettings struct {
	ObjectSize int64 `cbor:"1,keyasint"`
}

type VolumeDescriptor struct {
	Ref       VolumeRef         `cbor:"1,keyasint"`
	Settings  VolumeSettings    `cbor:"2,keyasint"`
	Metadata  map[string]string `cbor:"3,keyasint,omitempty"`
	CreatedAt time.Time         `cbor:"4,keyasint"`
}

type VolumeStatus struct {
	BlobCount int64 `cbor:"1,keyasint"`
	UsedBytes int64 `cbor:"2,keyasint"`
}

// BlobDescriptor is what statBlob and listBlobs return.
type BlobDescriptor struct {
	Name      string            `cbor:"1,keyasint"`
	ByteCount int64             `cbor:"2,keyasint"`
	Metadata  map[string]string `cbor:"3,keyasint,omitempty"`
	// Version counts committed transactions on this blob.
	Version   int64     `cbor:"4,keyasint"`
	UpdatedAt time.Time `cbor:"5,keyasint"`
}

// Clone returns a copy whose metadata map can be modified freely.
func (b BlobDescriptor) Clone() BlobDescriptor {
	out := b
	out.Metadata = maps.Clone(b.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return out
}

// BlobMode controls how commit computes byteCount.
type BlobMode uint8

const (
	// ModeDefault: byteCount = max(previous, highest offset written).
	ModeDefault BlobMode = iota
	// ModeTruncate: byteCount = highest offset written; objects past it are dropped.
	ModeTruncate
)

func (m BlobMode) String() string {
	if m == ModeTruncate {
		return "truncate"
	}
	return "default"
}

// TxDescriptor is returned by startBlobTx.
type TxDescriptor struct {
	ID          types.TxID `cbor:"1,keyasint"`
	Volume      VolumeRef  `cbor:"2,keyasint"`
	Blob        string     `cbor:"3,keyasint"`
	Mode        BlobMode   `cbor:"4,keyasint"`
	BaseVersion int64      `cbor:"5,keyasint"`
	// Base is the blob as committed when the transaction opened.
	Base       BlobDescriptor `cbor:"6,keyasint"`
	Exists     bool           `cbor:"7,keyasint"`
	ObjectSize int64          `cbor:"8,keyasint"`
}

// ListOrder selects the sort key of listBlobs.
type ListOrder uint8

const (
	OrderName ListOrder = iota
	OrderSize
)

// ListFilter narrows listBlobs. Prefix is matched literally, Pattern is a
// regular expression applied to the full blob name after the prefix match.
type ListFilter struct {
	Prefix     string    `cbor:"1,keyasint,omitempty"`
	Pattern    string    `cbor:"2,keyasint,omitempty"`
	Limit      int       `cbor:"3,keyasint,omitempty"` // 0 = engine default
	Offset     int       `cbor:"4,keyasint,omitempty"`
	Order      ListOrder `cbor:"5,keyasint,omitempty"`
	Descending bool      `cbor:"6,keyasint,omitempty"`
}

// Validate checks the numeric bounds of a filter.
func (f ListFilter) Validate() error {
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("list filter: limit and offset must be non-negative (limit=%d offset=%d)", f.Limit, f.Offset)
	}
	return nil
}

type BlobList struct {
	Blobs []BlobDescriptor `cbor:"1,keyasint"`
	// Total counts every match before limit/offset.
	Total int `cbor:"2,keyasint"`
}

// BlobWithMeta is the answer of getBlobWithMeta: the descriptor plus the
// bytes of one object.
type BlobWithMeta struct {
	Blob BlobDescriptor `cbor:"1,keyasint"`
	Data []byte         `cbor:"2,keyasint"`
}
