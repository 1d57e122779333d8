// pkg/types/common.go
package types

import "fmt"

// Hash identifies a stored object payload (SHA-256 hex string).
// It is a value object and must be treated as immutable.
type Hash string

func (h Hash) String() string { return string(h) }

func (h Hash) IsZero() bool  { return h == "" }
func (h Hash) IsValid() bool { return len(h) == 64 } // length check only

// ObjectOffset addresses one fixed-size object inside a blob:
// floor(byteOffset / objectSize).
type ObjectOffset int64

// ObjectOffsetOf returns the object that holds byteOffset.
func ObjectOffsetOf(byteOffset, objectSize int64) ObjectOffset {
	return ObjectOffset(byteOffset / objectSize)
}

// ByteOffset returns the first byte covered by this object.
func (o ObjectOffset) ByteOffset(objectSize int64) int64 {
	return int64(o) * objectSize
}

// RequestID is the correlation id stamped on every outbound request.
type RequestID string

func (id RequestID) String() string { return string(id) }

// TxID identifies an open blob transaction on the engine.
type TxID string

func (id TxID) String() string { return string(id) }

// SessionID identifies one client's reply channel on the engine.
type SessionID string

func (id SessionID) String() string { return string(id) }

// BlobKey is the per-client identity of a blob: "domain/volume:name".
type BlobKey string

func NewBlobKey(domain, volume, blob string) BlobKey {
	return BlobKey(fmt.Sprintf("%s/%s:%s", domain, volume, blob))
}

func (k BlobKey) String() string { return string(k) }
