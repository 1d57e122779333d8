package core

import "blobgate/pkg/types"

// Object is a persisted backend unit: exactly objectSize bytes of one blob,
// addressed by the hash of its content.
type Object interface {
	// ID is the content address of the payload.
	ID() types.Hash

	// Bytes is what gets persisted. Decorators may hand out an encoded form
	// (compressed) while keeping the ID of the plain payload.
	Bytes() []byte
}

// RawObject is an uncompressed object payload.
type RawObject struct {
	hash types.Hash
	data []byte
}

// NewObject seals data into an object. data is not copied.
func NewObject(data []byte) *RawObject {
	return &RawObject{
		hash: CalculateBlobHash(data),
		data: data,
	}
}

func (o *RawObject) ID() types.Hash { return o.hash }
func (o *RawObject) Bytes() []byte  { return o.data }
func (o *RawObject) Size() int64    { return int64(len(o.data)) }

// PadObject returns data extended with zeros to exactly objectSize bytes.
// data longer than objectSize is truncated.
func PadObject(data []byte, objectSize int64) []byte {
	if int64(len(data)) == objectSize {
		return data
	}
	out := make([]byte, objectSize)
	copy(out, data)
	return out
}
