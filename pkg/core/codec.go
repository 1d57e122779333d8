package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"blobgate/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// Canonical CBOR encoding for everything that crosses the wire.
var encOptions = cbor.EncOptions{
	// 1. Sorted map keys: identical values encode to identical bytes
	Sort: cbor.SortCanonical,

	// 2. Floats always take 64 bits
	ShortestFloat: cbor.ShortestFloatNone,

	// 3. Times as untagged RFC 3339 strings, nanosecond precision
	Time:    cbor.TimeRFC3339Nano,
	TimeTag: cbor.EncTagNone,

	// 4. Every array and map declares its length up front
	IndefLength: cbor.IndefLengthForbidden,

	BigIntConvert: cbor.BigIntConvertShortest,
}

var em, _ = encOptions.EncMode()

var decOptions = cbor.DecOptions{
	// --- limits against hostile headers ---
	MaxArrayElements: 100000,
	MaxMapPairs:      100000,
	MaxNestedLevels:  64,

	IndefLength: cbor.IndefLengthForbidden,

	// duplicate keys are a protocol error
	DupMapKey: cbor.DupMapKeyEnforcedAPF,

	BignumTag: cbor.BignumTagForbidden,

	// times arrive untagged; the struct field decides the Go type
	TimeTag: cbor.DecTagIgnored,
}

var dm, _ = decOptions.DecMode()

// Marshal encodes v with the canonical wire options.
func Marshal(v any) ([]byte, error) {
	data, err := em.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes data produced by Marshal.
func Unmarshal(data []byte, v any) error {
	if err := dm.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return nil
}

// CalculateBlobHash returns the SHA-256 content address of raw object bytes.
func CalculateBlobHash(data []byte) types.Hash {
	hashBytes := sha256.Sum256(data)
	return types.Hash(hex.EncodeToString(hashBytes[:]))
}
