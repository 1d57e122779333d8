// Package compress is a storage.Store decorator that compresses object
// payloads at rest with zstd or lz4.
package compress

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"blobgate/pkg/core"
	"blobgate/pkg/storage"
	"blobgate/pkg/types"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression algorithm of a stored payload.
type Codec uint8

const (
	None Codec = 0
	LZ4  Codec = 1
	ZSTD Codec = 2
)

// ParseCodec maps a config value ("none", "lz4", "zstd") to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	}
	return None, fmt.Errorf("unknown compression %q", s)
}

func (c Codec) String() string {
	switch c {
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return "none"
	}
}

// Header: [codec uint8][raw length uint32]. Codec None stores raw bytes.
const headerSize = 5

var ErrCorrupt = errors.New("compress: corrupt payload")

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Encode frames data with codec. Payloads that do not shrink below 90% are
// stored as None.
func Encode(data []byte, codec Codec) ([]byte, error) {
	var packed []byte
	switch codec {
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		packed = buf[:n] // n == 0: incompressible
	case ZSTD:
		enc := getZstdEncoder()
		packed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	case None:
	default:
		return nil, fmt.Errorf("unknown codec %d", codec)
	}

	if len(packed) == 0 || float64(len(packed)) > float64(len(data))*0.9 {
		codec, packed = None, data
	}

	out := make([]byte, headerSize+len(packed))
	out[0] = byte(codec)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(data)))
	copy(out[headerSize:], packed)
	return out, nil
}

// Decode reverses Encode. The codec is read from the header.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < headerSize {
		return nil, ErrCorrupt
	}
	codec := Codec(frame[0])
	rawLen := binary.LittleEndian.Uint32(frame[1:])
	body := frame[headerSize:]

	switch codec {
	case None:
		if uint32(len(body)) != rawLen {
			return nil, ErrCorrupt
		}
		return body, nil
	case LZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if uint32(n) != rawLen {
			return nil, ErrCorrupt
		}
		return out, nil
	case ZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(body, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if uint32(len(out)) != rawLen {
			return nil, ErrCorrupt
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: codec %d", ErrCorrupt, codec)
}

// Store compresses on Put and decompresses on Get. The object ID stays the
// hash of the plain payload.
type Store struct {
	backend storage.Store
	codec   Codec
}

func NewStore(backend storage.Store, codec Codec) *Store {
	return &Store{backend: backend, codec: codec}
}

func (s *Store) Put(ctx context.Context, obj core.Object) error {
	frame, err := Encode(obj.Bytes(), s.codec)
	if err != nil {
		return fmt.Errorf("compress %s: %w", obj.ID(), err)
	}
	return s.backend.Put(ctx, storage.WithBytes(obj.ID(), frame))
}

func (s *Store) Get(ctx context.Context, hash types.Hash) (io.ReadCloser, error) {
	frame, err := storage.ReadAll(ctx, s.backend, hash)
	if err != nil {
		return nil, err
	}
	data, err := Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", hash, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) Has(ctx context.Context, hash types.Hash) (bool, error) {
	return s.backend.Has(ctx, hash)
}
