// Package rpc carries blobgate envelopes over grpc.
//
// There are two unary services, one per direction:
//
//	blobgate.v1.RequestService/Send      client -> engine
//	blobgate.v1.ResponseService/Deliver  engine -> client
//
// Both only acknowledge receipt; the outcome of a request travels back as a
// separate Deliver call. Messages are CBOR, negotiated through the grpc
// content-subtype "cbor".
package rpc

import (
	"blobgate/pkg/core"

	"google.golang.org/grpc/encoding"
)

// CodecName is the grpc content-subtype of blobgate messages.
const CodecName = "cbor"

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return core.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return core.Unmarshal(data, v) }
func (cborCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(cborCodec{})
}
