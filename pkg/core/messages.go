package core

import (
	"fmt"

	"blobgate/pkg/apierr"
	"blobgate/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// Op names a request verb understood by the engine.
type Op string

const (
	OpHandshake    Op = "handshake"
	OpCloseSession Op = "closeSession" // one-way; the engine sends no reply

	OpCreateVolume      Op = "createVolume"
	OpDeleteVolume      Op = "deleteVolume"
	OpStatVolume        Op = "statVolume"
	OpListVolumes       Op = "listVolumes"
	OpVolumeStatus      Op = "volumeStatus"
	OpGetVolumeMetadata Op = "getVolumeMetadata"
	OpSetVolumeMetadata Op = "setVolumeMetadata"

	OpStatBlob        Op = "statBlob"
	OpListBlobs       Op = "listBlobs"
	OpReadObject      Op = "readObject"
	OpGetBlobWithMeta Op = "getBlobWithMeta"
	OpDeleteBlob      Op = "deleteBlob"
	OpRenameBlob      Op = "renameBlob"

	OpStartBlobTx    Op = "startBlobTx"
	OpUpdateBlob     Op = "updateBlob"
	OpUpdateMetadata Op = "updateMetadata"
	OpCommitBlobTx   Op = "commitBlobTx"
	OpAbortBlobTx    Op = "abortBlobTx"
	OpUpdateBlobOnce Op = "updateBlobOnce"
)

// Request is the one-way envelope sent to the engine.
type Request struct {
	ID      types.RequestID `cbor:"1,keyasint"`
	Session types.SessionID `cbor:"2,keyasint"`
	Op      Op              `cbor:"3,keyasint"`
	Body    cbor.RawMessage `cbor:"4,keyasint,omitempty"`
}

// NewRequest encodes body into a request envelope. ID and Session are
// stamped by the client right before the send.
func NewRequest(op Op, body any) (*Request, error) {
	raw, err := EncodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Request{Op: op, Body: raw}, nil
}

// Reply travels back on the inbound path, matched to its Request by ID.
type Reply struct {
	ID      types.RequestID `cbor:"1,keyasint"`
	Failure *Failure        `cbor:"2,keyasint,omitempty"`
	Body    cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// Failure is the wire form of an apierr failure.
type Failure struct {
	Kind    apierr.Kind `cbor:"1,keyasint"`
	Message string      `cbor:"2,keyasint,omitempty"`
}

// FailureOf converts err into its wire form.
func FailureOf(err error) *Failure {
	if err == nil {
		return nil
	}
	f := &Failure{Kind: apierr.KindOf(err), Message: err.Error()}
	if e, ok := err.(*apierr.Error); ok {
		f.Message = e.Detail()
	}
	return f
}

// Err turns a wire failure back into a typed error for op.
func (f *Failure) Err(op Op) error {
	if f == nil {
		return nil
	}
	return &apierr.Error{Kind: f.Kind, Op: string(op), Msg: f.Message}
}

// Ack acknowledges receipt of a one-way message. It says nothing about the
// outcome of the request itself.
type Ack struct {
	Accepted bool `cbor:"1,keyasint"`
}

// EncodeBody encodes a request or reply payload. A nil body encodes to nil.
func EncodeBody(v any) (cbor.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return cbor.RawMessage(data), nil
}

// DecodeBody decodes a payload into v. An empty payload leaves v untouched.
func DecodeBody(raw cbor.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return Unmarshal(raw, v)
}

// ---------------------------------------------------------------------------
// Request bodies
// ---------------------------------------------------------------------------

type HandshakeRequest struct {
	ReplyAddr string `cbor:"1,keyasint"`
}

type HandshakeResult struct {
	EngineID string `cbor:"1,keyasint"`
}

// VolumeRequest serves createVolume, deleteVolume, statVolume,
// volumeStatus and getVolumeMetadata. Settings only matter for create.
type VolumeRequest struct {
	Volume   VolumeRef      `cbor:"1,keyasint"`
	Settings VolumeSettings `cbor:"2,keyasint,omitempty"`
}

type ListVolumesRequest struct {
	Domain string `cbor:"1,keyasint"`
}

type SetVolumeMetadataRequest struct {
	Volume   VolumeRef         `cbor:"1,keyasint"`
	Metadata map[string]string `cbor:"2,keyasint"`
}

// BlobRequest serves statBlob and deleteBlob.
type BlobRequest struct {
	Volume VolumeRef `cbor:"1,keyasint"`
	Blob   string    `cbor:"2,keyasint"`
}

type ListBlobsRequest struct {
	Volume VolumeRef  `cbor:"1,keyasint"`
	Filter ListFilter `cbor:"2,keyasint"`
}

// ReadObjectRequest reads [InnerOffset, InnerOffset+InnerLength) of one object.
type ReadObjectRequest struct {
	Volume      VolumeRef          `cbor:"1,keyasint"`
	Blob        string             `cbor:"2,keyasint"`
	Index       types.ObjectOffset `cbor:"3,keyasint"`
	InnerOffset int64              `cbor:"4,keyasint"`
	InnerLength int64              `cbor:"5,keyasint"`
}

type RenameBlobRequest struct {
	Volume      VolumeRef `cbor:"1,keyasint"`
	Source      string    `cbor:"2,keyasint"`
	Destination string    `cbor:"3,keyasint"`
}

type StartTxRequest struct {
	Volume VolumeRef `cbor:"1,keyasint"`
	Blob   string    `cbor:"2,keyasint"`
	Mode   BlobMode  `cbor:"3,keyasint"`
	// ExpectedVersion > 0 requires the blob to exist at exactly that version.
	ExpectedVersion int64 `cbor:"4,keyasint,omitempty"`
}

// UpdateBlobRequest stages one whole object. Extent is the exclusive byte
// offset, in blob coordinates, of the last byte this update wrote.
type UpdateBlobRequest struct {
	Tx     types.TxID         `cbor:"1,keyasint"`
	Index  types.ObjectOffset `cbor:"2,keyasint"`
	Data   []byte             `cbor:"3,keyasint"`
	Extent int64              `cbor:"4,keyasint"`
}

type UpdateMetadataRequest struct {
	Tx    types.TxID        `cbor:"1,keyasint"`
	Delta map[string]string `cbor:"2,keyasint"`
}

// TxRequest serves commitBlobTx and abortBlobTx.
type TxRequest struct {
	Tx types.TxID `cbor:"1,keyasint"`
}

// UpdateBlobOnceRequest is a single-object transaction in one message.
type UpdateBlobOnceRequest struct {
	Volume   VolumeRef          `cbor:"1,keyasint"`
	Blob     string             `cbor:"2,keyasint"`
	Mode     BlobMode           `cbor:"3,keyasint"`
	Index    types.ObjectOffset `cbor:"4,keyasint"`
	Data     []byte             `cbor:"5,keyasint"`
	Extent   int64              `cbor:"6,keyasint"`
	Metadata map[string]string  `cbor:"7,keyasint,omitempty"`
}

// ObjectData carries object bytes back to the client.
type ObjectData struct {
	Data []byte `cbor:"1,keyasint"`
}

// CorrelationID lets transport middleware log the request id.
func (r *Request) CorrelationID() types.RequestID { return r.ID }

func (r *Reply) CorrelationID() types.RequestID { return r.ID }
