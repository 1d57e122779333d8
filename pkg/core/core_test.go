package core

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"blobgate/pkg/apierr"
	"blobgate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 1. Canonical encoding
// -----------------------------------------------------------------------------

func TestMarshal_MapOrderIsCanonical(t *testing.T) {
	a := BlobDescriptor{Name: "x", Metadata: map[string]string{"b": "2", "a": "1", "c": "3"}}
	b := BlobDescriptor{Name: "x", Metadata: map[string]string{"c": "3", "a": "1", "b": "2"}}

	da, err := Marshal(a)
	require.NoError(t, err)
	db, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, da, db, "map iteration order must not leak into the encoding")
}

func TestUnmarshal_RejectsDuplicateKeys(t *testing.T) {
	// {1: "a", 1: "b"}
	dup := []byte{0xa2, 0x01, 0x61, 'a', 0x01, 0x61, 'b'}
	var out map[int]string
	assert.Error(t, Unmarshal(dup, &out))
}

// -----------------------------------------------------------------------------
// 2. Envelopes
// -----------------------------------------------------------------------------

func TestRequest_BodyRoundTrip(t *testing.T) {
	vol := VolumeRef{Domain: "default", Name: "photos"}
	req, err := NewRequest(OpReadObject, &ReadObjectRequest{
		Volume: vol, Blob: "/a.jpg", Index: 3, InnerOffset: 10, InnerLength: 20,
	})
	require.NoError(t, err)
	req.ID = "req-1"

	wire, err := Marshal(req)
	require.NoError(t, err)

	var got Request
	require.NoError(t, Unmarshal(wire, &got))
	assert.Equal(t, types.RequestID("req-1"), got.ID)
	assert.Equal(t, OpReadObject, got.Op)

	var body ReadObjectRequest
	require.NoError(t, DecodeBody(got.Body, &body))
	assert.Equal(t, vol, body.Volume)
	assert.Equal(t, types.ObjectOffset(3), body.Index)
	assert.Equal(t, int64(20), body.InnerLength)
}

func TestReply_FailureCarriesKind(t *testing.T) {
	rep := Reply{ID: "r", Failure: FailureOf(apierr.New(apierr.KindConflict, "commit", "version moved"))}

	wire, err := Marshal(&rep)
	require.NoError(t, err)

	var got Reply
	require.NoError(t, Unmarshal(wire, &got))
	require.NotNil(t, got.Failure)

	err = got.Failure.Err(OpCommitBlobTx)
	assert.True(t, errors.Is(err, apierr.ErrConflict))
	assert.Contains(t, err.Error(), "version moved")

	assert.Nil(t, FailureOf(nil))
	assert.NoError(t, (*Failure)(nil).Err(OpStatBlob))
}

func TestDescriptor_TimesSurvive(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	d := BlobDescriptor{Name: "n", ByteCount: 7, Version: 2, UpdatedAt: now}

	wire, err := Marshal(d)
	require.NoError(t, err)
	var got BlobDescriptor
	require.NoError(t, Unmarshal(wire, &got))
	assert.True(t, now.Equal(got.UpdatedAt), "want %v got %v", now, got.UpdatedAt)
}

// -----------------------------------------------------------------------------
// 3. Objects and refs
// -----------------------------------------------------------------------------

func TestObject_ContentAddressed(t *testing.T) {
	o1 := NewObject([]byte("hello"))
	o2 := NewObject([]byte("hello"))
	o3 := NewObject([]byte("world"))

	assert.Equal(t, o1.ID(), o2.ID())
	assert.NotEqual(t, o1.ID(), o3.ID())
	assert.True(t, o1.ID().IsValid())
	assert.Equal(t, int64(5), o1.Size())
}

func TestPadObject(t *testing.T) {
	assert.Equal(t, []byte{1, 2, 0, 0}, PadObject([]byte{1, 2}, 4))
	assert.Equal(t, []byte{1, 2, 3, 4}, PadObject([]byte{1, 2, 3, 4, 5}, 4))

	same := []byte{9, 9}
	assert.True(t, bytes.Equal(same, PadObject(same, 2)))
}

func TestVolumeRef_Validate(t *testing.T) {
	assert.NoError(t, VolumeRef{Domain: "d", Name: "v"}.Validate())
	assert.Error(t, VolumeRef{Domain: "", Name: "v"}.Validate())
	assert.Error(t, VolumeRef{Domain: "d", Name: "a/b"}.Validate())
}

func TestBlobDescriptor_CloneIsolatesMetadata(t *testing.T) {
	orig := BlobDescriptor{Metadata: map[string]string{"k": "v"}}
	c := orig.Clone()
	c.Metadata["k"] = "changed"
	assert.Equal(t, "v", orig.Metadata["k"])

	empty := BlobDescriptor{}.Clone()
	assert.NotNil(t, empty.Metadata)
}
