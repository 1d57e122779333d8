// Package chunker maps byte ranges of a blob onto its fixed-size objects.
// It is pure arithmetic: no I/O, no errors. Malformed input (non-positive
// object size, negative offset or length) is a programming error and panics.
package chunker

import (
	"fmt"

	"blobgate/pkg/types"
)

// UnknownLength tells PlanWrite that the blob's current byteCount is not known.
const UnknownLength int64 = -1

// ReadStep is one object-local slice of a read.
type ReadStep struct {
	Index       types.ObjectOffset
	InnerOffset int64
	InnerLength int64
}

// WriteStep describes what happens to one object touched by a write.
type WriteStep struct {
	Index       types.ObjectOffset
	InnerOffset int64 // where the new bytes land inside the object
	InnerLength int64 // 0 for a gap step that only clears a stale tail
	DataOffset  int64 // where those bytes start in the caller's buffer

	// Full: the write covers the whole object, nothing to preserve.
	Full bool
	// Fetch: the current object must be read before splicing.
	Fetch bool
	// ZeroFrom >= 0: bytes [ZeroFrom, objectSize) of the fetched object lie
	// past the blob's end and must be zeroed before splicing.
	ZeroFrom int64
}

// Chunker is a stateless translator bound to one volume's object size.
type Chunker struct {
	objectSize int64
}

func NewChunker(objectSize int64) *Chunker {
	if objectSize <= 0 {
		panic(fmt.Sprintf("chunker: object size must be positive, got %d", objectSize))
	}
	return &Chunker{objectSize: objectSize}
}

func (c *Chunker) ObjectSize() int64 { return c.objectSize }

// PlanRead covers exactly [offset, offset+length) in object order.
// Only the first and last steps may be partial. A zero length yields nil.
func (c *Chunker) PlanRead(offset, length int64) []ReadStep {
	checkRange(offset, length)
	if length == 0 {
		return nil
	}

	size := c.objectSize
	first := offset / size
	last := (offset + length - 1) / size

	steps := make([]ReadStep, 0, last-first+1)
	for idx := first; idx <= last; idx++ {
		objStart := idx * size
		lo := max(offset, objStart)
		hi := min(offset+length, objStart+size)
		steps = append(steps, ReadStep{
			Index:       types.ObjectOffset(idx),
			InnerOffset: lo - objStart,
			InnerLength: hi - lo,
		})
	}
	return steps
}

// PlanWrite plans a write of length bytes at offset against a blob that is
// currently currentLength bytes long (UnknownLength if not known).
//
// With a known length, objects that lie wholly past the end are built from
// zeros without a fetch, and the object holding the old end is cleared past
// it. When the write starts in a later object than the one holding the old
// end, a leading gap step (InnerLength 0) clears that object's tail.
// Objects wholly inside the gap are left alone: the engine serves absent
// objects as zeros.
func (c *Chunker) PlanWrite(offset, length, currentLength int64) []WriteStep {
	checkRange(offset, length)
	if currentLength < UnknownLength {
		panic(fmt.Sprintf("chunker: invalid current length %d", currentLength))
	}
	if length == 0 {
		return nil
	}

	size := c.objectSize
	known := currentLength != UnknownLength
	reads := c.PlanRead(offset, length)
	steps := make([]WriteStep, 0, len(reads)+1)

	// 1. Gap: the old end sits mid-object in an object this write does not touch
	if known && offset > currentLength && currentLength%size != 0 {
		eof := currentLength / size
		if types.ObjectOffset(eof) < reads[0].Index {
			steps = append(steps, WriteStep{
				Index:       types.ObjectOffset(eof),
				InnerOffset: currentLength % size,
				Fetch:       true,
				ZeroFrom:    currentLength % size,
			})
		}
	}

	// 2. Touched objects
	for _, r := range reads {
		objStart := r.Index.ByteOffset(size)
		st := WriteStep{
			Index:       r.Index,
			InnerOffset: r.InnerOffset,
			InnerLength: r.InnerLength,
			DataOffset:  objStart + r.InnerOffset - offset,
			ZeroFrom:    -1,
		}
		covers := r.InnerOffset == 0 && r.InnerLength == size

		switch {
		case !known:
			// No length, no shortcuts: always read-modify-write.
			st.Fetch = true
		case covers:
			st.Full = true
		case currentLength <= objStart:
			// Wholly past the end: nothing valid to preserve.
			st.ZeroFrom = 0
		default:
			st.Fetch = true
			if currentLength < objStart+size {
				st.ZeroFrom = currentLength - objStart
			}
		}
		steps = append(steps, st)
	}
	return steps
}

// Frames splits [0, total) into whole-object frames for streaming. Only the
// last frame may be short.
func (c *Chunker) Frames(total int64) []ReadStep {
	return c.PlanRead(0, total)
}

// ObjectCount is the number of objects a blob of byteCount bytes spans.
func (c *Chunker) ObjectCount(byteCount int64) int64 {
	if byteCount <= 0 {
		return 0
	}
	return (byteCount + c.objectSize - 1) / c.objectSize
}

// Splice applies a write step to the object bytes it was planned against.
// current may be nil (or short) for steps that need no fetch; the result is
// always exactly objectSize bytes. data is the whole caller buffer.
func (c *Chunker) Splice(st WriteStep, current, data []byte) []byte {
	obj := make([]byte, c.objectSize)
	if !st.Full {
		copy(obj, current)
	}
	if st.ZeroFrom >= 0 {
		clear(obj[st.ZeroFrom:])
	}
	copy(obj[st.InnerOffset:st.InnerOffset+st.InnerLength], data[st.DataOffset:st.DataOffset+st.InnerLength])
	return obj
}

func checkRange(offset, length int64) {
	if offset < 0 || length < 0 {
		panic(fmt.Sprintf("chunker: invalid range offset=%d length=%d", offset, length))
	}
}
