package txn

import "maps"

// Update is one recorded change inside a transaction. The set is closed:
// ContentUpdate and MetadataUpdate.
type Update interface {
	isUpdate()
}

// ContentUpdate writes Data at byte Offset of the blob. Final marks the last
// chunk of a stream; no content may follow it.
type ContentUpdate struct {
	Offset int64
	Data   []byte
	Final  bool
}

// MetadataUpdate merges Delta into the blob's metadata.
type MetadataUpdate struct {
	Delta map[string]string
}

func (ContentUpdate) isUpdate()  {}
func (MetadataUpdate) isUpdate() {}

// End is the exclusive byte offset the update reaches.
func (u ContentUpdate) End() int64 { return u.Offset + int64(len(u.Data)) }

func (u MetadataUpdate) clone() MetadataUpdate {
	return MetadataUpdate{Delta: maps.Clone(u.Delta)}
}
