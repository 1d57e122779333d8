package meta

import (
	"time"

	"gorm.io/datatypes"
)

// Volume is a named container of blobs with a fixed object size.
type Volume struct {
	ID         uint   `gorm:"primaryKey"`
	Domain     string `gorm:"uniqueIndex:idx_volume_ref;type:varchar(255);not null"`
	Name       string `gorm:"uniqueIndex:idx_volume_ref;type:varchar(255);not null"`
	ObjectSize int64  `gorm:"not null"`

	Metadata datatypes.JSONType[map[string]string]

	CreatedAt time.Time
}

// Blob is the catalog row of one blob.
type Blob struct {
	ID       uint   `gorm:"primaryKey"`
	VolumeID uint   `gorm:"uniqueIndex:idx_blob_name;not null"`
	Name     string `gorm:"uniqueIndex:idx_blob_name;type:varchar(1024);not null"`

	ByteCount int64 `gorm:"not null;default:0"`
	Metadata  datatypes.JSONType[map[string]string]

	// Version is the optimistic-lock counter: +1 on every commit.
	Version int64 `gorm:"not null;default:1"`
	// Incarnation is fixed when the row is created and survives renames.
	// Version restarts at 1 for a recreated blob; Incarnation does not.
	Incarnation string `gorm:"type:char(36);not null;default:''"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ObjectRef maps one object slot of a blob to its content hash in the
// object store. Absent slots read as zeros.
type ObjectRef struct {
	BlobID uint   `gorm:"primaryKey;autoIncrement:false"`
	Index  int64  `gorm:"primaryKey;autoIncrement:false;column:object_index"`
	Hash   string `gorm:"type:char(64);not null;index"`
}

func (ObjectRef) TableName() string {
	return "blob_objects"
}
