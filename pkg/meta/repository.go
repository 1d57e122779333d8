package meta

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"blobgate/pkg/types"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrVolumeNotFound   = errors.New("volume not found")
	ErrBlobNotFound     = errors.New("blob not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrConcurrentUpdate = errors.New("concurrent update detected (CAS failed)")
)

// Repository is every SQL operation of the engine catalog.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) conn(ctx context.Context) *gorm.DB {
	return r.db.GetConn().WithContext(ctx)
}

// -----------------------------------------------------------------------------
// 1. Volumes
// -----------------------------------------------------------------------------

func (r *Repository) CreateVolume(ctx context.Context, domain, name string, objectSize int64) (*Volume, error) {
	vol := Volume{
		Domain:     domain,
		Name:       name,
		ObjectSize: objectSize,
		Metadata:   datatypes.NewJSONType(map[string]string{}),
	}
	if err := r.conn(ctx).Create(&vol).Error; err != nil {
		if isDuplicate(err) {
			return nil, fmt.Errorf("volume %s/%s: %w", domain, name, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create volume: %w", err)
	}
	return &vol, nil
}

func (r *Repository) GetVolume(ctx context.Context, domain, name string) (*Volume, error) {
	var vol Volume
	err := r.conn(ctx).
		Where("domain = ? AND name = ?", domain, name).
		First(&vol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("volume %s/%s: %w", domain, name, ErrVolumeNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &vol, nil
}

// ListVolumes lists one domain, or every volume when domain is empty.
func (r *Repository) ListVolumes(ctx context.Context, domain string) ([]Volume, error) {
	var vols []Volume
	q := r.conn(ctx).Order("domain, name")
	if domain != "" {
		q = q.Where("domain = ?", domain)
	}
	err := q.Find(&vols).Error
	return vols, err
}

// DeleteVolume removes a volume with all of its blobs and object refs.
// Object payloads stay in the object store.
func (r *Repository) DeleteVolume(ctx context.Context, domain, name string) error {
	return r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var vol Volume
		err := tx.Where("domain = ? AND name = ?", domain, name).First(&vol).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("volume %s/%s: %w", domain, name, ErrVolumeNotFound)
		}
		if err != nil {
			return err
		}

		blobIDs := tx.Model(&Blob{}).Select("id").Where("volume_id = ?", vol.ID)
		if err := tx.Where("blob_id IN (?)", blobIDs).Delete(&ObjectRef{}).Error; err != nil {
			return fmt.Errorf("failed to delete object refs: %w", err)
		}
		if err := tx.Where("volume_id = ?", vol.ID).Delete(&Blob{}).Error; err != nil {
			return fmt.Errorf("failed to delete blobs: %w", err)
		}
		return tx.Delete(&vol).Error
	})
}

// MergeVolumeMetadata merges delta into the volume metadata.
func (r *Repository) MergeVolumeMetadata(ctx context.Context, volumeID uint, delta map[string]string) error {
	return r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var vol Volume
		if err := tx.First(&vol, volumeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrVolumeNotFound
			}
			return err
		}
		merged := mergeMetadata(vol.Metadata.Data(), delta)
		return tx.Model(&Volume{}).
			Where("id = ?", volumeID).
			Update("metadata", datatypes.NewJSONType(merged)).Error
	})
}

// VolumeUsage returns the blob count and the sum of byte counts.
func (r *Repository) VolumeUsage(ctx context.Context, volumeID uint) (blobs int64, bytes int64, err error) {
	var row struct {
		Blobs int64
		Bytes int64
	}
	err = r.conn(ctx).Model(&Blob{}).
		Select("COUNT(*) AS blobs, COALESCE(SUM(byte_count), 0) AS bytes").
		Where("volume_id = ?", volumeID).
		Scan(&row).Error
	return row.Blobs, row.Bytes, err
}

// -----------------------------------------------------------------------------
// 2. Blobs
// -----------------------------------------------------------------------------

func (r *Repository) GetBlob(ctx context.Context, volumeID uint, name string) (*Blob, error) {
	var blob Blob
	err := r.conn(ctx).
		Where("volume_id = ? AND name = ?", volumeID, name).
		First(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("blob %q: %w", name, ErrBlobNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// ListOrder is the sort column of ListBlobs.
type ListOrder int

const (
	ByName ListOrder = iota
	BySize
)

// ListBlobs returns every blob whose name starts with prefix, sorted.
// LIKE is only a coarse filter (it ignores case on sqlite); the exact prefix
// check happens here.
func (r *Repository) ListBlobs(ctx context.Context, volumeID uint, prefix string, order ListOrder, desc bool) ([]Blob, error) {
	q := r.conn(ctx).Where("volume_id = ?", volumeID)
	if prefix != "" {
		q = q.Where("name LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%")
	}

	column := "name"
	if order == BySize {
		column = "byte_count"
	}
	q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	if order == BySize {
		q = q.Order("name")
	}

	var rows []Blob
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}

	out := rows[:0]
	for _, b := range rows {
		if strings.HasPrefix(b.Name, prefix) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *Repository) DeleteBlob(ctx context.Context, volumeID uint, name string) error {
	return r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var blob Blob
		err := tx.Where("volume_id = ? AND name = ?", volumeID, name).First(&blob).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("blob %q: %w", name, ErrBlobNotFound)
		}
		if err != nil {
			return err
		}
		if err := tx.Where("blob_id = ?", blob.ID).Delete(&ObjectRef{}).Error; err != nil {
			return err
		}
		return tx.Delete(&blob).Error
	})
}

// RenameBlob moves a blob to a new name. The destination must be free.
func (r *Repository) RenameBlob(ctx context.Context, volumeID uint, src, dst string) (*Blob, error) {
	var out Blob
	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("volume_id = ? AND name = ?", volumeID, src).First(&out).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("blob %q: %w", src, ErrBlobNotFound)
			}
			return err
		}

		res := tx.Model(&Blob{}).
			Where("id = ? AND version = ?", out.ID, out.Version).
			Updates(map[string]any{
				"name":       dst,
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			if isDuplicate(res.Error) {
				return fmt.Errorf("blob %q: %w", dst, ErrAlreadyExists)
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		return tx.First(&out, out.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// -----------------------------------------------------------------------------
// 3. Objects
// -----------------------------------------------------------------------------

// GetObjectHash returns the content hash stored for one object slot.
// found is false for a slot that was never written.
func (r *Repository) GetObjectHash(ctx context.Context, blobID uint, index int64) (hash types.Hash, found bool, err error) {
	var ref ObjectRef
	err = r.conn(ctx).
		Where("blob_id = ? AND object_index = ?", blobID, index).
		Limit(1).
		Find(&ref).Error
	if err != nil {
		return "", false, err
	}
	if ref.Hash == "" {
		return "", false, nil
	}
	return types.Hash(ref.Hash), true, nil
}

// -----------------------------------------------------------------------------
// 4. Commit (CAS)
// -----------------------------------------------------------------------------

// CommitParams is everything a staged transaction hands to the catalog.
type CommitParams struct {
	VolumeID   uint
	Name       string
	ObjectSize int64

	// BaseVersion is the version the transaction started from; 0 for a new blob.
	BaseVersion int64
	// BaseIncarnation pins the exact row BaseVersion belongs to.
	BaseIncarnation string

	Objects  map[int64]types.Hash
	Metadata map[string]string // merged, not replaced
	Extent   int64             // highest byte offset written
	Truncate bool
}

// CommitBlob applies a transaction atomically. It fails with
// ErrConcurrentUpdate when the blob is no longer the row BaseIncarnation
// names at BaseVersion: changed, deleted, recreated or created by someone
// else.
func (r *Repository) CommitBlob(ctx context.Context, p CommitParams) (*Blob, error) {
	var out Blob
	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. Volume must still be there
		var vol Volume
		if err := tx.First(&vol, p.VolumeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrVolumeNotFound
			}
			return err
		}

		// 2. CAS on the blob row
		if p.BaseVersion == 0 {
			out = Blob{
				VolumeID:    p.VolumeID,
				Name:        p.Name,
				ByteCount:   p.Extent,
				Metadata:    datatypes.NewJSONType(mergeMetadata(nil, p.Metadata)),
				Version:     1,
				Incarnation: uuid.NewString(),
			}
			// a concurrent create loses on the (volume_id, name) unique index
			if err := tx.Create(&out).Error; err != nil {
				if isDuplicate(err) {
					return ErrConcurrentUpdate
				}
				return fmt.Errorf("failed to create blob: %w", err)
			}
		} else {
			// Key: version alone is not enough. A recreated blob restarts at
			// 1, and sqlite may even hand it the old row id.
			var cur Blob
			err := tx.Where("volume_id = ? AND name = ? AND incarnation = ? AND version = ?",
				p.VolumeID, p.Name, p.BaseIncarnation, p.BaseVersion).
				First(&cur).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConcurrentUpdate
			}
			if err != nil {
				return err
			}

			byteCount := max(cur.ByteCount, p.Extent)
			if p.Truncate {
				byteCount = p.Extent
			}
			merged := mergeMetadata(cur.Metadata.Data(), p.Metadata)

			// UPDATE blobs SET ... WHERE id = ? AND version = ?
			res := tx.Model(&Blob{}).
				Where("id = ? AND version = ?", cur.ID, p.BaseVersion).
				Updates(map[string]any{
					"byte_count": byteCount,
					"metadata":   datatypes.NewJSONType(merged),
					"version":    gorm.Expr("version + 1"),
					"updated_at": time.Now(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrConcurrentUpdate
			}
			if err := tx.First(&out, cur.ID).Error; err != nil {
				return err
			}
		}

		// 3. Object slots
		if len(p.Objects) > 0 {
			refs := make([]ObjectRef, 0, len(p.Objects))
			for idx, h := range p.Objects {
				refs = append(refs, ObjectRef{BlobID: out.ID, Index: idx, Hash: h.String()})
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "blob_id"}, {Name: "object_index"}},
				DoUpdates: clause.AssignmentColumns([]string{"hash"}),
			}).Create(&refs).Error
			if err != nil {
				return fmt.Errorf("failed to write object refs: %w", err)
			}
		}

		// 4. Truncate drops slots past the new end
		if p.Truncate && p.ObjectSize > 0 {
			keep := (out.ByteCount + p.ObjectSize - 1) / p.ObjectSize
			err := tx.Where("blob_id = ? AND object_index >= ?", out.ID, keep).Delete(&ObjectRef{}).Error
			if err != nil {
				return fmt.Errorf("failed to truncate object refs: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// -----------------------------------------------------------------------------

func mergeMetadata(base, delta map[string]string) map[string]string {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string, len(delta))
	}
	maps.Copy(out, delta)
	return out
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// isDuplicate recognises unique-constraint violations across drivers.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
