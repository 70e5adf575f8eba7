package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"carspot-service/internal/domain/car"
)

// SnapshotRepository persists the last successfully loaded copy of each feed
// partition so a restart can serve stale records while the backend is down.
type SnapshotRepository struct {
	db *gorm.DB
}

func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

type FeedPartition struct {
	PartitionID string `gorm:"primaryKey"`
	RecordCount int    `gorm:"not null"`
	LoadedAt    time.Time
}

type FeedSnapshot struct {
	PartitionID     string                              `gorm:"primaryKey"`
	OwnerID         string                              `gorm:"primaryKey"`
	SavedAt         string                              `gorm:"primaryKey"`
	CreatedAt       time.Time                           `gorm:"not null;autoCreateTime:false"`
	Position        int                                 `gorm:"not null"`
	VehicleInfo     datatypes.JSONType[car.VehicleInfo] `gorm:"type:json"`
	ImageRef        string                              `gorm:"not null"`
	LikeCount       int                                 `gorm:"not null"`
	LikedBy         datatypes.JSONSlice[string]         `gorm:"type:json"`
	Description     *string
	IsPrivate       bool
	AuthorHandle    *string
	AuthorAvatarRef *string
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toRow(partition string, position int, rec car.CarRecord) FeedSnapshot {
	return FeedSnapshot{
		PartitionID:     partition,
		OwnerID:         rec.OwnerID,
		SavedAt:         rec.Key().Stamp(),
		CreatedAt:       rec.CreatedAt.UTC(),
		Position:        position,
		VehicleInfo:     datatypes.NewJSONType(rec.VehicleInfo),
		ImageRef:        rec.ImageRef,
		LikeCount:       rec.LikeCount,
		LikedBy:         datatypes.JSONSlice[string](append([]string{}, rec.LikedBy...)),
		Description:     optional(rec.Description),
		IsPrivate:       rec.IsPrivate,
		AuthorHandle:    optional(rec.AuthorHandle),
		AuthorAvatarRef: optional(rec.AuthorAvatarRef),
	}
}

func (row FeedSnapshot) record() car.CarRecord {
	rec := car.CarRecord{
		OwnerID:         row.OwnerID,
		CreatedAt:       row.CreatedAt.UTC(),
		SavedAt:         row.SavedAt,
		VehicleInfo:     row.VehicleInfo.Data(),
		ImageRef:        row.ImageRef,
		LikeCount:       row.LikeCount,
		Description:     deref(row.Description),
		IsPrivate:       row.IsPrivate,
		AuthorHandle:    deref(row.AuthorHandle),
		AuthorAvatarRef: deref(row.AuthorAvatarRef),
	}
	if len(row.LikedBy) > 0 {
		rec.LikedBy = []string(row.LikedBy)
	}
	return rec
}

// SavePartition replaces the stored copy of partition with records, keeping
// their order.
func (r *SnapshotRepository) SavePartition(ctx context.Context, partition string, records []car.CarRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("partition_id = ?", partition).Delete(&FeedSnapshot{}).Error; err != nil {
			return err
		}
		if err := tx.Where("partition_id = ?", partition).Delete(&FeedPartition{}).Error; err != nil {
			return err
		}

		header := FeedPartition{
			PartitionID: partition,
			RecordCount: len(records),
			LoadedAt:    time.Now().UTC(),
		}
		if err := tx.Create(&header).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		rows := make([]FeedSnapshot, 0, len(records))
		for i, rec := range records {
			rows = append(rows, toRow(partition, i, rec))
		}
		return tx.CreateInBatches(rows, 200).Error
	})
}

// LoadPartition returns the stored records in their saved order and the time
// they were loaded from the backend.
func (r *SnapshotRepository) LoadPartition(ctx context.Context, partition string) ([]car.CarRecord, time.Time, error) {
	var header FeedPartition
	err := r.db.WithContext(ctx).Where("partition_id = ?", partition).First(&header).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, time.Time{}, fmt.Errorf("%w: no snapshot for %s", car.ErrNotFound, partition)
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	var rows []FeedSnapshot
	err = r.db.WithContext(ctx).
		Where("partition_id = ?", partition).
		Order("position ASC").
		Find(&rows).Error
	if err != nil {
		return nil, time.Time{}, err
	}

	records := make([]car.CarRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, header.LoadedAt.UTC(), nil
}

// DropPartition forgets a stored partition. The registry calls it when an
// owner signs out.
func (r *SnapshotRepository) DropPartition(ctx context.Context, partition string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("partition_id = ?", partition).Delete(&FeedSnapshot{}).Error; err != nil {
			return err
		}
		return tx.Where("partition_id = ?", partition).Delete(&FeedPartition{}).Error
	})
}
