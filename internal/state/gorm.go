package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/ploco-sync/pkg/types"
)

const snapshotRowID = 1

// snapshotRow is the single row holding the current snapshot. Blob and
// metadata share a row, so one upsert replaces both.
type snapshotRow struct {
	ID            uint      `gorm:"column:id;primaryKey;autoIncrement:false"`
	Blob          []byte    `gorm:"column:blob"`
	LastSavedUTC  time.Time `gorm:"column:last_saved_utc"`
	SavedBy       string    `gorm:"column:saved_by"`
	SizeBytes     int64     `gorm:"column:size_bytes"`
	FormatVersion string    `gorm:"column:format_version"`
	Checksum      string    `gorm:"column:checksum"`
}

func (snapshotRow) TableName() string { return "state_snapshots" }

func (r snapshotRow) metadata() types.StateMetadata {
	return types.StateMetadata{
		LastSavedUTC:  r.LastSavedUTC.UTC(),
		SavedBy:       r.SavedBy,
		SizeBytes:     r.SizeBytes,
		FormatVersion: r.FormatVersion,
		Checksum:      r.Checksum,
	}
}

// GormStore keeps the snapshot in a database table.
type GormStore struct {
	db  *gorm.DB
	log *zap.Logger
}

// OpenPostgres connects to dsn and prepares the snapshot table.
func OpenPostgres(dsn string, log *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewGormStore(db, log)
}

func NewGormStore(db *gorm.DB, log *zap.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&snapshotRow{}); err != nil {
		return nil, fmt.Errorf("migrate state_snapshots: %w", err)
	}
	return &GormStore{db: db, log: log}, nil
}

func (s *GormStore) GetState(ctx context.Context) ([]byte, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).Take(&row, snapshotRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if err := verify(row.Blob, row.metadata()); err != nil {
		return nil, err
	}
	if row.Blob == nil {
		row.Blob = []byte{}
	}
	return row.Blob, nil
}

func (s *GormStore) SaveState(ctx context.Context, blob []byte, savedBy string) (types.StateMetadata, error) {
	meta := newMetadata(blob, savedBy)
	if blob == nil {
		blob = []byte{}
	}
	row := snapshotRow{
		ID:            snapshotRowID,
		Blob:          blob,
		LastSavedUTC:  meta.LastSavedUTC,
		SavedBy:       meta.SavedBy,
		SizeBytes:     meta.SizeBytes,
		FormatVersion: meta.FormatVersion,
		Checksum:      meta.Checksum,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return types.StateMetadata{}, fmt.Errorf("write state: %w", err)
	}
	s.log.Info("state saved", zap.Int64("bytes", meta.SizeBytes), zap.String("saved_by", savedBy))
	return meta, nil
}

func (s *GormStore) GetMetadata(ctx context.Context) (types.StateMetadata, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).
		Select("id", "last_saved_utc", "saved_by", "size_bytes", "format_version", "checksum").
		Take(&row, snapshotRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.StateMetadata{}, ErrNoState
	}
	if err != nil {
		return types.StateMetadata{}, fmt.Errorf("read metadata: %w", err)
	}
	return row.metadata(), nil
}

func (s *GormStore) StateExists(ctx context.Context) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&snapshotRow{}).Where("id = ?", snapshotRowID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("count state: %w", err)
	}
	return n > 0, nil
}

func (s *GormStore) DeleteState(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Delete(&snapshotRow{}, snapshotRowID).Error; err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	s.log.Info("state deleted")
	return nil
}
