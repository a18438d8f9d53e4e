package store

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// FragmentMeta caches the digest of a fragment so startup verification only
// rehashes files whose size or mtime changed.
type FragmentMeta struct {
	ID      string `gorm:"primaryKey"`
	Path    string
	Size    int64
	ModTime int64
	Hash    string
}

// TransferRecord is one terminal transfer, kept for stats reporting.
type TransferRecord struct {
	ID         uint `gorm:"primaryKey"`
	SessionID  string
	PeerID     string
	FragmentID string
	Status     string
	BytesSent  int64
	TotalBytes int64
	StartedAt  int64
	FinishedAt int64
	Error      string
}

func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open meta db: %w", err)
	}
	if err := db.AutoMigrate(&FragmentMeta{}, &TransferRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate meta db: %w", err)
	}
	return db, nil
}

type MetaStore struct {
	db *gorm.DB
}

func NewMetaStore(db *gorm.DB) *MetaStore {
	return &MetaStore{db: db}
}

// FragmentHash returns the cached digest for id when size and mtime still
// match, computing and storing it otherwise.
func (s *MetaStore) FragmentHash(id, path string, size, modTime int64, compute func(string) (string, error)) (string, error) {
	var meta FragmentMeta
	err := s.db.First(&meta, "id = ?", id).Error
	if err == nil && meta.Size == size && meta.ModTime == modTime && meta.Hash != "" {
		return meta.Hash, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	digest, err := compute(path)
	if err != nil {
		return "", err
	}

	meta = FragmentMeta{ID: id, Path: path, Size: size, ModTime: modTime, Hash: digest}
	if err := s.db.Save(&meta).Error; err != nil {
		return "", err
	}
	return digest, nil
}

func (s *MetaStore) DeleteFragment(id string) error {
	return s.db.Delete(&FragmentMeta{}, "id = ?", id).Error
}

func (s *MetaStore) RecordTransfer(rec TransferRecord) error {
	return s.db.Create(&rec).Error
}

func (s *MetaStore) RecentTransfers(limit int) ([]TransferRecord, error) {
	var recs []TransferRecord
	err := s.db.Order("id desc").Limit(limit).Find(&recs).Error
	return recs, err
}
