package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

type GormDocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *GormDocumentStore {
	return &GormDocumentStore{db: db}
}

func (s *GormDocumentStore) Create(ctx context.Context, d *Document) error {
	err := s.db.WithContext(ctx).Create(d).Error
	if err != nil && IsDuplicateKey(err) {
		return fmt.Errorf("%w: %s", ErrDocumentExists, d.ID)
	}
	return err
}

func (s *GormDocumentStore) Get(ctx context.Context, id string) (*Document, error) {
	var d Document
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // 没找到，返回 nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (s *GormDocumentStore) List(ctx context.Context) ([]Document, error) {
	var out []Document
	err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

func (s *GormDocumentStore) SetLastCommitted(ctx context.Context, id, snapshotID string) error {
	res := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", id).
		Update("last_committed_snapshot_id", snapshotID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
