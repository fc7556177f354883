package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type GormHistoryStore struct{ db *gorm.DB }

func NewHistoryStore(db *gorm.DB) *GormHistoryStore {
	return &GormHistoryStore{db: db}
}

func (s *GormHistoryStore) Append(ctx context.Context, e *HistoryEntry) error {
	return s.db.WithContext(ctx).Create(e).Error
}

func (s *GormHistoryStore) Last(ctx context.Context, documentID string) (*HistoryEntry, error) {
	var e HistoryEntry
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("id DESC").First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *GormHistoryStore) List(ctx context.Context, documentID string) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("id ASC").Find(&out).Error
	return out, err
}
