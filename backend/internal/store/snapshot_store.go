package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type GormSnapshotStore struct{ db *gorm.DB }

func NewSnapshotStore(db *gorm.DB) *GormSnapshotStore {
	return &GormSnapshotStore{db: db}
}

func (s *GormSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	err := s.db.WithContext(ctx).Create(snap).Error
	if err != nil && IsDuplicateKey(err) {
		// 内容寻址，同 id 即同内容
		return nil
	}
	return err
}

func (s *GormSnapshotStore) first(ctx context.Context, q *gorm.DB) (*Snapshot, error) {
	var snap Snapshot
	err := q.WithContext(ctx).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *GormSnapshotStore) Get(ctx context.Context, snapshotID string) (*Snapshot, error) {
	snap, err := s.first(ctx, s.db.Where("snapshot_id = ?", snapshotID))
	if err == nil && snap == nil {
		return nil, ErrNotFound
	}
	return snap, err
}

func (s *GormSnapshotStore) Latest(ctx context.Context, documentID string) (*Snapshot, error) {
	return s.first(ctx, s.db.Where("document_id = ?", documentID).Order("server_seq DESC"))
}

func (s *GormSnapshotStore) FindByCommitRef(ctx context.Context, documentID, ref string) (*Snapshot, error) {
	return s.first(ctx, s.db.Where("document_id = ? AND external_commit_ref = ?", documentID, ref).Order("server_seq DESC"))
}

func (s *GormSnapshotStore) List(ctx context.Context, documentID string, statuses ...SnapshotStatus) ([]Snapshot, error) {
	q := s.db.WithContext(ctx).Order("document_id ASC, server_seq ASC")
	if documentID != "" {
		q = q.Where("document_id = ?", documentID)
	}
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var out []Snapshot
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormSnapshotStore) update(ctx context.Context, snapshotID string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&Snapshot{}).Where("snapshot_id = ?", snapshotID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormSnapshotStore) MarkCommitted(ctx context.Context, snapshotID, ref string) error {
	return s.update(ctx, snapshotID, map[string]any{
		"external_commit_ref": ref,
		"status":              SnapshotCommitted,
		"last_error":          "",
	})
}

func (s *GormSnapshotStore) MarkAttempt(ctx context.Context, snapshotID string, status SnapshotStatus, lastErr string) error {
	return s.update(ctx, snapshotID, map[string]any{
		"attempts":   gorm.Expr("attempts + 1"),
		"status":     status,
		"last_error": lastErr,
	})
}

func (s *GormSnapshotStore) SetStatus(ctx context.Context, snapshotID string, status SnapshotStatus) error {
	return s.update(ctx, snapshotID, map[string]any{"status": status})
}
