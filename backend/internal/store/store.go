package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("NOT_FOUND")
	ErrDocumentExists = errors.New("DOCUMENT_EXISTS")
)

type SnapshotStore interface {
	// Save 对同一个 snapshotId 幂等
	Save(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, snapshotID string) (*Snapshot, error)
	// Latest 返回 serverSeq 最大的快照，没有时返回 nil, nil
	Latest(ctx context.Context, documentID string) (*Snapshot, error)
	FindByCommitRef(ctx context.Context, documentID, ref string) (*Snapshot, error)
	List(ctx context.Context, documentID string, statuses ...SnapshotStatus) ([]Snapshot, error)
	MarkCommitted(ctx context.Context, snapshotID, ref string) error
	// MarkAttempt 记录一次失败的提交尝试
	MarkAttempt(ctx context.Context, snapshotID string, status SnapshotStatus, lastErr string) error
	SetStatus(ctx context.Context, snapshotID string, status SnapshotStatus) error
}

type HistoryStore interface {
	Append(ctx context.Context, e *HistoryEntry) error
	// Last 没有记录时返回 nil, nil
	Last(ctx context.Context, documentID string) (*HistoryEntry, error)
	List(ctx context.Context, documentID string) ([]HistoryEntry, error)
}

type DocumentStore interface {
	Create(ctx context.Context, d *Document) error
	// Get 不存在时返回 nil, nil
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context) ([]Document, error)
	SetLastCommitted(ctx context.Context, id, snapshotID string) error
}
