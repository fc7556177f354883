package oplog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/store"
)

// OpRecord 日志表，(document_id, server_seq) 唯一
type OpRecord struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	DocumentID   string    `gorm:"size:64;not null;uniqueIndex:uk_doc_seq,priority:1"`
	ServerSeq    uint64    `gorm:"not null;uniqueIndex:uk_doc_seq,priority:2"`
	SessionID    string    `gorm:"size:64;not null"`
	ClientSeq    uint64    `gorm:"not null"`
	BaseSequence uint64    `gorm:"not null"`
	Kind         string    `gorm:"size:8;not null"`
	Position     int       `gorm:"not null"`
	Text         string    `gorm:"type:text"`
	Count        int       `gorm:"not null"`
	CreatedAt    time.Time
}

func (OpRecord) TableName() string { return "operation_log" }

// FloorRecord 记录每个文档的压缩水位
type FloorRecord struct {
	DocumentID string `gorm:"primaryKey;size:64"`
	Floor      uint64 `gorm:"not null"`
	UpdatedAt  time.Time
}

func (FloorRecord) TableName() string { return "operation_log_floors" }

func toRecord(op delta.Operation) OpRecord {
	return OpRecord{
		DocumentID:   op.DocumentID,
		ServerSeq:    op.ServerSeq,
		SessionID:    op.SessionID,
		ClientSeq:    op.ClientSeq,
		BaseSequence: op.BaseSequence,
		Kind:         string(op.Kind),
		Position:     op.Position,
		Text:         op.Text,
		Count:        op.Count,
	}
}

func (r OpRecord) operation() delta.Operation {
	return delta.Operation{
		DocumentID:   r.DocumentID,
		SessionID:    r.SessionID,
		ClientSeq:    r.ClientSeq,
		BaseSequence: r.BaseSequence,
		Kind:         delta.Kind(r.Kind),
		Position:     r.Position,
		Text:         r.Text,
		Count:        r.Count,
		ServerSeq:    r.ServerSeq,
	}
}

// GormLog 基于 MySQL（测试里是 SQLite）的持久化日志
type GormLog struct {
	db *gorm.DB
	// 每页读取条数
	batch int
}

func NewGormLog(db *gorm.DB, batch int) *GormLog {
	if batch <= 0 {
		batch = 256
	}
	return &GormLog{db: db, batch: batch}
}

func (l *GormLog) AutoMigrate() error {
	return l.db.AutoMigrate(&OpRecord{}, &FloorRecord{})
}

func floorOf(tx *gorm.DB, docID string) (uint64, error) {
	var f FloorRecord
	err := tx.Where("document_id = ?", docID).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return f.Floor, err
}

func headOf(tx *gorm.DB, docID string) (uint64, error) {
	var head uint64
	err := tx.Model(&OpRecord{}).
		Where("document_id = ?", docID).
		Select("COALESCE(MAX(server_seq), 0)").
		Scan(&head).Error
	if err != nil {
		return 0, err
	}
	if head == 0 {
		// 全部被压缩时 head 等于水位
		return floorOf(tx, docID)
	}
	return head, nil
}

func (l *GormLog) Append(ctx context.Context, op delta.Operation) (uint64, error) {
	var seq uint64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		floor, err := floorOf(tx, op.DocumentID)
		if err != nil {
			return err
		}
		if op.BaseSequence < floor {
			return fmt.Errorf("%w: base %d below floor %d", ErrStaleBase, op.BaseSequence, floor)
		}
		head, err := headOf(tx, op.DocumentID)
		if err != nil {
			return err
		}
		if op.ServerSeq != 0 && op.ServerSeq != head+1 {
			return fmt.Errorf("%w: doc %s seq %d, head %d", ErrSequenceConflict, op.DocumentID, op.ServerSeq, head)
		}
		op.ServerSeq = head + 1
		rec := toRecord(op)
		if err := tx.Create(&rec).Error; err != nil {
			if store.IsDuplicateKey(err) {
				return fmt.Errorf("%w: doc %s seq %d", ErrSequenceConflict, op.DocumentID, op.ServerSeq)
			}
			return err
		}
		seq = op.ServerSeq
		return nil
	})
	return seq, err
}

func (l *GormLog) ReadSince(ctx context.Context, documentID string, since uint64) iter.Seq2[delta.Operation, error] {
	return func(yield func(delta.Operation, error) bool) {
		db := l.db.WithContext(ctx)
		floor, err := floorOf(db, documentID)
		if err != nil {
			yield(delta.Operation{}, err)
			return
		}
		if since < floor {
			yield(delta.Operation{}, fmt.Errorf("%w: since %d below floor %d", ErrStaleBase, since, floor))
			return
		}
		cursor := since
		for {
			var page []OpRecord
			err := db.Where("document_id = ? AND server_seq > ?", documentID, cursor).
				Order("server_seq ASC").
				Limit(l.batch).
				Find(&page).Error
			if err != nil {
				yield(delta.Operation{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec.operation(), nil) {
					return
				}
				cursor = rec.ServerSeq
			}
			if len(page) < l.batch {
				return
			}
		}
	}
}

func (l *GormLog) Head(ctx context.Context, documentID string) (uint64, error) {
	return headOf(l.db.WithContext(ctx), documentID)
}

func (l *GormLog) Floor(ctx context.Context, documentID string) (uint64, error) {
	return floorOf(l.db.WithContext(ctx), documentID)
}

func (l *GormLog) Compact(ctx context.Context, documentID string, through uint64) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		floor, err := floorOf(tx, documentID)
		if err != nil {
			return err
		}
		if through <= floor {
			return nil
		}
		head, err := headOf(tx, documentID)
		if err != nil {
			return err
		}
		through = min(through, head)
		if err := tx.Where("document_id = ? AND server_seq <= ?", documentID, through).
			Delete(&OpRecord{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"floor", "updated_at"}),
		}).Create(&FloorRecord{DocumentID: documentID, Floor: through}).Error
	})
}
