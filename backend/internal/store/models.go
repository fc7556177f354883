package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

type SnapshotStatus string

const (
	SnapshotPending       SnapshotStatus = "pending"
	SnapshotCommitted     SnapshotStatus = "committed"
	SnapshotPendingFailed SnapshotStatus = "pending-failed"
	// 内容里还有冲突标记，不会写到外部历史
	SnapshotConflicted SnapshotStatus = "conflicted"
	// 已有更新的快照覆盖了它的全部内容
	SnapshotSuperseded SnapshotStatus = "superseded"
)

// Snapshot 的 SnapshotID/DocumentID/Content/ServerSeq 创建后不再改变，
// 其余字段是提交过程的记账信息。
type Snapshot struct {
	SnapshotID        string         `gorm:"primaryKey;size:64" json:"snapshotId"`
	DocumentID        string         `gorm:"size:64;not null;index:idx_snap_doc_seq,priority:1" json:"documentId"`
	ServerSeq         uint64         `gorm:"not null;index:idx_snap_doc_seq,priority:2" json:"serverSeq"`
	Content           string         `gorm:"type:longtext" json:"content"`
	ExternalCommitRef *string        `gorm:"size:64" json:"externalCommitRef,omitempty"`
	Status            SnapshotStatus `gorm:"size:16;not null;index" json:"status"`
	Attempts          int            `gorm:"not null;default:0" json:"attempts"`
	LastError         string         `gorm:"type:text" json:"lastError,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

func (Snapshot) TableName() string { return "document_snapshots" }

// SnapshotID 按内容寻址：sha256(documentId, serverSeq, content)
func SnapshotID(documentID string, serverSeq uint64, content string) string {
	h := sha256.New()
	h.Write([]byte(documentID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(serverSeq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

func NewSnapshot(documentID string, serverSeq uint64, content string, status SnapshotStatus) *Snapshot {
	return &Snapshot{
		SnapshotID: SnapshotID(documentID, serverSeq, content),
		DocumentID: documentID,
		ServerSeq:  serverSeq,
		Content:    content,
		Status:     status,
	}
}

type HistorySource string

const (
	// 本系统写出的提交
	SourceLocal HistorySource = "local"
	// 外部直接推到仓库、被对账采纳的提交
	SourceExternal HistorySource = "external"
)

// HistoryEntry 只追加，把快照和外部提交串成链
type HistoryEntry struct {
	ID         uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID string        `gorm:"size:64;not null;index" json:"documentId"`
	SnapshotID string        `gorm:"size:64" json:"snapshotId,omitempty"`
	CommitRef  string        `gorm:"size:64;not null" json:"commitRef"`
	ParentRef  string        `gorm:"size:64" json:"parentRef,omitempty"`
	Source     HistorySource `gorm:"size:16;not null" json:"source"`
	CreatedAt  time.Time     `json:"createdAt"`
}

func (HistoryEntry) TableName() string { return "document_history" }

type Document struct {
	ID string `gorm:"primaryKey;size:64" json:"id"`
	// 文档在仓库里的相对路径
	Path                    string    `gorm:"size:512;not null;uniqueIndex" json:"path"`
	LastCommittedSnapshotID string    `gorm:"size:64" json:"lastCommittedSnapshotId,omitempty"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

func (Document) TableName() string { return "documents" }
