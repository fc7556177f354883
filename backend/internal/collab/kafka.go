package collab

import (
	"time"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
)

const (
	EventOpApplied         = "OP_APPLIED"
	EventSnapshotCommitted = "SNAPSHOT_COMMITTED"
	EventReconciled        = "RECONCILED"
)

// DocEvent 发到 Kafka，以 docId 为 key，同一文档的事件落在同一分区
type DocEvent struct {
	EventType string `json:"eventType"`
	DocID     string `json:"docId"`
	NodeID    string `json:"nodeId,omitempty"`
	ServerSeq uint64 `json:"serverSeq"`
	// OP_APPLIED
	Op *delta.Operation `json:"op,omitempty"`
	// SNAPSHOT_COMMITTED / RECONCILED
	SnapshotID string    `json:"snapshotId,omitempty"`
	CommitRef  string    `json:"commitRef,omitempty"`
	Conflicts  int       `json:"conflicts,omitempty"`
	At         time.Time `json:"at"`
}

func opAppliedEvent(nodeID string, op delta.Operation) DocEvent {
	return DocEvent{
		EventType: EventOpApplied,
		DocID:     op.DocumentID,
		NodeID:    nodeID,
		ServerSeq: op.ServerSeq,
		Op:        &op,
		At:        time.Now(),
	}
}
