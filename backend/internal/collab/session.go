package collab

import (
	"context"
	"time"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
)

type UpdateKind string

const (
	// 本会话提交的操作已定序（携带变换后的操作）
	UpdateAck UpdateKind = "ack"
	// 其他会话的操作
	UpdateOp               UpdateKind = "op"
	UpdateReconcileStarted UpdateKind = "reconcile_started"
	UpdateReconciled       UpdateKind = "reconciled"
)

// Update 按 serverSeq 顺序投递到会话，ack 和 op 合起来没有空洞
type Update struct {
	Kind      UpdateKind
	Op        delta.Operation
	Conflicts int
}

type Joined struct {
	SessionID  string
	DocumentID string
	Content    string
	ServerSeq  uint64
	// 会话被关闭（离开、超时、消费过慢、副本驱逐）时 channel 被关闭
	Updates <-chan Update
}

// Frozen 是副本在某个 serverSeq 上的只读拷贝
type Frozen struct {
	DocumentID string
	Content    string
	ServerSeq  uint64
}

type session struct {
	id        string
	updates   chan Update
	lastAcked uint64
	cursor    int
	lastSeen  time.Time
}

type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	LastAcked uint64    `json:"lastAckedServerSeq"`
	Cursor    int       `json:"cursor"`
	LastSeen  time.Time `json:"lastSeen"`
}

// 每个会话最后一次提交的 clientSeq 与其 serverSeq，用于去重
type clientMark struct {
	clientSeq uint64
	serverSeq uint64
}

type result struct {
	val any
	err error
}

type queuedSubmit struct {
	ctx       context.Context
	sessionID string
	op        delta.Operation
	reply     chan<- result
}
