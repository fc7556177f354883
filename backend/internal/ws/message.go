package ws

import (
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/cache"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
)

// 入站消息类型
const (
	TypeOpSubmit  = "op_submit"
	TypeCatchUp   = "catch_up"
	TypeAck       = "ack"
	TypeHeartbeat = "heartbeat"
	TypeCursor    = "cursor"
)

// 出站消息类型
const (
	TypeWelcome          = "welcome"
	TypeOpApplied        = "op_applied"
	TypeOpBroadcast      = "op_broadcast"
	TypeCatchUpDone      = "catch_up_done"
	TypeResync           = "resync"
	TypeReconcileStarted = "reconcile_started"
	TypeReconciled       = "reconciled"
	TypePresence         = "presence"
	TypeFeedback         = "feedback"
	TypeError            = "error"
	TypeIgnored          = "ignored"
)

type ClientMessage struct {
	Type string `json:"type"`
	// op_submit
	ClientSeq    uint64     `json:"clientSeq,omitempty"`
	BaseSequence uint64     `json:"baseSequence,omitempty"`
	Kind         delta.Kind `json:"kind,omitempty"`
	Position     int        `json:"position,omitempty"`
	Text         string     `json:"text,omitempty"`
	Count        int        `json:"count,omitempty"`
	// catch_up
	Since uint64 `json:"since,omitempty"`
	// ack
	ServerSeq uint64 `json:"serverSeq,omitempty"`
}

func (m ClientMessage) operation() delta.Operation {
	return delta.Operation{
		ClientSeq:    m.ClientSeq,
		BaseSequence: m.BaseSequence,
		Kind:         m.Kind,
		Position:     m.Position,
		Text:         m.Text,
		Count:        m.Count,
	}
}

type ServerMessage struct {
	Type      string                 `json:"type"`
	DocID     string                 `json:"docId,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	ServerSeq uint64                 `json:"serverSeq,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Members   []cache.PresenceMember `json:"members,omitempty"`
}

type ErrorMessage struct {
	Type      string `json:"type"` // 固定 "error"
	Code      string `json:"code"`
	Message   string `json:"message"`
	ClientSeq uint64 `json:"clientSeq,omitempty"`
	// 客户端需要丢弃本地状态，重新拉取内容
	Resync bool `json:"resync,omitempty"`
}

// op_applied 是给提交者的确认，带着变换后的操作；
// op_broadcast 推给同文档的其他会话。两者字段相同。
type OpMessage struct {
	Type            string     `json:"type"`
	DocID           string     `json:"docId"`
	ServerSeq       uint64     `json:"serverSeq"`
	Kind            delta.Kind `json:"kind"`
	Position        int        `json:"position"`
	Text            string     `json:"text,omitempty"`
	Count           int        `json:"count,omitempty"`
	OriginSessionID string     `json:"originSessionId"`
	ClientSeq       uint64     `json:"clientSeq,omitempty"`
}

func newOpMessage(typ string, op delta.Operation) OpMessage {
	return OpMessage{
		Type:            typ,
		DocID:           op.DocumentID,
		ServerSeq:       op.ServerSeq,
		Kind:            op.Kind,
		Position:        op.Position,
		Text:            op.Text,
		Count:           op.Count,
		OriginSessionID: op.SessionID,
		ClientSeq:       op.ClientSeq,
	}
}

type ReconcileMessage struct {
	Type      string `json:"type"`
	DocID     string `json:"docId"`
	Conflicts int    `json:"conflicts"`
}

type CursorMessage struct {
	Type      string `json:"type"` // 固定 "cursor"
	DocID     string `json:"docId"`
	SessionID string `json:"sessionId"`
	Username  string `json:"username,omitempty"`
	Position  int    `json:"position"`
}
