package ws

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/collab"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
)

const (
	acquireTimeout = 200 * time.Millisecond
	// 对账期间提交会排队，给足时间
	submitTimeout = 5 * time.Second
	presenceTTL   = 600 * time.Second
	writeWait     = 10 * time.Second
)

// Coordinator 是 ws 层用到的会话协调器能力
type Coordinator interface {
	Join(ctx context.Context, docID, sessionID string) (*collab.Joined, error)
	Leave(ctx context.Context, j *collab.Joined) error
	Submit(ctx context.Context, docID, sessionID string, op delta.Operation) (delta.Operation, error)
	Ack(ctx context.Context, docID, sessionID string, serverSeq uint64) error
	Touch(ctx context.Context, docID, sessionID string) error
	SetCursor(ctx context.Context, docID, sessionID string, pos int, baseSeq uint64) (int, error)
	Content(ctx context.Context, docID string) (collab.Frozen, error)
	ReadSince(ctx context.Context, docID string, since uint64) iter.Seq2[delta.Operation, error]
}

type Conn struct {
	ws        *websocket.Conn
	hub       *Hub
	docID     string
	sessionID string
	username  string
	updates   <-chan collab.Update
	coord     Coordinator
	sem       *collab.SemaphoreControl
	logger    zerolog.Logger

	// 其他 goroutine（hub 广播、读循环）投递给写循环的消息
	send chan OutboundMessage
	// 读循环退出时关闭，之后投递直接丢弃
	done chan struct{}
	// 写循环退出时关闭
	writerDone chan struct{}
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string    { return m.Type }
func (m ErrorMessage) MessageType() string     { return m.Type }
func (m OpMessage) MessageType() string        { return m.Type }
func (m ReconcileMessage) MessageType() string { return m.Type }
func (m CursorMessage) MessageType() string    { return m.Type }

func NewConn(ws *websocket.Conn, hub *Hub, joined *collab.Joined, username string, coord Coordinator, sem *collab.SemaphoreControl, logger zerolog.Logger) *Conn {
	return &Conn{
		ws:        ws,
		hub:       hub,
		docID:     joined.DocumentID,
		sessionID: joined.SessionID,
		username:  username,
		updates:   joined.Updates,
		coord:     coord,
		sem:       sem,
		logger:    logger.With().Str("doc", joined.DocumentID).Str("session", joined.SessionID).Logger(),

		send:       make(chan OutboundMessage, 32),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		// 队列满了，丢弃（光标、在线状态这类消息可以丢）
		c.logger.Debug().Str("type", msg.MessageType()).Msg("outbound queue full, message dropped")
	}
}

// enqueue 阻塞投递，用于不能丢的消息（补发的日志）
func (c *Conn) enqueue(ctx context.Context, msg OutboundMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
	case <-c.writerDone:
	case <-ctx.Done():
	}
	return false
}

func (c *Conn) sendError(err error, clientSeq uint64) {
	code := collab.Code(err)
	c.SendMessage_Enqueue(ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   err.Error(),
		ClientSeq: clientSeq,
		Resync:    errors.Is(err, collab.ErrStaleBase) || errors.Is(err, collab.ErrInvalidOperation),
	})
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()
	if err := c.sem.Acquire(acquireCtx); err != nil {
		c.sendError(err, msg.ClientSeq)
		return
	}
	defer c.sem.Release()

	submitCtx, cancelSubmit := context.WithTimeout(ctx, submitTimeout)
	defer cancelSubmit()
	// 成功时确认经由 Updates 以 op_applied 送达，保证和广播同序
	if _, err := c.coord.Submit(submitCtx, c.docID, c.sessionID, msg.operation()); err != nil {
		c.logger.Debug().Err(err).Uint64("clientSeq", msg.ClientSeq).Msg("op rejected")
		c.sendError(err, msg.ClientSeq)
	}
}

// handleCatchUp 把 since 之后的日志按序补发；基线已被压缩时让客户端整体重载。
// 补发和实时推送可能有重叠，客户端按 serverSeq 去重。
func (c *Conn) handleCatchUp(ctx context.Context, since uint64) {
	last := since
	for op, err := range c.coord.ReadSince(ctx, c.docID, since) {
		if err != nil {
			c.sendError(err, 0)
			if errors.Is(err, collab.ErrStaleBase) {
				c.resync(ctx)
			}
			return
		}
		if !c.enqueue(ctx, newOpMessage(TypeOpBroadcast, op)) {
			return
		}
		last = op.ServerSeq
	}
	c.enqueue(ctx, ServerMessage{Type: TypeCatchUpDone, DocID: c.docID, ServerSeq: last})
}

func (c *Conn) resync(ctx context.Context) {
	cur, err := c.coord.Content(ctx, c.docID)
	if err != nil {
		c.sendError(err, 0)
		return
	}
	c.enqueue(ctx, ServerMessage{Type: TypeResync, DocID: c.docID, ServerSeq: cur.ServerSeq, Content: cur.Content})
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	if err := c.coord.Touch(ctx, c.docID, c.sessionID); err != nil {
		c.sendError(err, 0)
		return
	}
	if err := c.hub.presence.AddMember(ctx, c.docID, c.sessionID, c.username, presenceTTL); err != nil {
		c.logger.Warn().Err(err).Msg("add member error")
	}
	members, err := c.hub.presence.GetAliveMembersWithNames(ctx, c.docID)
	if err != nil {
		c.logger.Warn().Err(err).Msg("get members error")
	}
	c.SendMessage_Enqueue(ServerMessage{Type: TypePresence, DocID: c.docID, Members: members})
	c.SendMessage_Enqueue(ServerMessage{Type: TypeFeedback, Content: "Heartbeat received"})
}

func (c *Conn) handleCursor(ctx context.Context, msg ClientMessage) {
	pos, err := c.coord.SetCursor(ctx, c.docID, c.sessionID, msg.Position, msg.BaseSequence)
	if err != nil {
		c.sendError(err, 0)
		return
	}
	cursor := CursorMessage{Type: TypeCursor, DocID: c.docID, SessionID: c.sessionID, Username: c.username, Position: pos}
	if raw, err := json.Marshal(cursor); err == nil {
		if err := c.hub.presence.SetCursor(ctx, c.docID, c.sessionID, raw, presenceTTL); err != nil {
			c.logger.Warn().Err(err).Msg("set cursor error")
		}
	}
	c.hub.BroadcastCursor(c, cursor)
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info().Err(err).Msg("read json error")
			}
			return
		}
		switch msg.Type {
		case TypeOpSubmit:
			c.handleOpSubmit(ctx, msg)
		case TypeCatchUp:
			c.handleCatchUp(ctx, msg.Since)
		case TypeAck:
			if err := c.coord.Ack(ctx, c.docID, c.sessionID, msg.ServerSeq); err != nil {
				c.sendError(err, 0)
			}
		case TypeHeartbeat:
			c.handleHeartbeat(ctx)
		case TypeCursor:
			c.handleCursor(ctx, msg)
		default:
			c.SendMessage_Enqueue(ServerMessage{Type: TypeIgnored, Content: "Unknown message type"})
		}
	}
}

// updateMessage 把协调器的更新翻译成出站消息
func updateMessage(docID string, u collab.Update) OutboundMessage {
	switch u.Kind {
	case collab.UpdateAck:
		return newOpMessage(TypeOpApplied, u.Op)
	case collab.UpdateOp:
		return newOpMessage(TypeOpBroadcast, u.Op)
	case collab.UpdateReconcileStarted:
		return ReconcileMessage{Type: TypeReconcileStarted, DocID: docID}
	default:
		return ReconcileMessage{Type: TypeReconciled, DocID: docID, Conflicts: u.Conflicts}
	}
}

// writeLoop 是唯一写 websocket 的 goroutine
func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				_ = c.ws.Close()
				return
			}
		case u, ok := <-c.updates:
			if !ok {
				// 会话被协调器关闭（超时、消费过慢、副本驱逐），通知客户端后断开
				_ = c.write(ErrorMessage{Type: TypeError, Code: "SESSION_CLOSED", Message: "session closed by server", Resync: true})
				_ = c.ws.Close()
				return
			}
			if err := c.write(updateMessage(c.docID, u)); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *Conn) write(msg OutboundMessage) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		c.logger.Debug().Err(err).Str("type", msg.MessageType()).Msg("write json error")
		return err
	}
	return nil
}
