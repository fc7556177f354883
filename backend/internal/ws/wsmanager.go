package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/collab"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h      *Hub
	coord  Coordinator
	sem    *collab.SemaphoreControl
	logger zerolog.Logger
}

func NewManager(h *Hub, coord Coordinator, sem *collab.SemaphoreControl, logger zerolog.Logger) *Manager {
	return &Manager{h: h, coord: coord, sem: sem, logger: logger}
}

// WebSocketConnect 处理 /collab/ws?docId=...&sessionId=...
// sessionId 可选，断线重连时带上旧的 id 以保留去重水位。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	docID := c.Query("docId")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": "missing docId"})
		return
	}
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade error")
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	joined, err := m.coord.Join(ctx, docID, sessionID)
	if err != nil {
		m.logger.Info().Err(err).Str("doc", docID).Msg("join rejected")
		_ = conn.WriteJSON(ErrorMessage{Type: TypeError, Code: collab.Code(err), Message: err.Error()})
		return
	}

	wsConn := NewConn(conn, m.h, joined, username, m.coord, m.sem, m.logger)
	m.h.Join(docID, wsConn)
	if err := m.h.presence.AddMember(ctx, docID, sessionID, username, presenceTTL); err != nil {
		wsConn.logger.Warn().Err(err).Msg("add member error")
	}

	// welcome 必须先于任何 op_broadcast，所以在写循环启动前同步写出
	if err := wsConn.write(ServerMessage{
		Type:      TypeWelcome,
		DocID:     docID,
		SessionID: sessionID,
		ServerSeq: joined.ServerSeq,
		Content:   joined.Content,
	}); err == nil {
		go wsConn.writeLoop()
		m.h.BroadcastPresence(ctx, docID)
		// 阻塞至连接关闭
		wsConn.readLoop(ctx)
		<-wsConn.writerDone
	}

	// 请求上下文可能已经取消，清理用独立的超时
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	m.h.Leave(docID, wsConn)
	if err := m.coord.Leave(cleanupCtx, joined); err != nil {
		wsConn.logger.Warn().Err(err).Msg("leave error")
	}
	if err := m.h.presence.RemoveMember(cleanupCtx, docID, sessionID); err != nil {
		wsConn.logger.Warn().Err(err).Msg("remove member error")
	}
	m.h.BroadcastPresence(cleanupCtx, docID)
	wsConn.logger.Debug().Msg("connection closed")
}
