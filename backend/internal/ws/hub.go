package ws

import (
	"context"
	"sync"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/cache"
)

// Hub 只负责本节点上的连接房间（光标、在线状态）；
// 文档操作的广播由协调器通过每个会话的 Updates 完成。
type Hub struct {
	presence cache.PresenceCache
	mu       sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

func (h *Hub) conns(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		out = append(out, c)
	}
	return out
}

// RoomSize 返回本节点上某文档的连接数
func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

func (h *Hub) BroadcastPresence(ctx context.Context, docID string) {
	members, err := h.presence.GetAliveMembersWithNames(ctx, docID)
	if err != nil {
		return
	}
	msg := ServerMessage{Type: TypePresence, DocID: docID, Members: members}
	for _, c := range h.conns(docID) {
		c.SendMessage_Enqueue(msg)
	}
}

// BroadcastCursor 推给同房间的其他连接
func (h *Hub) BroadcastCursor(from *Conn, msg CursorMessage) {
	for _, c := range h.conns(msg.DocID) {
		if c == from {
			continue
		}
		c.SendMessage_Enqueue(msg)
	}
}
