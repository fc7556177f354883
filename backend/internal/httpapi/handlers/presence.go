package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

type presenceView struct {
	SessionID string          `json:"sessionId"`
	Username  string          `json:"username"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
}

// Presence 返回文档在线成员和最近一次上报的光标，数据来自 presence 缓存，跨节点可见
func (h *Handler) Presence(c *gin.Context) {
	doc, ok := h.document(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	members, err := h.PresenceCache.GetAliveMembersWithNames(ctx, doc.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]presenceView, 0, len(members))
	for _, m := range members {
		v := presenceView{SessionID: m.SessionID, Username: m.Username}
		// 光标读失败不影响成员列表
		if raw, err := h.PresenceCache.GetCursor(ctx, doc.ID, m.SessionID); err == nil && json.Valid(raw) {
			v.Cursor = raw
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"documentId": doc.ID, "members": out})
}
