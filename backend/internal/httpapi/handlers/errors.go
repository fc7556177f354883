package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/collab"
)

var statusByCode = map[string]int{
	"NOT_FOUND":                 http.StatusNotFound,
	"SESSION_NOT_FOUND":         http.StatusNotFound,
	"DOCUMENT_EXISTS":           http.StatusConflict,
	"INVALID_OPERATION":         http.StatusBadRequest,
	"STALE_BASE":                http.StatusGone,
	"DOCUMENT_LOCKED":           http.StatusLocked,
	"NOT_OWNER":                 http.StatusConflict,
	"NOT_LIVE":                  http.StatusConflict,
	"NOT_RECONCILING":           http.StatusConflict,
	"SEQUENCE_CONFLICT":         http.StatusConflict,
	"DUPLICATE_OR_OUT_OF_ORDER": http.StatusConflict,
	"UNRESOLVED_CONFLICT":       http.StatusConflict,
	"ACQUIRE_TIMEOUT":           http.StatusServiceUnavailable,
}

// writeError 统一错误响应：{"code": "...", "message": "..."}
func writeError(c *gin.Context, err error) {
	code := collab.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": msg})
}
