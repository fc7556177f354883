package handlers

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/cache"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/collab"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/reconcile"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/store"
)

type Coordinator interface {
	Content(ctx context.Context, docID string) (collab.Frozen, error)
	ReadSince(ctx context.Context, docID string, since uint64) iter.Seq2[delta.Operation, error]
	Sessions(ctx context.Context, docID string) ([]collab.SessionInfo, error)
	LiveDocuments() []string
}

type Materializer interface {
	Flush(ctx context.Context, docID string) (*store.Snapshot, error)
	RetryFailed(ctx context.Context, docID string) (int, error)
}

type Reconciler interface {
	Check(ctx context.Context, docID string) (*reconcile.Result, error)
	State(docID string) reconcile.State
}

type Deps struct {
	Documents    store.DocumentStore
	Snapshots    store.SnapshotStore
	History      store.HistoryStore
	Coordinator  Coordinator
	Materializer Materializer
	Reconciler   Reconciler
	// 为空时不挂 /presence
	PresenceCache cache.PresenceCache
	// 新建文档未指定路径时用 <id><FileExt>
	FileExt string
}

type Handler struct {
	Deps
}

func NewHandler(d Deps) *Handler {
	if d.FileExt == "" {
		d.FileExt = ".md"
	}
	return &Handler{Deps: d}
}

// Register 挂载 /api/v1 下的文档接口
func (h *Handler) Register(r gin.IRouter) {
	docs := r.Group("/documents")
	docs.POST("", h.CreateDocument)
	docs.GET("", h.ListDocuments)
	docs.GET("/:documentID", h.GetDocument)
	docs.GET("/:documentID/ops", h.OpsSince)
	docs.GET("/:documentID/sessions", h.Sessions)
	docs.POST("/:documentID/flush", h.Flush)
	docs.GET("/:documentID/snapshots", h.ListSnapshots)
	docs.POST("/:documentID/snapshots/retry", h.RetryFailed)
	docs.GET("/:documentID/history", h.ListHistory)
	docs.POST("/:documentID/reconcile", h.Reconcile)
	if h.PresenceCache != nil {
		docs.GET("/:documentID/presence", h.Presence)
	}
}

type createDocumentReq struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

func validPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	clean := path.Clean(p)
	return clean == p && clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}

func (h *Handler) CreateDocument(c *gin.Context) {
	var req createDocumentReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid json body")
			return
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if len(req.ID) > 64 || strings.ContainsAny(req.ID, "/\\ ") {
		badRequest(c, "invalid document id")
		return
	}
	if req.Path == "" {
		req.Path = req.ID + h.FileExt
	}
	if !validPath(req.Path) {
		badRequest(c, "path must be a clean relative path")
		return
	}

	doc := &store.Document{ID: req.ID, Path: req.Path}
	if err := h.Documents.Create(c.Request.Context(), doc); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (h *Handler) ListDocuments(c *gin.Context) {
	docs, err := h.Documents.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs, "live": h.Coordinator.LiveDocuments()})
}

// document 取路径参数对应的文档，不存在时已经写好了 404
func (h *Handler) document(c *gin.Context) (*store.Document, bool) {
	id := c.Param("documentID")
	doc, err := h.Documents.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if doc == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "document " + id + " not found"})
		return nil, false
	}
	return doc, true
}

func (h *Handler) GetDocument(c *gin.Context) {
	doc, ok := h.document(c)
	if !ok {
		return
	}
	cur, err := h.Coordinator.Content(c.Request.Context(), doc.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document":  doc,
		"content":   cur.Content,
		"serverSeq": cur.ServerSeq,
		"state":     h.Reconciler.State(doc.ID),
	})
}

// OpsSince 给断线重连的客户端补日志；基线已被压缩时返回 410，客户端应重新拉取全文
func (h *Handler) OpsSince(c *gin.Context) {
	doc, ok := h.document(c)
	if !ok {
		return
	}
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		badRequest(c, "since must be a non-negative integer")
		return
	}
	ops := make([]delta.Operation, 0)
	for op, err := range h.Coordinator.ReadSince(c.Request.Context(), doc.ID, since) {
		if err != nil {
			writeError(c, err)
			return
		}
		ops = append(ops, op)
	}
	c.JSON(http.StatusOK, gin.H{"documentId": doc.ID, "since": since, "ops": ops})
}

func (h *Handler) Sessions(c *gin.Context) {
	doc, ok := h.document(c)
	if !ok {
		return
	}
	sessions, err := h.Coordinator.Sessions(c.Request.Context(), doc.ID)
	if errors.Is(err, collab.ErrNotLive) {
		sessions, err = []collab.SessionInfo{}, nil
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": doc.ID, "sessions": sessions})
}

func (h *Handler) Flush(c *gin.Context) {
	doc, ok := h.document(c)
	if !ok {
		return
	}
	snap, err := h.Materializer.Flush(c.Request.Context(), doc.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListSnapshots ?status=pending,pending-failed 过滤，不带参数返回全部
func (h *Handler) ListSnapshots(c *gin.Context) {
	doc, ok := h.document(c)
	if !ok {
		return
	}
	var statuses []store.SnapshotStatus
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, store.SnapshotStatus(strings.TrimSpace(s)))
		}
	}
	snaps, err := h.Snapshots.List(c.Request.Context(), doc.ID, statuses...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": doc.ID, "snapshots": snaps})
}

func (h *Handler) RetryFailed(c *gin.Context) {
	doc, ok := h.document(c)
	if !ok {
		return
	}
	n, err := h.Materializer.RetryFailed(c.Request.Context(), doc.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"documentId": doc.ID, "requeued": n})
}

func (h *Handler) ListHistory(c *gin.Context) {
	doc, ok := h.document(c)
	if !ok {
		return
	}
	entries, err := h.History.List(c.Request.Context(), doc.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documentId": doc.ID, "history": entries})
}

// Reconcile 立即检查外部仓库（例如 git hook 通知有新提交）
func (h *Handler) Reconcile(c *gin.Context) {
	doc, ok := h.document(c)
	if !ok {
		return
	}
	res, err := h.Reconciler.Check(c.Request.Context(), doc.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
