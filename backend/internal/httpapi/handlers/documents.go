package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Registry 是文档表，生产环境为 *store.DocumentStore
type Registry interface {
	CreateDocument(ctx context.Context, docID string, ownerID uint64, title string) error
	Get(ctx context.Context, docID string) (*store.Document, error)
	List(ctx context.Context, limit int) ([]store.Document, error)
}

// Rooms 统计本节点上每个文档的连接数，即 *ws.Hub
type Rooms interface {
	Subscribers(docID string) int
}

type Documents struct {
	registry Registry
	auth     *collab.Authority
	presence cache.Presence
	rooms    Rooms
}

// NewDocuments 构造文档路由。未配置 MySQL 时 registry 为 nil，文档表相关路由返回 503
func NewDocuments(registry Registry, auth *collab.Authority) *Documents {
	return &Documents{registry: registry, auth: auth}
}

// WithPresence 打开在线成员查询；presence 为 nil（未配置 redis）时只报本节点连接数
func (h *Documents) WithPresence(presence cache.Presence, rooms Rooms) *Documents {
	h.presence, h.rooms = presence, rooms
	return h
}

func (h *Documents) Register(g *gin.RouterGroup) {
	g.POST("/documents", h.CreateDocument)
	g.GET("/documents", h.ListDocuments)
	g.GET("/documents/:docId", h.GetDocument)
	g.GET("/documents/:docId/revisions", h.Revisions)
	g.GET("/documents/:docId/content", h.Content)
	g.GET("/documents/:docId/presence", h.Presence)
	g.GET("/presence", h.ActiveDocuments)
}

type createRequest struct {
	Title   string `json:"title"`
	OwnerID uint64 `json:"ownerId"`
}

func (h *Documents) CreateDocument(c *gin.Context) {
	if h.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document registry disabled"})
		return
	}
	var req createRequest
	// 允许空 body，标题默认 New Document
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Title == "" {
		req.Title = "New Document"
	}

	docID := uuid.NewString()
	if err := h.registry.CreateDocument(c.Request.Context(), docID, req.OwnerID, req.Title); err != nil {
		logging.For("http").Error("create document", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create document failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"docId":     docID,
		"ownerId":   req.OwnerID,
		"title":     req.Title,
		"createdAt": time.Now().Format(time.RFC3339),
	})
}

func (h *Documents) ListDocuments(c *gin.Context) {
	if h.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document registry disabled"})
		return
	}
	limit, err := queryInt(c, "limit", 50)
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be in 1..500"})
		return
	}
	docs, err := h.registry.List(c.Request.Context(), int(limit))
	if err != nil {
		logging.For("http").Error("list documents", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list documents failed"})
		return
	}
	out := make([]gin.H, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentJSON(d))
	}
	c.JSON(http.StatusOK, gin.H{"documents": out})
}

func (h *Documents) GetDocument(c *gin.Context) {
	if h.registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document registry disabled"})
		return
	}
	doc, err := h.registry.Get(c.Request.Context(), c.Param("docId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	if err != nil {
		logging.For("http").Error("get document", "doc", c.Param("docId"), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get document failed"})
		return
	}
	c.JSON(http.StatusOK, documentJSON(*doc))
}

type revisionJSON struct {
	RevisionID     int64       `json:"revisionId"`
	BaseRevisionID int64       `json:"baseRevisionId"`
	ClientID       string      `json:"clientId,omitempty"`
	Checksum       uint32      `json:"checksum"`
	Snapshot       bool        `json:"snapshot,omitempty"`
	Ops            delta.Delta `json:"ops"`
}

// Revisions 返回已确认历史，?from=&to= 为闭区间；落入压缩历史的区间以快照开头
func (h *Documents) Revisions(c *gin.Context) {
	from, err := queryInt(c, "from", 1)
	if err != nil || from < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a positive revision id"})
		return
	}
	to, err := queryInt(c, "to", math.MaxInt64)
	if err != nil || to < from {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must not be below from"})
		return
	}

	docID := c.Param("docId")
	recs, err := h.auth.Range(c.Request.Context(), docID, from, to)
	if err != nil {
		logging.For("http").Error("revisions", "doc", docID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read revisions failed"})
		return
	}
	out := make([]revisionJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, revisionJSON{
			RevisionID:     rec.Revision.RevisionID,
			BaseRevisionID: rec.Revision.BaseRevisionID,
			ClientID:       rec.Revision.ClientID,
			Checksum:       rec.Revision.Checksum,
			Snapshot:       rec.Snapshot,
			Ops:            rec.Revision.Delta,
		})
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "revisions": out})
}

func (h *Documents) Content(c *gin.Context) {
	docID := c.Param("docId")
	text, head, err := h.auth.Content(c.Request.Context(), docID)
	if err != nil {
		logging.For("http").Error("content", "doc", docID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read content failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "head": head, "content": text})
}

// Presence 返回文档的在线客户端（redis，跨节点）和本节点上的连接数
func (h *Documents) Presence(c *gin.Context) {
	docID := c.Param("docId")
	members := []string{}
	if h.presence != nil {
		got, err := h.presence.Members(c.Request.Context(), docID)
		if err != nil {
			logging.For("http").Error("presence members", "doc", docID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "read presence failed"})
			return
		}
		members = append(members, got...)
	}
	var conns int
	if h.rooms != nil {
		conns = h.rooms.Subscribers(docID)
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "members": members, "connections": conns})
}

// ActiveDocuments 列出有人在线的文档
func (h *Documents) ActiveDocuments(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence disabled"})
		return
	}
	docs, err := h.presence.Documents(c.Request.Context())
	if err != nil {
		logging.For("http").Error("presence documents", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read presence failed"})
		return
	}
	if docs == nil {
		docs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func queryInt(c *gin.Context, key string, def int64) (int64, error) {
	// c.Query() 取 ? 后的参数，缺省时用默认值
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func documentJSON(d store.Document) gin.H {
	return gin.H{
		"docId":     d.DocID,
		"ownerId":   d.OwnerID,
		"title":     d.Title,
		"head":      d.HeadRevision,
		"updatedAt": d.UpdatedAt.Format(time.RFC3339),
	}
}
