package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
)

const maxOpsPerPage = 1000

type DocumentHandler struct {
	svc      collab.Service
	registry cache.ClientRegistry
}

func NewDocumentHandler(svc collab.Service, registry cache.ClientRegistry) *DocumentHandler {
	return &DocumentHandler{svc: svc, registry: registry}
}

// Register 挂载到 /collab 路由组
func (h *DocumentHandler) Register(r gin.IRouter) {
	r.GET("/docs", h.ListDocuments)
	r.GET("/docs/:docId", h.GetDocument)
	r.GET("/docs/:docId/ops", h.GetOps)
	r.POST("/docs/:docId/snapshot", h.SaveSnapshot)
	r.GET("/docs/:docId/members", h.GetMembers)
}

// ListDocuments 返回当前有在线客户端的文档
func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	docs, err := h.registry.Documents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *DocumentHandler) GetDocument(c *gin.Context) {
	docID := c.Param("docId")
	content, seq, err := h.svc.LoadDocumentContent(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "content": content, "seq": seq})
}

// GetOps：?from=<seq>&limit=<n>，返回 seq > from 的已定序 op
func (h *DocumentHandler) GetOps(c *gin.Context) {
	docID := c.Param("docId")
	from, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil || from < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(maxOpsPerPage)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	limit = min(limit, maxOpsPerPage)

	ops, err := h.svc.OpsSince(c.Request.Context(), docID, from, limit)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, collab.ErrCatchUpUnavailable) {
			status = http.StatusGone
		}
		c.JSON(status, gin.H{"error": collab.ErrorCode(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "ops": ops})
}

func (h *DocumentHandler) SaveSnapshot(c *gin.Context) {
	docID := c.Param("docId")
	if err := h.svc.SaveSnapshot(c.Request.Context(), docID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, collab.ErrSnapshotStoreMissing) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "saved": true})
}

func (h *DocumentHandler) GetMembers(c *gin.Context) {
	docID := c.Param("docId")
	members, err := h.registry.Members(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "members": members})
}
