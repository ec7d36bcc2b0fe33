package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lawnflow/fieldsync/internal/core"
	"github.com/lawnflow/fieldsync/internal/notify"
	"github.com/lawnflow/fieldsync/internal/telemetry"
)

type EnqueueQuery struct {
	Target   string `form:"target" binding:"required"`
	Resource string `form:"resource"`
}

type EnqueueResponse struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
}

type QueueStatusResponse struct {
	Counts     *core.QueueStats        `json:"counts"`
	Operations []*core.QueuedOperation `json:"operations"`
}

// QueueHandler is the agent's local API: it accepts writes for deferred
// delivery and exposes queue state to the technician UI.
type QueueHandler struct {
	store       *core.QueueStore
	coordinator *core.Coordinator
	hub         *notify.Hub
	router      *core.Router
	serverURL   string
}

func NewQueueHandler(store *core.QueueStore, coordinator *core.Coordinator, hub *notify.Hub, router *core.Router, serverURL string) *QueueHandler {
	return &QueueHandler{
		store:       store,
		coordinator: coordinator,
		hub:         hub,
		router:      router,
		serverURL:   strings.TrimRight(serverURL, "/"),
	}
}

func (h *QueueHandler) RegisterRoutes(r *gin.Engine) {
	r.POST("/queue", h.Enqueue)
	r.GET("/queue/status", h.Status)
	r.DELETE("/queue/:id", h.Cancel)
	r.POST("/queue/:id/retry", h.RetryDeadLetter)
	r.POST("/queue/:id/discard", h.DiscardDeadLetter)
	r.POST("/sync/drain", h.DrainNow)
	r.GET("/ws", gin.WrapH(h.hub))
	r.NoRoute(h.Relay)
}

// Enqueue accepts a multipart write and persists it for delivery. The
// operation id is returned immediately, independent of network state.
func (h *QueueHandler) Enqueue(c *gin.Context) {
	var query EnqueueQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target query parameter is required"})
		return
	}
	if !strings.HasPrefix(query.Target, "/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target must be a server-relative path"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form is required"})
		return
	}

	parts, err := core.PartsFromForm(form)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payloadJSON, err := core.EncodePayload(parts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode payload"})
		return
	}

	op, err := h.store.Create(query.Target, query.Resource, payloadJSON)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist operation"})
		return
	}

	telemetry.OperationsEnqueued.Inc()
	h.hub.OperationQueued(op.ID)

	// Immediate delivery attempt if we happen to be online.
	h.coordinator.Wake()

	c.JSON(http.StatusAccepted, EnqueueResponse{OperationID: op.ID, Status: string(op.Status)})
}

func (h *QueueHandler) Status(c *gin.Context) {
	stats, err := h.store.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue stats"})
		return
	}
	ops, err := h.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list operations"})
		return
	}
	c.JSON(http.StatusOK, QueueStatusResponse{Counts: stats, Operations: ops})
}

func (h *QueueHandler) Cancel(c *gin.Context) {
	err := h.store.Cancel(c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
	case errors.Is(err, core.ErrOperationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
	case errors.Is(err, core.ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "operation is no longer pending"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel operation"})
	}
}

func (h *QueueHandler) RetryDeadLetter(c *gin.Context) {
	err := h.store.RetryDeadLetter(c.Param("id"))
	switch {
	case err == nil:
		h.coordinator.Wake()
		c.JSON(http.StatusOK, gin.H{"retrying": true})
	case errors.Is(err, core.ErrOperationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
	case errors.Is(err, core.ErrNotDeadLetter):
		c.JSON(http.StatusConflict, gin.H{"error": "operation is not dead-lettered"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry operation"})
	}
}

func (h *QueueHandler) DiscardDeadLetter(c *gin.Context) {
	err := h.store.DiscardDeadLetter(c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"discarded": true})
	case errors.Is(err, core.ErrOperationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
	case errors.Is(err, core.ErrNotDeadLetter):
		c.JSON(http.StatusConflict, gin.H{"error": "operation is not dead-lettered"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to discard operation"})
	}
}

// DrainNow is the UI-foreground fallback for the advisory connectivity
// signal. The wake is coalesced with any drain already running.
func (h *QueueHandler) DrainNow(c *gin.Context) {
	h.coordinator.Wake()
	c.JSON(http.StatusAccepted, gin.H{"draining": true})
}

// Relay routes UI reads to the server through the cache strategy router,
// so job data and static assets stay available offline.
func (h *QueueHandler) Relay(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "only reads are relayed; writes go through /queue"})
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method,
		h.serverURL+c.Request.URL.RequestURI(), nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	req.Header.Set("Accept", c.GetHeader("Accept"))
	if auth := c.GetHeader("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := h.router.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	for key, values := range resp.Header {
		if key == "Content-Type" || key == "Content-Length" {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	if resp.FromCache {
		c.Writer.Header().Set("X-Served-From-Cache", "1")
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
}
