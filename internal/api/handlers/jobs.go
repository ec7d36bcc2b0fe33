package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lawnflow/fieldsync/internal/core"
	"github.com/lawnflow/fieldsync/internal/db"
	"github.com/lawnflow/fieldsync/internal/photos"
)

const maxPhotoBytes = 20 << 20

type CreateJobRequest struct {
	OrgID         string `json:"org_id"`
	TechnicianID  string `json:"technician_id"`
	ScheduledDate string `json:"scheduled_date" binding:"required"`
	Notes         string `json:"notes"`
}

type TransitionRequest struct {
	TargetStatus string `json:"target_status" binding:"required"`
	SkipReason   string `json:"skip_reason"`
}

type AttachPhotoResponse struct {
	Photo        *db.JobPhoto `json:"photo"`
	Deduplicated bool         `json:"deduplicated"`
}

type JobHandler struct {
	lifecycle *core.Lifecycle
	photos    *photos.Store
}

func NewJobHandler(lifecycle *core.Lifecycle, photoStore *photos.Store) *JobHandler {
	return &JobHandler{lifecycle: lifecycle, photos: photoStore}
}

func (h *JobHandler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/api/jobs", h.CreateJob)
	r.GET("/api/jobs", h.ListJobs)
	r.GET("/api/jobs/:id", h.GetJob)
	r.GET("/api/jobs/:id/audit", h.GetAudit)
	r.POST("/api/jobs/:id/transition", h.Transition)
	r.POST("/api/jobs/:id/photos", h.AttachPhoto)
	r.GET("/api/jobs/:id/photos/:hash", h.GetPhoto)
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.lifecycle.CreateJob(uuid.New().String(), req.OrgID, req.TechnicianID, req.ScheduledDate, req.Notes)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.lifecycle.GetJob(c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query struct {
		Status string `form:"status"`
		Date   string `form:"date"`
		Limit  int    `form:"limit"`
		Offset int    `form:"offset"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobs, err := h.lifecycle.ListJobs(core.JobStatus(query.Status), query.Date, query.Limit, query.Offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (h *JobHandler) GetAudit(c *gin.Context) {
	records, err := h.lifecycle.Audit(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit trail"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": records})
}

// Transition applies a technician-requested status change. Rejections name
// the violated rule so the client can label them as needing attention
// rather than retrying.
func (h *JobHandler) Transition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := c.GetString("technician_id")
	if actor == "" {
		actor = "unknown"
	}

	job, err := h.lifecycle.Transition(c.Param("id"), core.JobStatus(req.TargetStatus), req.SkipReason, actor)
	if err != nil {
		var te *core.TransitionError
		switch {
		case errors.Is(err, core.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.As(err, &te):
			c.JSON(http.StatusConflict, gin.H{"error": te.Error(), "from": te.From, "to": te.To})
		case errors.Is(err, core.ErrSkipReasonRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrTransitionConflict):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, job)
}

// AttachPhoto accepts a multipart upload and deduplicates by the
// client-supplied operation id, so at-least-once replays from the field
// agent have exactly-once effect.
func (h *JobHandler) AttachPhoto(c *gin.Context) {
	operationID := c.GetHeader(core.OperationIDHeader)
	if operationID == "" {
		operationID = c.PostForm("operation_id")
	}
	if operationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operation id is required"})
		return
	}

	photoType := c.PostForm("photo_type")

	fileHeader, err := c.FormFile("photo")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "photo file is required"})
		return
	}
	if fileHeader.Size > maxPhotoBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "photo exceeds size limit"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open upload"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}

	hash, err := h.photos.Save(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	photo, deduped, err := h.lifecycle.AttachPhoto(c.Param("id"), photoType, hash, contentType, int64(len(data)), operationID)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		case errors.Is(err, core.ErrInvalidPhotoType):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to attach photo"})
		}
		return
	}

	c.JSON(http.StatusOK, AttachPhotoResponse{Photo: photo, Deduplicated: deduped})
}

func (h *JobHandler) GetPhoto(c *gin.Context) {
	hash := c.Param("hash")
	if len(hash) < 3 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid photo hash"})
		return
	}

	path := h.photos.Path(hash)
	if c.Query("thumb") == "1" {
		path = h.photos.ThumbnailPath(hash)
	}
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.File(path)
}
