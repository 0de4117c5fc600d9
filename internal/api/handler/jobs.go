package handler

import (
	"net/http"
	"strconv"

	"github.com/blackroad/repoplane/internal/coordinator"
	"github.com/blackroad/repoplane/internal/domain"
	"github.com/gin-gonic/gin"
)

// JobsHandler exposes the job coordinator operations.
type JobsHandler struct {
	coord *coordinator.Coordinator
}

// NewJobsHandler creates a new jobs handler.
// Parameters:
//   - coord: job coordinator.
//
// Returns:
//   - *JobsHandler: initialized handler.
func NewJobsHandler(coord *coordinator.Coordinator) *JobsHandler {
	return &JobsHandler{coord: coord}
}

// CreateJobRequest represents the create-job API request.
type CreateJobRequest struct {
	Type       domain.JobType     `json:"type"`
	Priority   domain.JobPriority `json:"priority"`
	Payload    domain.Payload     `json:"payload"`
	MaxRetries int                `json:"max_retries"`
}

// List returns jobs ordered by priority then creation time.
// Query parameters: status, type, limit.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *JobsHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Message: "limit must be an integer"})
			return
		}
		limit = n
	}
	res := h.coord.ListJobs(c.Request.Context(), c.Query("status"), c.Query("type"), limit)
	c.JSON(http.StatusOK, res)
}

// Create registers and enqueues a new job.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *JobsHandler) Create(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Message: err.Error()})
		return
	}
	job, err := h.coord.CreateJob(c.Request.Context(), domain.Job{
		Type:       req.Type,
		Priority:   req.Priority,
		Payload:    req.Payload,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// Get returns one job by ID.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *JobsHandler) Get(c *gin.Context) {
	job, err := h.coord.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Update applies a patch to one job.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *JobsHandler) Update(c *gin.Context) {
	var patch coordinator.JobPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Message: err.Error()})
		return
	}
	job, err := h.coord.UpdateJob(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Delete removes one job unconditionally.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *JobsHandler) Delete(c *gin.Context) {
	if err := h.coord.DeleteJob(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// Metrics returns the coordinator counters plus per-status counts.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *JobsHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.Metrics(c.Request.Context()))
}

// Cleanup garbage-collects terminal jobs past the retention horizon.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *JobsHandler) Cleanup(c *gin.Context) {
	res, err := h.coord.Cleanup(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
