package handler

import (
	"net/http"

	"github.com/blackroad/repoplane/internal/domain"
	"github.com/blackroad/repoplane/internal/syncengine"
	"github.com/gin-gonic/gin"
)

// ReposHandler exposes the repo sync engine operations.
type ReposHandler struct {
	engine *syncengine.Engine
}

// NewReposHandler creates a new repos handler.
// Parameters:
//   - engine: repo sync engine.
//
// Returns:
//   - *ReposHandler: initialized handler.
func NewReposHandler(engine *syncengine.Engine) *ReposHandler {
	return &ReposHandler{engine: engine}
}

// List returns stored repos, the known-repo list, and the last full sync.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *ReposHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.ListRepos(c.Request.Context()))
}

// Status reports sync progress and recent errors.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *ReposHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status(c.Request.Context()))
}

// FullSync triggers a fire-and-forget full sync of all known repos.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *ReposHandler) FullSync(c *gin.Context) {
	res, err := h.engine.TriggerFullSync(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Check triggers a cohesiveness pass over every stored repo.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *ReposHandler) Check(c *gin.Context) {
	res, err := h.engine.TriggerCohesivenessCheck(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SyncRequest represents the single-repo sync API request.
type SyncRequest struct {
	Repo string `json:"repo" binding:"required"`
}

// Sync enqueues a high-priority scrape of one repo.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *ReposHandler) Sync(c *gin.Context) {
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Message: err.Error()})
		return
	}
	task, err := h.engine.SyncRepo(c.Request.Context(), req.Repo)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// Report aggregates the stored cohesiveness scores.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *ReposHandler) Report(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.CohesivenessReport(c.Request.Context()))
}

// Update upserts a scraped repo record. This is the scraper's ingestion
// path.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *ReposHandler) Update(c *gin.Context) {
	var data domain.RepoData
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Message: err.Error()})
		return
	}
	if err := h.engine.UpdateRepo(c.Request.Context(), data); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": data.FullName})
}
