package handler

import (
	"net/http"

	"github.com/blackroad/repoplane/internal/healer"
	"github.com/gin-gonic/gin"
)

// HealingHandler exposes the self-healer's observability operations.
type HealingHandler struct {
	healer *healer.Healer
}

// NewHealingHandler creates a new healing handler.
// Parameters:
//   - h: self-healer.
//
// Returns:
//   - *HealingHandler: initialized handler.
func NewHealingHandler(h *healer.Healer) *HealingHandler {
	return &HealingHandler{healer: h}
}

// Tasks lists registered healing tasks, newest first.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *HealingHandler) Tasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.healer.Tasks(c.Request.Context())})
}

// Metrics returns the remediation counters.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *HealingHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.healer.Metrics(c.Request.Context()))
}

// Health runs the healer health check.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *HealingHandler) Health(c *gin.Context) {
	report := h.healer.HealthCheck(c.Request.Context())
	status := http.StatusOK
	if report.Critical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
