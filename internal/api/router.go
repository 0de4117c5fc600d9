package api

import (
	"github.com/blackroad/repoplane/internal/api/handler"
	"github.com/blackroad/repoplane/internal/api/middleware"
	"github.com/blackroad/repoplane/internal/coordinator"
	"github.com/blackroad/repoplane/internal/healer"
	"github.com/blackroad/repoplane/internal/logger"
	"github.com/blackroad/repoplane/internal/syncengine"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	coord *coordinator.Coordinator,
	engine *syncengine.Engine,
	h *healer.Healer,
	log *logger.Logger,
	mode string,
	cors middleware.CORSConfig,
) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cors))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	jobsHandler := handler.NewJobsHandler(coord)
	reposHandler := handler.NewReposHandler(engine)
	healingHandler := handler.NewHealingHandler(h)

	// Health check and telemetry
	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Jobs
		v1.GET("/jobs", jobsHandler.List)
		v1.POST("/jobs", jobsHandler.Create)
		v1.GET("/jobs/:id", jobsHandler.Get)
		v1.PATCH("/jobs/:id", jobsHandler.Update)
		v1.DELETE("/jobs/:id", jobsHandler.Delete)
		v1.GET("/metrics/jobs", jobsHandler.Metrics)
		v1.POST("/cleanup", jobsHandler.Cleanup)

		// Repos
		v1.GET("/repos", reposHandler.List)
		v1.GET("/repos/status", reposHandler.Status)
		v1.GET("/repos/report", reposHandler.Report)
		v1.POST("/repos/sync-all", reposHandler.FullSync)
		v1.POST("/repos/sync", reposHandler.Sync)
		v1.POST("/repos/check", reposHandler.Check)
		v1.PUT("/repos", reposHandler.Update)

		// Healing
		v1.GET("/healing/tasks", healingHandler.Tasks)
		v1.GET("/healing/metrics", healingHandler.Metrics)
		v1.GET("/healing/health", healingHandler.Health)
	}

	return r
}
