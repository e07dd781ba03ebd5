package main

import (
	"github.com/gin-gonic/gin"
	"github.com/threadloop/snowball/internal/config"
	"github.com/threadloop/snowball/internal/handlers"
	"github.com/threadloop/snowball/internal/middleware"
	"github.com/threadloop/snowball/internal/models"
	"github.com/threadloop/snowball/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices, cfg *config.Config) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	db := models.GetDB()
	snowballHandler := handlers.NewSnowballHandler(db, svc.intake, svc.controller, svc.scheduler, svc.membershipStore)
	repositoryHandler := handlers.NewRepositoryHandler(db, cfg)
	healthHandler := handlers.NewHealthHandler(svc.eventHub)

	// Rate limiter for ingestion routes
	intakeLimiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	// Health checks
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "snowball"})
	})
	r.GET("/health/detail", healthHandler.CheckHealth)

	// Opt-in confirmation, reached from invitation emails (no auth)
	r.GET("/opt-in/:id/:memberID", snowballHandler.OptIn)
	r.POST("/opt-in/:id/:memberID", snowballHandler.OptIn)

	// API routes
	api := r.Group("/api")
	{
		// Protected routes
		protected := api.Group("")
		protected.Use(middleware.AuthRequired())
		{
			// Repositories
			protected.GET("/repositories", repositoryHandler.List)
			protected.GET("/repositories/:id", repositoryHandler.GetByID)
			protected.POST("/repositories", repositoryHandler.Create)
			protected.PUT("/repositories/:id", repositoryHandler.Update)
			protected.DELETE("/repositories/:id", repositoryHandler.Delete)

			// Members
			protected.GET("/repositories/:id/members", snowballHandler.ListMembers)

			// Snowball intake (rate limited on top of the per-repo throttles)
			intake := protected.Group("", intakeLimiter.Middleware())
			{
				intake.POST("/repositories/:id/snowball/candidates", snowballHandler.BulkUpload)
				intake.POST("/repositories/:id/snowball/referrals", snowballHandler.SubmitReferral)
			}

			// Manual review queue
			protected.GET("/repositories/:id/snowball/candidates/pending", snowballHandler.PendingCandidates)
			protected.POST("/repositories/:id/snowball/candidates/approve", snowballHandler.Approve)
			protected.POST("/repositories/:id/snowball/candidates/reject", snowballHandler.Reject)

			// Distribution jobs
			protected.GET("/repositories/:id/snowball/jobs", snowballHandler.ListJobs)
			protected.POST("/repositories/:id/snowball/jobs/:jobID/cancel", snowballHandler.CancelJob)

			// Growth stats
			protected.GET("/repositories/:id/snowball/stats", snowballHandler.Stats)
		}
	}
}
