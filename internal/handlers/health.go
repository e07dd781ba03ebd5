package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/threadloop/snowball/internal/models"
	"github.com/threadloop/snowball/internal/services"
)

// HealthHandler provides enhanced health check endpoints.
type HealthHandler struct {
	events *services.EventHub
}

func NewHealthHandler(events *services.EventHub) *HealthHandler {
	return &HealthHandler{events: events}
}

// CheckHealth returns the health status of all subsystems.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"

	// Database check
	dbStatus := "ok"
	sqlDB, err := models.GetDB().DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	} else if err := sqlDB.Ping(); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	}

	// Queue mode
	taskQueue := services.GetTaskQueue()
	queueMode := "sync"
	if taskQueue != nil && taskQueue.IsAsync() {
		queueMode = "async (Redis)"
	}

	// Pending review queue depth
	var pendingCount int64
	models.GetDB().Model(&models.Candidate{}).
		Where("status = ?", models.CandidatePending).
		Count(&pendingCount)

	// Queued delivery jobs
	var queuedJobs int64
	models.GetDB().Model(&models.DistributionJob{}).
		Where("status IN ?", []string{models.JobQueued, models.JobSending}).
		Count(&queuedJobs)

	subscribers := 0
	if h.events != nil {
		subscribers = h.events.SubscriberCount()
	}

	c.JSON(200, gin.H{
		"status":  overall,
		"service": "snowball",
		"components": gin.H{
			"database":           dbStatus,
			"queue_mode":         queueMode,
			"event_subscribers":  subscribers,
			"pending_candidates": pendingCount,
			"active_jobs":        queuedJobs,
		},
	})
}
