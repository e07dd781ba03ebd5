package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/threadloop/snowball/internal/config"
	"github.com/threadloop/snowball/internal/middleware"
	"github.com/threadloop/snowball/internal/models"
	"github.com/threadloop/snowball/pkg/response"
	"gorm.io/gorm"
)

type RepositoryHandler struct {
	db  *gorm.DB
	cfg *config.Config
}

func NewRepositoryHandler(db *gorm.DB, cfg *config.Config) *RepositoryHandler {
	return &RepositoryHandler{db: db, cfg: cfg}
}

type CreateRepositoryRequest struct {
	Topic                string   `json:"topic" binding:"required"`
	Visibility           string   `json:"visibility"`
	SnowballEnabled      *bool    `json:"snowball_enabled"`
	MinQualityScore      *float64 `json:"min_quality_score"`
	AutoApproveThreshold *float64 `json:"auto_approve_threshold"`
	MaxEmailsPerUpload   *int     `json:"max_emails_per_upload"`
	MaxHops              *int     `json:"max_hops"`
	DedupWindowHours     *int     `json:"dedup_window_hours"`
	MinKarmaRequired     *int     `json:"min_karma_required"`
	VerificationRequired *bool    `json:"verification_required"`
	MaxMembers           *int     `json:"max_members"`
}

// Create creates a new repository. Unset snowball controls fall back to the
// engine-wide defaults from configuration.
// POST /api/repositories
func (h *RepositoryHandler) Create(c *gin.Context) {
	var req CreateRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	sb := h.cfg.Snowball
	repo := models.Repository{
		Topic:                req.Topic,
		OwnerID:              middleware.GetUserID(c),
		Visibility:           models.VisibilityPublic,
		SnowballEnabled:      true,
		MinQualityScore:      sb.DefaultMinQualityScore,
		AutoApproveThreshold: sb.DefaultAutoApproveThreshold,
		MaxEmailsPerUpload:   sb.DefaultMaxEmailsPerUpload,
		MaxHops:              sb.DefaultMaxHops,
		DedupWindowHours:     sb.DefaultDedupWindowHours,
		MaxMembers:           sb.MaxMembersPerRepository,
	}

	if req.Visibility != "" {
		repo.Visibility = req.Visibility
	}
	if req.SnowballEnabled != nil {
		repo.SnowballEnabled = *req.SnowballEnabled
	}
	if req.MinQualityScore != nil {
		repo.MinQualityScore = *req.MinQualityScore
	}
	if req.AutoApproveThreshold != nil {
		repo.AutoApproveThreshold = *req.AutoApproveThreshold
	}
	if req.MaxEmailsPerUpload != nil {
		repo.MaxEmailsPerUpload = *req.MaxEmailsPerUpload
	}
	if req.MaxHops != nil {
		repo.MaxHops = *req.MaxHops
	}
	if req.DedupWindowHours != nil {
		repo.DedupWindowHours = *req.DedupWindowHours
	}
	if req.MinKarmaRequired != nil {
		repo.MinKarmaRequired = *req.MinKarmaRequired
	}
	if req.VerificationRequired != nil {
		repo.VerificationRequired = *req.VerificationRequired
	}
	if req.MaxMembers != nil {
		repo.MaxMembers = *req.MaxMembers
	}

	if err := repo.Validate(); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.db.Create(&repo).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Created(c, repo)
}

// List returns paginated repositories
// GET /api/repositories
func (h *RepositoryHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := h.db.Model(&models.Repository{})
	if topic := c.Query("topic"); topic != "" {
		query = query.Where("topic LIKE ?", "%"+topic+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}

	var repos []models.Repository
	if err := query.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&repos).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"items":     repos,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetByID returns a repository by ID
// GET /api/repositories/:id
func (h *RepositoryHandler) GetByID(c *gin.Context) {
	repo, ok := h.loadRepository(c)
	if !ok {
		return
	}
	response.Success(c, repo)
}

type UpdateRepositoryRequest struct {
	Topic                *string  `json:"topic"`
	Visibility           *string  `json:"visibility"`
	SnowballEnabled      *bool    `json:"snowball_enabled"`
	MinQualityScore      *float64 `json:"min_quality_score"`
	AutoApproveThreshold *float64 `json:"auto_approve_threshold"`
	MaxEmailsPerUpload   *int     `json:"max_emails_per_upload"`
	MaxHops              *int     `json:"max_hops"`
	DedupWindowHours     *int     `json:"dedup_window_hours"`
	MinKarmaRequired     *int     `json:"min_karma_required"`
	VerificationRequired *bool    `json:"verification_required"`
	MaxMembers           *int     `json:"max_members"`
}

// Update updates a repository's snowball configuration. Changes apply to
// future submissions only; already-decided candidates keep their outcomes.
// PUT /api/repositories/:id
func (h *RepositoryHandler) Update(c *gin.Context) {
	repo, ok := h.loadRepository(c)
	if !ok {
		return
	}

	var req UpdateRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if req.Topic != nil {
		repo.Topic = *req.Topic
	}
	if req.Visibility != nil {
		repo.Visibility = *req.Visibility
	}
	if req.SnowballEnabled != nil {
		repo.SnowballEnabled = *req.SnowballEnabled
	}
	if req.MinQualityScore != nil {
		repo.MinQualityScore = *req.MinQualityScore
	}
	if req.AutoApproveThreshold != nil {
		repo.AutoApproveThreshold = *req.AutoApproveThreshold
	}
	if req.MaxEmailsPerUpload != nil {
		repo.MaxEmailsPerUpload = *req.MaxEmailsPerUpload
	}
	if req.MaxHops != nil {
		repo.MaxHops = *req.MaxHops
	}
	if req.DedupWindowHours != nil {
		repo.DedupWindowHours = *req.DedupWindowHours
	}
	if req.MinKarmaRequired != nil {
		repo.MinKarmaRequired = *req.MinKarmaRequired
	}
	if req.VerificationRequired != nil {
		repo.VerificationRequired = *req.VerificationRequired
	}
	if req.MaxMembers != nil {
		repo.MaxMembers = *req.MaxMembers
	}

	if err := repo.Validate(); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.db.Save(repo).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, repo)
}

// Delete soft-deletes a repository
// DELETE /api/repositories/:id
func (h *RepositoryHandler) Delete(c *gin.Context) {
	repo, ok := h.loadRepository(c)
	if !ok {
		return
	}

	if err := h.db.Delete(repo).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"message": "repository deleted successfully"})
}

// loadRepository parses :id and fetches the repository, writing the error
// response itself on failure.
func (h *RepositoryHandler) loadRepository(c *gin.Context) (*models.Repository, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid repository id")
		return nil, false
	}

	var repo models.Repository
	if err := h.db.First(&repo, uint(id)).Error; err != nil {
		response.NotFound(c, "repository not found")
		return nil, false
	}
	return &repo, true
}
