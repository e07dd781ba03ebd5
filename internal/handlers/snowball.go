package handlers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/threadloop/snowball/internal/middleware"
	"github.com/threadloop/snowball/internal/models"
	"github.com/threadloop/snowball/internal/services"
	"github.com/threadloop/snowball/pkg/response"
	"gorm.io/gorm"
)

// SnowballHandler exposes the distribution engine: bulk intake, referrals,
// the manual-review queue, delivery jobs and the opt-in endpoint.
type SnowballHandler struct {
	db         *gorm.DB
	intake     *services.IntakeService
	controller *services.PropagationController
	scheduler  *services.Scheduler
	members    *services.MembershipStore
}

func NewSnowballHandler(
	db *gorm.DB,
	intake *services.IntakeService,
	controller *services.PropagationController,
	scheduler *services.Scheduler,
	members *services.MembershipStore,
) *SnowballHandler {
	return &SnowballHandler{
		db:         db,
		intake:     intake,
		controller: controller,
		scheduler:  scheduler,
		members:    members,
	}
}

type BulkUploadRequest struct {
	Emails []string `json:"emails"`
	// CSV carries a raw CSV document (either one email per line or a file
	// with an `email` header column) as an alternative to the Emails list.
	CSV string `json:"csv"`
	// A single referral can be posted to the same endpoint: source_member_id
	// plus email routes the row through the referral path instead of a bulk
	// batch at hop depth 0.
	SourceMemberID uint   `json:"source_member_id"`
	Email          string `json:"email"`
}

// BulkUpload ingests candidate emails: a bulk batch at hop depth 0, or a
// single referral when the body names a source member.
// POST /api/repositories/:id/snowball/candidates
func (h *SnowballHandler) BulkUpload(c *gin.Context) {
	repo, ok := h.loadRepository(c)
	if !ok {
		return
	}

	var req BulkUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if req.SourceMemberID != 0 {
		if req.Email == "" {
			response.BadRequest(c, "email is required for a referral")
			return
		}
		decision, err := h.intake.SubmitReferral(c.Request.Context(), repo, req.SourceMemberID, req.Email, middleware.GetUserID(c))
		if err != nil {
			h.intakeError(c, err)
			return
		}
		response.Success(c, decision)
		return
	}

	rows := req.Emails
	if len(rows) == 0 && req.CSV != "" {
		parsed, err := services.ParseEmailRows(strings.NewReader(req.CSV))
		if err != nil {
			response.BadRequest(c, "malformed csv: "+err.Error())
			return
		}
		rows = parsed
	}
	if len(rows) == 0 {
		response.BadRequest(c, "no emails provided")
		return
	}

	result, err := h.intake.BulkUpload(c.Request.Context(), repo, rows, middleware.GetUserID(c))
	if err != nil {
		h.intakeError(c, err)
		return
	}

	response.Success(c, result)
}

type ReferralRequest struct {
	SourceMemberID uint   `json:"source_member_id" binding:"required"`
	Email          string `json:"email" binding:"required"`
}

// SubmitReferral ingests a single referral from an existing member.
// POST /api/repositories/:id/snowball/referrals
func (h *SnowballHandler) SubmitReferral(c *gin.Context) {
	repo, ok := h.loadRepository(c)
	if !ok {
		return
	}

	var req ReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	decision, err := h.intake.SubmitReferral(c.Request.Context(), repo, req.SourceMemberID, req.Email, middleware.GetUserID(c))
	if err != nil {
		h.intakeError(c, err)
		return
	}

	response.Success(c, decision)
}

// PendingCandidates returns the manual-review queue, oldest first.
// GET /api/repositories/:id/snowball/candidates/pending
func (h *SnowballHandler) PendingCandidates(c *gin.Context) {
	repo, ok := h.loadRepository(c)
	if !ok {
		return
	}

	page, pageSize := pagination(c)
	candidates, total, err := h.controller.PendingCandidates(repo.ID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"items":     candidates,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

type ReviewRequest struct {
	CandidateIDs []uint `json:"candidate_ids" binding:"required"`
}

// Approve approves pending candidates from the review queue.
// POST /api/repositories/:id/snowball/candidates/approve
func (h *SnowballHandler) Approve(c *gin.Context) {
	h.review(c, true)
}

// Reject rejects pending candidates from the review queue.
// POST /api/repositories/:id/snowball/candidates/reject
func (h *SnowballHandler) Reject(c *gin.Context) {
	h.review(c, false)
}

func (h *SnowballHandler) review(c *gin.Context, approve bool) {
	repo, ok := h.loadRepository(c)
	if !ok {
		return
	}

	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if len(req.CandidateIDs) == 0 {
		response.BadRequest(c, "candidate_ids is required")
		return
	}

	type reviewOutcome struct {
		CandidateID uint               `json:"candidate_id"`
		Decision    *services.Decision `json:"decision,omitempty"`
		Error       string             `json:"error,omitempty"`
	}

	outcomes := make([]reviewOutcome, 0, len(req.CandidateIDs))
	for _, id := range req.CandidateIDs {
		var decision *services.Decision
		var err error
		if approve {
			decision, err = h.controller.ApproveManual(c.Request.Context(), repo, id)
		} else {
			decision, err = h.controller.RejectManual(repo, id)
		}

		outcome := reviewOutcome{CandidateID: id, Decision: decision}
		if err != nil {
			outcome.Error = err.Error()
		}
		outcomes = append(outcomes, outcome)
	}

	response.Success(c, gin.H{"results": outcomes})
}

// ListMembers returns a repository's member list.
// GET /api/repositories/:id/members
func (h *SnowballHandler) ListMembers(c *gin.Context) {
	repo, ok := h.loadRepository(c)
	if !ok {
		return
	}

	page, pageSize := pagination(c)
	members, total, err := h.members.List(repo.ID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"items":     members,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// OptIn records a recipient's opt-in for a delivered invitation. The link in
// the invitation email points here, so this endpoint is unauthenticated.
// POST /api/opt-in/:id/:memberID
func (h *SnowballHandler) OptIn(c *gin.Context) {
	repo, ok := h.loadRepository(c)
	if !ok {
		return
	}

	memberID, err := strconv.ParseUint(c.Param("memberID"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid member id")
		return
	}

	member, err := h.controller.RecordOptIn(repo, uint(memberID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c, "member not found")
			return
		}
		if errors.Is(err, services.ErrBouncedTerminal) {
			response.Error(c, response.NewConflict("member has bounced and cannot opt in"))
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, member)
}

// ListJobs returns a repository's distribution jobs.
// GET /api/repositories/:id/snowball/jobs
func (h *SnowballHandler) ListJobs(c *gin.Context) {
	repo, ok := h.loadRepository(c)
	if !ok {
		return
	}

	page, pageSize := pagination(c)
	jobs, total, err := h.scheduler.ListJobs(repo.ID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"items":     jobs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// CancelJob requests cancellation of a distribution job.
// POST /api/repositories/:id/snowball/jobs/:jobID/cancel
func (h *SnowballHandler) CancelJob(c *gin.Context) {
	repo, ok := h.loadRepository(c)
	if !ok {
		return
	}

	jobID, err := strconv.ParseUint(c.Param("jobID"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid job id")
		return
	}

	job, err := h.scheduler.GetJob(uint(jobID))
	if err != nil || job.RepositoryID != repo.ID {
		response.NotFound(c, "job not found")
		return
	}

	cancelled, err := h.scheduler.Cancel(uint(jobID))
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, cancelled)
}

// Stats returns snowball growth statistics for a repository.
// GET /api/repositories/:id/snowball/stats
func (h *SnowballHandler) Stats(c *gin.Context) {
	repo, ok := h.loadRepository(c)
	if !ok {
		return
	}

	type hopCount struct {
		HopDepth int   `json:"hop_depth"`
		Count    int64 `json:"count"`
	}
	var byHop []hopCount
	if err := h.db.Model(&models.Member{}).
		Select("hop_depth, COUNT(*) as count").
		Where("repository_id = ? AND status IN ?",
			repo.ID, []string{models.MemberActive, models.MemberInactive}).
		Group("hop_depth").
		Order("hop_depth ASC").
		Scan(&byHop).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}

	var candidateCounts []struct {
		Status string `json:"status"`
		Count  int64  `json:"count"`
	}
	if err := h.db.Model(&models.Candidate{}).
		Select("status, COUNT(*) as count").
		Where("repository_id = ?", repo.ID).
		Group("status").
		Scan(&candidateCounts).Error; err != nil {
		response.ServerError(c, err.Error())
		return
	}

	var bounced int64
	h.db.Model(&models.Member{}).
		Where("repository_id = ? AND status = ?", repo.ID, models.MemberBounced).
		Count(&bounced)

	// Snowball multiplier: referred members (hop >= 1) per seeded member
	// (hop 0). Analytics only, never a gate.
	var seeded, referred int64
	for _, hc := range byHop {
		if hc.HopDepth == 0 {
			seeded += hc.Count
		} else {
			referred += hc.Count
		}
	}
	multiplier := 0.0
	if seeded > 0 {
		multiplier = float64(referred) / float64(seeded)
	}

	response.Success(c, gin.H{
		"member_count":          repo.MemberCount,
		"verified_member_count": repo.VerifiedMemberCount,
		"bounced_count":         bounced,
		"members_by_hop":        byHop,
		"candidates_by_status":  candidateCounts,
		"snowball_multiplier":   multiplier,
	})
}

func (h *SnowballHandler) loadRepository(c *gin.Context) (*models.Repository, bool) {
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

// intakeError maps intake/propagation errors onto HTTP statuses.
func (h *SnowballHandler) intakeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrUploadRateLimited),
		errors.Is(err, services.ErrSubmitterRateLimited):
		response.TooManyRequests(c, err.Error())
	case errors.Is(err, services.ErrSnowballDisabled),
		errors.Is(err, services.ErrSourceNotEligible),
		errors.Is(err, services.ErrInvalidEmail):
		response.BadRequest(c, err.Error())
	case errors.Is(err, services.ErrSourceNotFound):
		response.NotFound(c, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	return page, pageSize
}
