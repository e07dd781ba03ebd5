package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/threadloop/snowball/internal/models"
	"github.com/threadloop/snowball/pkg/logger"
	"gorm.io/gorm"
)

// Referral submission errors surfaced to the API layer.
var (
	ErrSourceNotFound    = errors.New("source member not found in repository")
	ErrSourceNotEligible = errors.New("source member is not eligible to refer")
	ErrAlreadyDecided    = errors.New("candidate already decided")
)

// Decision is the outcome of running a candidate through the gates.
type Decision struct {
	CandidateID uint    `json:"candidate_id"`
	Email       string  `json:"email"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
	Score       float64 `json:"score"`
	HopDepth    int     `json:"hop_depth"`
	MemberID    *uint   `json:"member_id,omitempty"`
}

// PropagationController owns the candidate state machine: pending →
// {approved, rejected, expired}, and the bounded-growth rules around it.
// The hop bound is checked before any scoring so the limit is absolute,
// and the member ceiling is re-checked before every member write.
type PropagationController struct {
	db        *gorm.DB
	store     *MembershipStore
	ledger    DedupLedger
	scorer    *Scorer
	events    Publisher
	scheduler *Scheduler
}

func NewPropagationController(
	db *gorm.DB,
	store *MembershipStore,
	ledger DedupLedger,
	scorer *Scorer,
	events Publisher,
	scheduler *Scheduler,
) *PropagationController {
	return &PropagationController{
		db:        db,
		store:     store,
		ledger:    ledger,
		scorer:    scorer,
		events:    events,
		scheduler: scheduler,
	}
}

// EvaluateNew persists a draft candidate and runs it through the gates in
// order: hop bound, dedup window, karma gate, quality score. The first
// failing gate decides the candidate; the quality decision rule is
// deterministic (no randomness):
//
//	score >= autoApproveThreshold            -> approved
//	minQualityScore <= score < threshold     -> pending (manual review)
//	score < minQualityScore                  -> rejected (low-quality)
func (p *PropagationController) EvaluateNew(ctx context.Context, repo *models.Repository, draft *models.Candidate) (*Decision, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	draft.Status = models.CandidatePending

	// Hop bound first, before scoring: the bound is absolute, and scoring
	// work for an over-depth candidate is wasted.
	if draft.HopDepth > repo.MaxHops {
		return p.rejectNew(repo, draft, models.ReasonHopLimitExceeded)
	}

	seen, err := p.ledger.Seen(ctx, repo.ID, draft.Email, repo.DedupWindow())
	if err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		return p.rejectNew(repo, draft, models.ReasonDuplicateRecentContact)
	}

	// The ledger only records contacts, so an address parked in the
	// manual-review queue is invisible to it. An undecided candidate for the
	// same address is still a duplicate; re-submitting must not stack the
	// review queue.
	var undecided int64
	if err := p.db.Model(&models.Candidate{}).
		Where("repository_id = ? AND email = ? AND status = ?", repo.ID, draft.Email, models.CandidatePending).
		Count(&undecided).Error; err != nil {
		return nil, fmt.Errorf("pending duplicate check: %w", err)
	}
	if undecided > 0 {
		return p.rejectNew(repo, draft, models.ReasonDuplicateRecentContact)
	}

	if repo.MinKarmaRequired > 0 && draft.SubmitterKarma < repo.MinKarmaRequired {
		return p.rejectNew(repo, draft, models.ReasonInsufficientKarma)
	}

	draft.QualityScore = p.scorer.Score(ScoreInput{
		Email:          draft.Email,
		SubmitterKarma: draft.SubmitterKarma,
	})

	switch {
	case draft.QualityScore >= repo.AutoApproveThreshold:
		if err := p.db.Create(draft).Error; err != nil {
			return nil, err
		}
		return p.approve(ctx, repo, draft)
	case draft.QualityScore >= repo.MinQualityScore:
		if err := p.db.Create(draft).Error; err != nil {
			return nil, err
		}
		return &Decision{
			CandidateID: draft.ID,
			Email:       draft.Email,
			Status:      models.CandidatePending,
			Score:       draft.QualityScore,
			HopDepth:    draft.HopDepth,
		}, nil
	default:
		return p.rejectNew(repo, draft, models.ReasonLowQuality)
	}
}

// SubmitReferral runs the referral intake path: an active member that has
// received a distribution refers a new address at hopDepth+1. The new
// candidate goes through the full gate pipeline.
func (p *PropagationController) SubmitReferral(ctx context.Context, repo *models.Repository, sourceMemberID uint, email string, submittedBy uint, submitterKarma int) (*Decision, error) {
	source, err := p.store.Get(sourceMemberID)
	if err != nil {
		return nil, ErrSourceNotFound
	}
	if source.RepositoryID != repo.ID {
		return nil, ErrSourceNotFound
	}
	// Propagation cascades from delivery plus opt-in, never from creation
	// alone: the source must be active and must have been contacted.
	if source.Status != models.MemberActive || source.LastContactedAt == nil {
		return nil, ErrSourceNotEligible
	}

	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}

	draft := &models.Candidate{
		RepositoryID:      repo.ID,
		Email:             normalized,
		SubmittedByUserID: submittedBy,
		SubmitterKarma:    submitterKarma,
		HopDepth:          source.HopDepth + 1,
		SourceMemberID:    &source.ID,
	}
	return p.EvaluateNew(ctx, repo, draft)
}

// ApproveManual approves a pending candidate from the manual-review queue.
// The hop bound and member ceiling are re-checked: hard caps hold before
// every write, not just at submission time.
func (p *PropagationController) ApproveManual(ctx context.Context, repo *models.Repository, candidateID uint) (*Decision, error) {
	var cand models.Candidate
	if err := p.db.Where("repository_id = ?", repo.ID).First(&cand, candidateID).Error; err != nil {
		return nil, err
	}
	if cand.Decided() {
		return nil, ErrAlreadyDecided
	}

	if cand.HopDepth > repo.MaxHops {
		return p.reject(repo, &cand, models.ReasonHopLimitExceeded)
	}
	return p.approve(ctx, repo, &cand)
}

// RejectManual rejects a pending candidate from the manual-review queue.
func (p *PropagationController) RejectManual(repo *models.Repository, candidateID uint) (*Decision, error) {
	var cand models.Candidate
	if err := p.db.Where("repository_id = ?", repo.ID).First(&cand, candidateID).Error; err != nil {
		return nil, err
	}
	if cand.Decided() {
		return nil, ErrAlreadyDecided
	}
	return p.reject(repo, &cand, models.ReasonManualReject)
}

// RecordOptIn marks a member verified and active after the recipient acts
// on a delivered invitation. From this point the member may refer others.
func (p *PropagationController) RecordOptIn(repo *models.Repository, memberID uint) (*models.Member, error) {
	member, err := p.store.Get(memberID)
	if err != nil {
		return nil, err
	}
	if member.RepositoryID != repo.ID {
		return nil, gorm.ErrRecordNotFound
	}
	if err := p.store.MarkVerified(memberID); err != nil {
		return nil, err
	}
	return p.store.Get(memberID)
}

// approve converts a candidate into a member. The member ceiling is checked
// immediately before the write; a uniqueness race resolves to an idempotent
// no-op (created=false), never an error.
func (p *PropagationController) approve(ctx context.Context, repo *models.Repository, cand *models.Candidate) (*Decision, error) {
	count, err := p.store.Count(repo.ID)
	if err != nil {
		return nil, err
	}
	if count >= int64(repo.MaxMembers) {
		return p.reject(repo, cand, models.ReasonMemberCapReached)
	}

	verified := !repo.VerificationRequired
	status := models.MemberInactive
	if verified {
		status = models.MemberActive
	}

	member := &models.Member{
		RepositoryID:   repo.ID,
		Email:          cand.Email,
		Status:         status,
		Verified:       verified,
		HopDepth:       cand.HopDepth,
		SourceMemberID: cand.SourceMemberID,
	}

	created, err := p.store.AddMember(repo.ID, member)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cand.Status = models.CandidateApproved
	cand.RejectReason = ""
	cand.DecidedAt = &now
	if err := p.db.Save(cand).Error; err != nil {
		return nil, err
	}

	decision := &Decision{
		CandidateID: cand.ID,
		Email:       cand.Email,
		Status:      models.CandidateApproved,
		Score:       cand.QualityScore,
		HopDepth:    cand.HopDepth,
	}

	p.events.Publish(EventCandidateDecided, repo.ID, CandidateDecidedPayload{
		CandidateID: cand.ID,
		Email:       cand.Email,
		Status:      cand.Status,
		Score:       cand.QualityScore,
		HopDepth:    cand.HopDepth,
	})

	if !created {
		// Lost a uniqueness race or the member already existed: the
		// approval stands but nothing new was written or contacted.
		existing, err := p.store.GetByEmail(repo.ID, cand.Email)
		if err == nil {
			decision.MemberID = &existing.ID
		}
		return decision, nil
	}

	decision.MemberID = &member.ID

	// Member creation counts as a contact for the dedup window.
	if err := p.ledger.Touch(ctx, repo.ID, cand.Email, repo.DedupWindow()); err != nil {
		logger.Warn().Err(err).Uint("repository_id", repo.ID).Msg("dedup touch failed after member create")
	}

	p.events.Publish(EventMemberAdded, repo.ID, MemberAddedPayload{
		MemberID:       member.ID,
		Email:          member.Email,
		HopDepth:       member.HopDepth,
		SourceMemberID: member.SourceMemberID,
	})

	if p.scheduler != nil {
		if _, err := p.scheduler.ScheduleMembers(repo, []uint{member.ID}); err != nil {
			logger.Error().Err(err).Uint("member_id", member.ID).Msg("failed to schedule invitation delivery")
		}
	}

	return decision, nil
}

// rejectNew persists a fresh draft directly in the rejected state.
func (p *PropagationController) rejectNew(repo *models.Repository, draft *models.Candidate, reason string) (*Decision, error) {
	now := time.Now()
	draft.Status = models.CandidateRejected
	draft.RejectReason = reason
	draft.DecidedAt = &now
	if err := p.db.Create(draft).Error; err != nil {
		return nil, err
	}
	return p.decided(repo, draft, reason), nil
}

// reject transitions an existing candidate to rejected.
func (p *PropagationController) reject(repo *models.Repository, cand *models.Candidate, reason string) (*Decision, error) {
	now := time.Now()
	cand.Status = models.CandidateRejected
	cand.RejectReason = reason
	cand.DecidedAt = &now
	if err := p.db.Save(cand).Error; err != nil {
		return nil, err
	}
	return p.decided(repo, cand, reason), nil
}

func (p *PropagationController) decided(repo *models.Repository, cand *models.Candidate, reason string) *Decision {
	p.events.Publish(EventCandidateDecided, repo.ID, CandidateDecidedPayload{
		CandidateID: cand.ID,
		Email:       cand.Email,
		Status:      cand.Status,
		Reason:      reason,
		Score:       cand.QualityScore,
		HopDepth:    cand.HopDepth,
	})
	return &Decision{
		CandidateID: cand.ID,
		Email:       cand.Email,
		Status:      cand.Status,
		Reason:      reason,
		Score:       cand.QualityScore,
		HopDepth:    cand.HopDepth,
	}
}

// PendingCandidates returns the manual-review queue for a repository,
// oldest first, paginated.
func (p *PropagationController) PendingCandidates(repositoryID uint, page, pageSize int) ([]models.Candidate, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	query := p.db.Model(&models.Candidate{}).
		Where("repository_id = ? AND status = ?", repositoryID, models.CandidatePending)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var candidates []models.Candidate
	err := query.Order("created_at ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&candidates).Error
	return candidates, total, err
}
