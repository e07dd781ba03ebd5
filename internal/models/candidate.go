package models

import (
	"errors"
	"time"
)

// Candidate status values. A candidate transitions out of pending exactly once.
const (
	CandidatePending  = "pending"
	CandidateApproved = "approved"
	CandidateRejected = "rejected"
	CandidateExpired  = "expired"
)

// Rejection reasons surfaced as candidate state, not errors.
const (
	ReasonDuplicateRecentContact = "duplicate-recent-contact"
	ReasonLowQuality             = "low-quality"
	ReasonHopLimitExceeded       = "hop-limit-exceeded"
	ReasonInsufficientKarma      = "insufficient-karma"
	ReasonMemberCapReached       = "member-cap-reached"
	ReasonManualReject           = "manual-reject"
	ReasonReviewExpired          = "review-expired"
)

// Candidate is a pending snowball invitation awaiting a decision.
// SubmitterKarma is a snapshot taken at submission time so later karma
// changes never retroactively affect the decision.
type Candidate struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	RepositoryID      uint       `gorm:"index;not null" json:"repository_id"`
	Email             string     `gorm:"size:320;not null;index" json:"email"`
	SubmittedByUserID uint       `json:"submitted_by_user_id"`
	SubmitterKarma    int        `json:"submitter_karma"`
	QualityScore      float64    `json:"quality_score"`
	Status            string     `gorm:"size:20;default:pending;index" json:"status"`
	RejectReason      string     `gorm:"size:50" json:"reject_reason,omitempty"`
	HopDepth          int        `gorm:"default:0" json:"hop_depth"`
	SourceMemberID    *uint      `json:"source_member_id"`
	CreatedAt         time.Time  `gorm:"index" json:"created_at"`
	DecidedAt         *time.Time `json:"decided_at"`
}

func (Candidate) TableName() string { return "candidates" }

// Validate checks candidate field invariants.
func (c *Candidate) Validate() error {
	if c.RepositoryID == 0 {
		return errors.New("repository_id is required")
	}
	if c.Email == "" {
		return errors.New("email is required")
	}
	if c.HopDepth < 0 {
		return errors.New("hop_depth must be >= 0")
	}
	if c.HopDepth > 0 && c.SourceMemberID == nil {
		return errors.New("referral candidate requires a source member")
	}
	return nil
}

// Decided reports whether the candidate has left the pending state.
func (c *Candidate) Decided() bool {
	return c.Status != CandidatePending
}
