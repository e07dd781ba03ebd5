package models

import (
	"errors"
	"time"
)

// Member status values. Bounced is terminal: no further delivery attempts.
const (
	MemberActive   = "active"
	MemberInactive = "inactive"
	MemberBounced  = "bounced"
)

// Member is one verified email address inside a repository. The
// (repository_id, email) pair is unique; email is stored normalized
// (trimmed, lower-cased). SourceMemberID is provenance only: the member
// whose propagation produced this one, never an ownership pointer.
type Member struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	RepositoryID    uint       `gorm:"uniqueIndex:idx_repo_email,priority:1;not null" json:"repository_id"`
	Email           string     `gorm:"uniqueIndex:idx_repo_email,priority:2;size:320;not null" json:"email"`
	Status          string     `gorm:"size:20;default:inactive;index" json:"status"`
	Verified        bool       `gorm:"default:false" json:"verified"`
	HopDepth        int        `gorm:"default:0" json:"hop_depth"`
	SourceMemberID  *uint      `json:"source_member_id"`
	LastContactedAt *time.Time `json:"last_contacted_at"`
	AddedAt         time.Time  `gorm:"autoCreateTime" json:"added_at"`
}

func (Member) TableName() string { return "members" }

// Validate checks member field invariants against its repository.
func (m *Member) Validate(repo *Repository) error {
	if m.Email == "" {
		return errors.New("email is required")
	}
	if m.HopDepth < 0 {
		return errors.New("hop_depth must be >= 0")
	}
	if m.HopDepth > repo.MaxHops {
		return errors.New("hop_depth exceeds repository max_hops")
	}
	if m.HopDepth > 0 && m.SourceMemberID == nil {
		return errors.New("propagated member requires a source member")
	}
	switch m.Status {
	case MemberActive, MemberInactive, MemberBounced:
	default:
		return errors.New("invalid member status")
	}
	return nil
}

// Deliverable reports whether the member may still receive distributions.
func (m *Member) Deliverable() bool {
	return m.Status != MemberBounced
}
