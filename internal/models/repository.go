package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Repository visibility values
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Repository is a topic-scoped email repository whose member list grows
// through snowball distribution. The snowball_* columns are the per-repository
// propagation controls consumed verbatim from the configuration surface.
type Repository struct {
	ID                   uint           `gorm:"primaryKey" json:"id"`
	Topic                string         `gorm:"size:200;not null" json:"topic"`
	OwnerID              uint           `gorm:"index;not null" json:"owner_id"`
	Visibility           string         `gorm:"size:20;default:public" json:"visibility"`
	SnowballEnabled      bool           `gorm:"default:true" json:"snowball_enabled"`
	MinQualityScore      float64        `gorm:"default:0.5" json:"min_quality_score"`
	AutoApproveThreshold float64        `gorm:"default:0.9" json:"auto_approve_threshold"`
	MaxEmailsPerUpload   int            `gorm:"default:500" json:"max_emails_per_upload"`
	MaxHops              int            `gorm:"default:3" json:"max_hops"`
	DedupWindowHours     int            `gorm:"default:720" json:"dedup_window_hours"`
	MinKarmaRequired     int            `gorm:"default:0" json:"min_karma_required"`
	VerificationRequired bool           `gorm:"default:false" json:"verification_required"`
	MaxMembers           int            `gorm:"default:10000" json:"max_members"`
	MemberCount          int            `gorm:"default:0" json:"member_count"`
	VerifiedMemberCount  int            `gorm:"default:0" json:"verified_member_count"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	DeletedAt            gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Repository) TableName() string { return "repositories" }

// Validate checks the repository configuration invariants.
func (r *Repository) Validate() error {
	if r.Topic == "" {
		return errors.New("topic is required")
	}
	if r.Visibility != VisibilityPublic && r.Visibility != VisibilityPrivate {
		return errors.New("visibility must be public or private")
	}
	if r.MinQualityScore < 0 || r.MinQualityScore > 1 {
		return errors.New("min_quality_score must be in [0,1]")
	}
	if r.AutoApproveThreshold < 0 || r.AutoApproveThreshold > 1 {
		return errors.New("auto_approve_threshold must be in [0,1]")
	}
	if r.AutoApproveThreshold < r.MinQualityScore {
		return errors.New("auto_approve_threshold must be >= min_quality_score")
	}
	if r.MaxHops < 0 {
		return errors.New("max_hops must be >= 0")
	}
	if r.MaxEmailsPerUpload <= 0 {
		return errors.New("max_emails_per_upload must be > 0")
	}
	if r.DedupWindowHours <= 0 {
		return errors.New("dedup_window_hours must be > 0")
	}
	if r.MaxMembers <= 0 {
		return errors.New("max_members must be > 0")
	}
	return nil
}

// DedupWindow returns the dedup window as a duration.
func (r *Repository) DedupWindow() time.Duration {
	return time.Duration(r.DedupWindowHours) * time.Hour
}
