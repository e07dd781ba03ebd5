package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/threadloop/snowball/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrBouncedTerminal is returned when a status update targets a bounced
// member. Bounced is terminal.
var ErrBouncedTerminal = errors.New("bounced members cannot change status")

// MembershipStore is the authoritative member list per repository. All
// mutations go through its atomic contracts; callers never read-modify-write
// member rows directly.
type MembershipStore struct {
	db *gorm.DB
}

func NewMembershipStore(db *gorm.DB) *MembershipStore {
	return &MembershipStore{db: db}
}

// AddMember inserts a member if the (repository_id, email) pair is new.
// Concurrent calls for the same pair produce exactly one row: the unique
// index plus OnConflict DoNothing makes the loser observe created=false
// rather than an error. Repository counters are updated in the same
// transaction so Count reads are never stale for cap enforcement.
func (s *MembershipStore) AddMember(repositoryID uint, member *models.Member) (bool, error) {
	member.RepositoryID = repositoryID

	var created bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repository_id"}, {Name: "email"}},
			DoNothing: true,
		}).Create(member)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			created = false
			return nil
		}
		created = true

		updates := map[string]interface{}{
			"member_count": gorm.Expr("member_count + 1"),
		}
		if member.Verified {
			updates["verified_member_count"] = gorm.Expr("verified_member_count + 1")
		}
		return tx.Model(&models.Repository{}).
			Where("id = ?", repositoryID).
			Updates(updates).Error
	})
	if err != nil {
		return false, fmt.Errorf("add member: %w", err)
	}
	return created, nil
}

// UpdateStatus transitions a member's status. Bounced is terminal; moving a
// member to bounced removes it from the countable membership (member_count
// covers active and inactive rows only).
func (s *MembershipStore) UpdateStatus(memberID uint, status string) error {
	switch status {
	case models.MemberActive, models.MemberInactive, models.MemberBounced:
	default:
		return fmt.Errorf("invalid member status %q", status)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var member models.Member
		if err := tx.First(&member, memberID).Error; err != nil {
			return err
		}

		if member.Status == status {
			return nil
		}
		if member.Status == models.MemberBounced {
			return ErrBouncedTerminal
		}

		// Guarded write: a concurrent transition to bounced wins.
		res := tx.Model(&models.Member{}).
			Where("id = ? AND status = ?", memberID, member.Status).
			Update("status", status)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrBouncedTerminal
		}

		if status == models.MemberBounced {
			updates := map[string]interface{}{
				"member_count": gorm.Expr("member_count - 1"),
			}
			if member.Verified {
				updates["verified_member_count"] = gorm.Expr("verified_member_count - 1")
			}
			return tx.Model(&models.Repository{}).
				Where("id = ?", member.RepositoryID).
				Updates(updates).Error
		}
		return nil
	})
}

// MarkVerified marks a member verified and active after an opt-in. Bounced
// members stay bounced.
func (s *MembershipStore) MarkVerified(memberID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var member models.Member
		if err := tx.First(&member, memberID).Error; err != nil {
			return err
		}
		if member.Status == models.MemberBounced {
			return ErrBouncedTerminal
		}
		if member.Verified && member.Status == models.MemberActive {
			return nil
		}

		res := tx.Model(&models.Member{}).
			Where("id = ? AND status <> ?", memberID, models.MemberBounced).
			Updates(map[string]interface{}{
				"verified": true,
				"status":   models.MemberActive,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrBouncedTerminal
		}

		if !member.Verified {
			return tx.Model(&models.Repository{}).
				Where("id = ?", member.RepositoryID).
				Update("verified_member_count", gorm.Expr("verified_member_count + 1")).Error
		}
		return nil
	})
}

// MarkContacted stamps the member's last successful delivery time, which
// gates referral eligibility (propagation cascades from delivery, not from
// creation).
func (s *MembershipStore) MarkContacted(memberID uint, at time.Time) error {
	return s.db.Model(&models.Member{}).
		Where("id = ?", memberID).
		Update("last_contacted_at", at).Error
}

// Count returns the number of countable members (active + inactive) reading
// the store's current write state, never a cached value: cap enforcement in
// the propagation controller depends on this.
func (s *MembershipStore) Count(repositoryID uint) (int64, error) {
	var count int64
	err := s.db.Model(&models.Member{}).
		Where("repository_id = ? AND status IN ?",
			repositoryID, []string{models.MemberActive, models.MemberInactive}).
		Count(&count).Error
	return count, err
}

// Get fetches a member by id.
func (s *MembershipStore) Get(memberID uint) (*models.Member, error) {
	var member models.Member
	if err := s.db.First(&member, memberID).Error; err != nil {
		return nil, err
	}
	return &member, nil
}

// GetByEmail fetches a member by its normalized email within a repository.
func (s *MembershipStore) GetByEmail(repositoryID uint, email string) (*models.Member, error) {
	var member models.Member
	err := s.db.Where("repository_id = ? AND email = ?", repositoryID, email).
		First(&member).Error
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// List returns members of a repository, newest first, paginated.
func (s *MembershipStore) List(repositoryID uint, page, pageSize int) ([]models.Member, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	var total int64
	query := s.db.Model(&models.Member{}).Where("repository_id = ?", repositoryID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var members []models.Member
	err := query.Order("added_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&members).Error
	return members, total, err
}

// Recount recomputes a repository's member counters from member rows,
// correcting drift. Invoked by the sweeper.
func (s *MembershipStore) Recount(repositoryID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var memberCount int64
		if err := tx.Model(&models.Member{}).
			Where("repository_id = ? AND status IN ?",
				repositoryID, []string{models.MemberActive, models.MemberInactive}).
			Count(&memberCount).Error; err != nil {
			return err
		}

		var verifiedCount int64
		if err := tx.Model(&models.Member{}).
			Where("repository_id = ? AND status IN ? AND verified = ?",
				repositoryID, []string{models.MemberActive, models.MemberInactive}, true).
			Count(&verifiedCount).Error; err != nil {
			return err
		}

		return tx.Model(&models.Repository{}).
			Where("id = ?", repositoryID).
			Updates(map[string]interface{}{
				"member_count":          memberCount,
				"verified_member_count": verifiedCount,
			}).Error
	})
}
