package models

import "time"

// DomainReputation is an operator-maintained reputation override for an
// email domain, consulted by the quality scorer. Blocked forces a zero
// score regardless of other signals.
type DomainReputation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Domain    string    `gorm:"uniqueIndex;size:255;not null" json:"domain"`
	Score     float64   `gorm:"default:0.5" json:"score"` // [0,1]
	Blocked   bool      `gorm:"default:false" json:"blocked"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DomainReputation) TableName() string { return "domain_reputations" }
