package models

import "time"

// DedupRecord is the persisted mirror of the dedup ledger: the last time a
// (repository, email) pair was contacted or added. The email is stored as a
// SHA-256 hash of the normalized address. Rows older than the repository's
// dedup window are logically expired and purged by the sweeper.
type DedupRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	RepositoryID    uint      `gorm:"uniqueIndex:idx_repo_hash,priority:1;not null" json:"repository_id"`
	EmailHash       string    `gorm:"uniqueIndex:idx_repo_hash,priority:2;size:64;not null" json:"email_hash"`
	LastContactedAt time.Time `gorm:"index;not null" json:"last_contacted_at"`
}

func (DedupRecord) TableName() string { return "dedup_records" }
