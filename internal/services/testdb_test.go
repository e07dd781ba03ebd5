package services

import (
	"fmt"
	"strings"
	"testing"

	"github.com/threadloop/snowball/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens an isolated in-memory database named after the test so
// parallel tests never share state.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// Single connection keeps concurrent test transactions serialized
	// instead of tripping sqlite's write lock.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&models.Repository{},
		&models.Member{},
		&models.Candidate{},
		&models.DedupRecord{},
		&models.DistributionJob{},
		&models.DomainReputation{},
	); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// newTestRepo creates a repository with permissive snowball settings that
// individual tests tighten as needed.
func newTestRepo(t *testing.T, db *gorm.DB) *models.Repository {
	t.Helper()

	repo := &models.Repository{
		Topic:                "gardening",
		OwnerID:              1,
		Visibility:           models.VisibilityPublic,
		SnowballEnabled:      true,
		MinQualityScore:      0.5,
		AutoApproveThreshold: 0.9,
		MaxEmailsPerUpload:   500,
		MaxHops:              3,
		DedupWindowHours:     720,
		MaxMembers:           10000,
	}
	if err := db.Create(repo).Error; err != nil {
		t.Fatalf("failed to create test repository: %v", err)
	}
	return repo
}
