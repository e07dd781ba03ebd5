package models

import (
	"fmt"

	"github.com/threadloop/snowball/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDB(cfg *config.DatabaseConfig) error {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	DB = db
	return nil
}

func AutoMigrate() error {
	return DB.AutoMigrate(
		&Repository{},
		&Member{},
		&Candidate{},
		&DedupRecord{},
		&DistributionJob{},
		&DomainReputation{},
	)
}

func GetDB() *gorm.DB {
	return DB
}

// SeedDefaultData creates default domain reputation rows if the table is
// empty. Disposable inbox providers start blocked.
func SeedDefaultData() error {
	var count int64
	DB.Model(&DomainReputation{}).Count(&count)
	if count > 0 {
		return nil
	}

	defaults := []DomainReputation{
		{Domain: "mailinator.com", Score: 0, Blocked: true},
		{Domain: "guerrillamail.com", Score: 0, Blocked: true},
		{Domain: "10minutemail.com", Score: 0, Blocked: true},
		{Domain: "tempmail.dev", Score: 0, Blocked: true},
		{Domain: "gmail.com", Score: 0.7},
		{Domain: "outlook.com", Score: 0.7},
		{Domain: "proton.me", Score: 0.7},
	}

	for _, rep := range defaults {
		if err := DB.Create(&rep).Error; err != nil {
			return err
		}
	}
	return nil
}
