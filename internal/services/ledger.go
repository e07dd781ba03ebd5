package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/threadloop/snowball/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DedupLedger tracks when a (repository, email) pair was last contacted or
// added so the intake gate can refuse re-invitations inside the repository's
// dedup window. Implementations must be safe for concurrent use; all dedup
// mutations go through Touch rather than caller-side read-modify-write.
type DedupLedger interface {
	// Seen reports whether the pair was contacted within the window.
	Seen(ctx context.Context, repositoryID uint, email string, window time.Duration) (bool, error)
	// Touch records a contact for the pair now. window bounds retention.
	Touch(ctx context.Context, repositoryID uint, email string, window time.Duration) error
}

func dedupKey(repositoryID uint, email string) string {
	return fmt.Sprintf("snowball:dedup:%d:%s", repositoryID, HashEmail(email))
}

// RedisLedger is the production ledger: Redis for the hot path, mirrored to
// the dedup_records table so a cold start recovers prior contact state.
type RedisLedger struct {
	rdb *redis.Client
	db  *gorm.DB
	now func() time.Time
}

func NewRedisLedger(rdb *redis.Client, db *gorm.DB) *RedisLedger {
	return &RedisLedger{rdb: rdb, db: db, now: time.Now}
}

func (l *RedisLedger) Seen(ctx context.Context, repositoryID uint, email string, window time.Duration) (bool, error) {
	val, err := l.rdb.Get(ctx, dedupKey(repositoryID, email)).Result()
	if err == nil {
		unix, perr := strconv.ParseInt(val, 10, 64)
		if perr == nil {
			return l.now().Sub(time.Unix(unix, 0)) < window, nil
		}
	} else if err != redis.Nil {
		return false, err
	}

	// Cache miss (or unparseable value): fall back to the persisted mirror.
	var rec models.DedupRecord
	err = l.db.Where("repository_id = ? AND email_hash = ?", repositoryID, HashEmail(email)).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return l.now().Sub(rec.LastContactedAt) < window, nil
}

func (l *RedisLedger) Touch(ctx context.Context, repositoryID uint, email string, window time.Duration) error {
	ts := l.now()

	rec := models.DedupRecord{
		RepositoryID:    repositoryID,
		EmailHash:       HashEmail(email),
		LastContactedAt: ts,
	}
	err := l.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "repository_id"}, {Name: "email_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_contacted_at"}),
	}).Create(&rec).Error
	if err != nil {
		return err
	}

	return l.rdb.Set(ctx, dedupKey(repositoryID, email), strconv.FormatInt(ts.Unix(), 10), window).Err()
}

// MemoryLedger is the in-process ledger used in tests and redis-disabled
// deployments. Same semantics as RedisLedger minus durability.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the ledger clock, for window tests.
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLedger) Seen(ctx context.Context, repositoryID uint, email string, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts, ok := l.entries[dedupKey(repositoryID, email)]
	if !ok {
		return false, nil
	}
	return l.now().Sub(ts) < window, nil
}

func (l *MemoryLedger) Touch(ctx context.Context, repositoryID uint, email string, window time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[dedupKey(repositoryID, email)] = l.now()
	return nil
}

// NewLedger selects the ledger implementation: Redis-backed when a client is
// provided, otherwise in-memory.
func NewLedger(rdb *redis.Client, db *gorm.DB) DedupLedger {
	if rdb != nil {
		return NewRedisLedger(rdb, db)
	}
	return NewMemoryLedger()
}
