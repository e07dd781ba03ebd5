package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateCounter is an atomic increment-with-expiry counter used for intake
// throttles (uploads per repository per minute, submissions per user per
// hour). Allow increments the counter for key's current window and reports
// whether the increment stayed within limit.
type RateCounter interface {
	Allow(ctx context.Context, key string, window time.Duration, limit int) (bool, error)
}

// RedisRateCounter implements RateCounter with INCR + EXPIRE so concurrent
// intakes across processes share one counter.
type RedisRateCounter struct {
	rdb *redis.Client
}

func NewRedisRateCounter(rdb *redis.Client) *RedisRateCounter {
	return &RedisRateCounter{rdb: rdb}
}

func (c *RedisRateCounter) Allow(ctx context.Context, key string, window time.Duration, limit int) (bool, error) {
	redisKey := "snowball:rate:" + key

	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	return incr.Val() <= int64(limit), nil
}

// MemoryRateCounter is the in-process fallback used in tests and
// redis-disabled deployments.
type MemoryRateCounter struct {
	mu      sync.Mutex
	counts  map[string]int
	resetAt map[string]time.Time
	now     func() time.Time
}

func NewMemoryRateCounter() *MemoryRateCounter {
	return &MemoryRateCounter{
		counts:  make(map[string]int),
		resetAt: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the counter clock, for window tests.
func (c *MemoryRateCounter) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryRateCounter) Allow(ctx context.Context, key string, window time.Duration, limit int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if reset, ok := c.resetAt[key]; !ok || now.After(reset) {
		c.counts[key] = 0
		c.resetAt[key] = now.Add(window)
	}
	c.counts[key]++
	return c.counts[key] <= limit, nil
}

// NewRateCounter selects the counter implementation.
func NewRateCounter(rdb *redis.Client) RateCounter {
	if rdb != nil {
		return NewRedisRateCounter(rdb)
	}
	return NewMemoryRateCounter()
}

// Intake throttle key helpers.

func uploadRateKey(repositoryID uint) string {
	return fmt.Sprintf("upload:%d", repositoryID)
}

func submitterRateKey(userID uint) string {
	return fmt.Sprintf("submitter:%d", userID)
}
