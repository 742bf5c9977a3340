// Package quota enforces per-sender monthly send budgets backed by Redis.
// It protects upstream provider limits across sender processes and is
// independent of the pool's in-process per-second throttle.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds quota configuration.
type Config struct {
	// DefaultMonthlyLimit is the monthly send limit applied when the
	// caller does not pass an explicit one.
	DefaultMonthlyLimit int `mapstructure:"default_monthly_limit"`
}

// Limiter tracks monthly send counts per sender using Redis counters.
// A nil Redis client disables enforcement; every check passes.
type Limiter struct {
	client *redis.Client
	config Config
}

// NewLimiter creates a Limiter with the given Redis client and configuration.
func NewLimiter(client *redis.Client, config Config) *Limiter {
	return &Limiter{
		client: client,
		config: config,
	}
}

// Check reports whether the sender is still under its monthly limit.
// Returns nil if allowed, or an error when the quota is exhausted.
func (l *Limiter) Check(ctx context.Context, sender string, monthlyLimit int) error {
	if l.client == nil {
		return nil
	}
	if monthlyLimit <= 0 {
		monthlyLimit = l.config.DefaultMonthlyLimit
	}
	if monthlyLimit <= 0 {
		return nil
	}

	key := quotaKey(sender)
	count, err := l.client.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("check quota: %w", err)
	}

	if int(count) >= monthlyLimit {
		return fmt.Errorf("monthly send limit exceeded (%d/%d)", count, monthlyLimit)
	}

	return nil
}

// Record increments the monthly send counter for the given sender.
func (l *Limiter) Record(ctx context.Context, sender string) error {
	if l.client == nil {
		return nil
	}

	key := quotaKey(sender)

	pipe := l.client.Pipeline()
	pipe.Incr(ctx, key)
	// Set expiry to end of current month + 1 day buffer
	pipe.Expire(ctx, key, daysUntilEndOfMonth()+24*time.Hour)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}

	return nil
}

// quotaKey builds the Redis key for a sender's counter in the current month.
func quotaKey(sender string) string {
	return fmt.Sprintf("quota:send:%s:%s", sender, currentMonth())
}

// currentMonth returns the current year-month string (e.g., "2026-02").
func currentMonth() string {
	return time.Now().UTC().Format("2006-01")
}

// daysUntilEndOfMonth returns the duration from now until the end of the current month.
func daysUntilEndOfMonth() time.Duration {
	now := time.Now().UTC()
	year, month, _ := now.Date()
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	return firstOfNext.Sub(now)
}
