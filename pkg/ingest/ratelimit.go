package ingest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateWindow is the sliding window width
const rateWindow = time.Minute

// Decision is one rate limit verdict, carrying everything the HTTP
// layer needs for the X-RateLimit response headers
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter enforces a per-key sliding window request rate
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// MemoryLimiter is a process-local sliding window limiter. Stale
// windows are swept on use so an abandoned key does not leak.
type MemoryLimiter struct {
	limit int

	mu      sync.Mutex
	windows map[string][]time.Time
	sweeps  int
}

// NewMemoryLimiter creates an in-memory limiter allowing limit
// requests per minute per key
func NewMemoryLimiter(limit int) *MemoryLimiter {
	if limit <= 0 {
		limit = 60
	}
	return &MemoryLimiter{
		limit:   limit,
		windows: make(map[string][]time.Time),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-rateWindow)
	window := l.windows[key]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	d := Decision{Limit: l.limit, Reset: now.Add(rateWindow)}
	if len(kept) >= l.limit {
		l.windows[key] = kept
		d.Reset = kept[0].Add(rateWindow)
		d.RetryAfter = time.Until(d.Reset)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
		return d, nil
	}

	kept = append(kept, now)
	l.windows[key] = kept
	d.Allowed = true
	d.Remaining = l.limit - len(kept)

	// Periodically drop keys whose whole window went stale
	l.sweeps++
	if l.sweeps%1000 == 0 {
		for k, w := range l.windows {
			if len(w) == 0 || !w[len(w)-1].After(cutoff) {
				delete(l.windows, k)
			}
		}
	}
	return d, nil
}

// RedisLimiter is a sliding window limiter shared across server
// replicas, backed by a per-key sorted set of request timestamps
type RedisLimiter struct {
	client *redis.Client
	limit  int
}

// NewRedisLimiter creates a limiter on the given Redis client
func NewRedisLimiter(client *redis.Client, limit int) *RedisLimiter {
	if limit <= 0 {
		limit = 60
	}
	return &RedisLimiter{client: client, limit: limit}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	redisKey := "ratelimit:" + key
	cutoff := now.Add(-rateWindow)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit read: %w", err)
	}

	count := int(countCmd.Val())
	d := Decision{Limit: l.limit, Reset: now.Add(rateWindow)}
	if count >= l.limit {
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			d.Reset = time.Unix(0, int64(oldest[0].Score)).Add(rateWindow)
		}
		d.RetryAfter = time.Until(d.Reset)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
		return d, nil
	}

	pipe = l.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	// Expiry reaps abandoned keys server-side
	pipe.Expire(ctx, redisKey, 2*rateWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit write: %w", err)
	}

	d.Allowed = true
	d.Remaining = l.limit - count - 1
	return d, nil
}
