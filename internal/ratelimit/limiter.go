// Package ratelimit provides fixed-window request limiting.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result reports the limiter decision and window bookkeeping for the caller.
type Result struct {
	Success   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter bounds request rates per key.
type Limiter interface {
	Limit(ctx context.Context, key string) (Result, error)
}

// RedisLimiter is a fixed-window limiter backed by Redis INCR/EXPIRE.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisLimiter constructs a RedisLimiter.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

// Limit increments the window counter for key and reports the decision.
func (l *RedisLimiter) Limit(ctx context.Context, key string) (Result, error) {
	redisKey := l.prefix + ":" + key

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, l.window)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}

	count := int(incr.Val())
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Success:   count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     time.Now().Add(ttl.Val()),
	}, nil
}

// MemoryLimiter is an in-process fixed-window limiter for tests and local dev.
type MemoryLimiter struct {
	mu     sync.Mutex
	counts map[string]*window
	limit  int
	span   time.Duration
	now    func() time.Time
}

type window struct {
	count int
	reset time.Time
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter(limit int, span time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		counts: make(map[string]*window),
		limit:  limit,
		span:   span,
		now:    time.Now,
	}
}

// Limit implements Limiter.
func (l *MemoryLimiter) Limit(ctx context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.counts[key]
	if !ok || now.After(w.reset) {
		w = &window{reset: now.Add(l.span)}
		l.counts[key] = w
	}
	w.count++

	remaining := l.limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Success:   w.count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     w.reset,
	}, nil
}
