// Package rate provides fixed-window request limiting, backed by Redis for
// multi-instance deployments or by process memory for single instances.
package rate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

// Result describes one admission decision.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter gates requests per caller key within fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// NewLimiter creates a limiter from a location URI. An empty URI or
// memory:// selects the in-process limiter; redis://host:port/db selects
// the shared Redis one.
func NewLimiter(locationURI string, max int64, window time.Duration, logger *slog.Logger) (Limiter, error) {
	if locationURI == "" || strings.HasPrefix(locationURI, "memory://") {
		return NewMemoryLimiter(max, window), nil
	}
	if strings.HasPrefix(locationURI, "redis://") || strings.HasPrefix(locationURI, "rediss://") {
		opts, err := rdb.ParseURL(locationURI)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limiter URI: %w", err)
		}
		return NewRedisLimiter(rdb.NewClient(opts), max, window, logger), nil
	}
	return nil, fmt.Errorf("unsupported rate limiter scheme in %q", locationURI)
}

// RedisLimiter implements a fixed window with INCR plus EXPIRE, shared
// across gateway instances.
type RedisLimiter struct {
	client *rdb.Client
	prefix string
	max    int64
	window time.Duration
	log    *slog.Logger
}

func NewRedisLimiter(client *rdb.Client, max int64, window time.Duration, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "rl:",
		max:    max,
		window: window,
		log:    logger,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	winStart := time.Now().UTC().Truncate(l.window)
	redisKey := fmt.Sprintf("%s%s:%d", l.prefix, strings.ReplaceAll(key, " ", "_"), winStart.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		// Rate limiting protects capacity, not authorization; a broken
		// limiter store must not take the API down with it.
		l.log.Error("Rate limiter store unavailable, admitting request", "err", err)
		return Result{Allowed: true, Remaining: l.max}, nil
	}

	if incr.Val() == 1 {
		_ = l.client.Expire(ctx, redisKey, l.window).Err()
		ttl = l.client.TTL(ctx, redisKey)
	}

	hits := incr.Val()
	res := Result{
		Allowed:   hits <= l.max,
		Remaining: max(l.max-hits, 0),
	}
	if !res.Allowed {
		res.RetryAfter = ttl.Val()
		if res.RetryAfter < 0 {
			res.RetryAfter = l.window
		}
	}
	return res, nil
}

// MemoryLimiter implements the same fixed window in process memory.
type MemoryLimiter struct {
	max    int64
	window time.Duration

	mu   sync.Mutex
	hits map[string]int64

	// now is replaceable in tests.
	now func() time.Time
}

func NewMemoryLimiter(max int64, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		max:    max,
		window: window,
		hits:   make(map[string]int64),
		now:    time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := l.now().UTC()
	winStart := now.Truncate(l.window)
	bucket := fmt.Sprintf("%s:%d", key, winStart.Unix())

	l.mu.Lock()
	defer l.mu.Unlock()

	l.hits[bucket]++
	hits := l.hits[bucket]

	// Drop buckets from past windows; only the current window's counts
	// matter and the map must not grow without bound.
	suffix := fmt.Sprintf(":%d", winStart.Unix())
	for k := range l.hits {
		if !strings.HasSuffix(k, suffix) {
			delete(l.hits, k)
		}
	}

	res := Result{
		Allowed:   hits <= l.max,
		Remaining: max(l.max-hits, 0),
	}
	if !res.Allowed {
		res.RetryAfter = winStart.Add(l.window).Sub(now)
	}
	return res, nil
}
