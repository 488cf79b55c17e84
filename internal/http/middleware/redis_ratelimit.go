// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedisRateLimiter, a fixed-window limiter whose counters
// live in Redis so every replica of the API enforces the same budget. It is
// installed instead of RateLimiter when REDIS_URL is configured.
//
// Each identity gets one counter per window. The first hit in a window sets
// the expiry; once the counter exceeds the limit the remaining TTL becomes the
// Retry-After value. Redis failures fail open and are logged.
package middleware

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// windowCounter increments the counter for key and reports the new value and
// the time left in the window.
type windowCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// redisCounter is the go-redis backed windowCounter.
type redisCounter struct {
	rdb redis.UniversalClient
}

func (r redisCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.ExpireNX(ctx, key, window)
		ttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return incr.Val(), ttl.Val(), nil
}

// RedisRateLimiter enforces Limit requests per Window for each identity.
type RedisRateLimiter struct {
	Limit  int64
	Window time.Duration
	Prefix string

	keyFn   keyFunc
	counter windowCounter
	timeout time.Duration
}

// NewRedisRateLimiter derives a window from the token-bucket settings so the
// two limiters admit the same average rate: burst requests per burst/rps.
func NewRedisRateLimiter(rdb redis.UniversalClient, rps float64, burst int, keyFn keyFunc) *RedisRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RedisRateLimiter{
		Limit:   int64(burst),
		Window:  windowFor(rps, burst),
		Prefix:  "messaging:rl:",
		keyFn:   keyFn,
		counter: redisCounter{rdb: rdb},
		timeout: 200 * time.Millisecond,
	}
}

// windowFor returns burst/rps rounded up to whole seconds, at least 1s.
// rps <= 0 yields a one minute window.
func windowFor(rps float64, burst int) time.Duration {
	if rps <= 0 {
		return time.Minute
	}
	secs := math.Ceil(float64(burst) / rps)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// NewRedisClient parses a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// Handler returns the Gin middleware. Replays flagged by IdempotencyValidator
// skip the counter, as with RateLimiter.
func (rl *RedisRateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), rl.timeout)
		n, ttl, err := rl.counter.Hit(ctx, rl.Prefix+rl.keyFn(c), rl.Window)
		cancel()
		if err != nil {
			LoggerFrom(c).Warn().Err(err).Msg("redis rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		if n > rl.Limit {
			if ttl <= 0 {
				ttl = rl.Window
			}
			abortRateLimited(c, ttl)
			return
		}
		c.Next()
	}
}
