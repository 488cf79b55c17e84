// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// RateLimiter is the process-local send budget: one token bucket per caller
// (golang.org/x/time/rate), refilled at RATE_RPS up to RATE_BURST. A request
// over budget gets 429 with Retry-After set to the seconds until the next
// token, which the messenger honors before retrying. Resends of an already
// delivered message (idempotent replays) are never charged.
//
// Replicated deployments install RedisRateLimiter instead so every replica
// draws from the same budget.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	// bucketIdleTTL is how long an untouched bucket is kept.
	bucketIdleTTL = 10 * time.Minute
	// sweepEvery is the number of lookups between idle sweeps.
	sweepEvery = 5000
)

// keyFunc maps a request to its bucket.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP keys authenticated callers by user id ("user:<id>") and
// everyone else by client address ("ip:<addr>").
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid := userIDFromCtx(c); uid != "" {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-caller token bucket limiter. It is safe for
// concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn keyFunc
	clock clockwork.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
	lookups int
	idleTTL time.Duration
}

// NewRateLimiter returns a limiter admitting rps requests per second with
// bursts of up to burst (coerced to at least 1).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		clock:   clockwork.NewRealClock(),
		buckets: make(map[string]*bucket),
		idleTTL: bucketIdleTTL,
	}
}

// WithClock replaces the time source; used by tests.
func (rl *RateLimiter) WithClock(clock clockwork.Clock) *RateLimiter {
	rl.clock = clock
	return rl
}

// bucketFor returns the limiter for key, creating it on first use. Every
// sweepEvery lookups idle buckets are dropped; the sweep runs before the
// lookup so a stale bucket for key starts over full.
func (rl *RateLimiter) bucketFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= sweepEvery {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= rl.idleTTL {
				delete(rl.buckets, k)
			}
		}
		rl.lookups = 0
	}

	if b, ok := rl.buckets[key]; ok {
		b.lastSeen = now
		return b.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.buckets[key] = &bucket{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator exempted the request.
func IsRateBypass(c *gin.Context) bool {
	return c.GetBool(ctxKeyRateBypass)
}

// Handler returns the limiting middleware. A token is reserved at the
// current clock time; if it is not available immediately the reservation is
// cancelled and the request is rejected.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		now := rl.clock.Now()
		res := rl.bucketFor(rl.keyFn(c), now).ReserveN(now, 1)
		if !res.OK() {
			abortRateLimited(c, time.Second)
			return
		}
		if d := res.DelayFrom(now); d > 0 {
			res.CancelAt(now)
			abortRateLimited(c, d)
			return
		}
		c.Next()
	}
}

// abortRateLimited writes the 429 envelope shared by both limiters.
func abortRateLimited(c *gin.Context, wait time.Duration) {
	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"request_id": RequestIDFrom(c),
		"code":       "rate_limited",
		"message":    "too many requests",
	})
}

// retryAfterSeconds rounds d up to whole seconds, never below 1.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
