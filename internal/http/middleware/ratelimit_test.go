package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

func TestKeyByUserOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/messages", nil)
	c.Request.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")

	if got := KeyByUserOrIP()(c); got != "ip:203.0.113.9" {
		t.Fatalf("anonymous key = %q", got)
	}
	c.Set(UserIDKey, "buyer-1")
	if got := KeyByUserOrIP()(c); got != "user:buyer-1" {
		t.Fatalf("user key = %q", got)
	}
}

func TestIsRateBypass(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if IsRateBypass(c) {
		t.Fatalf("default must be false")
	}
	c.Set(ctxKeyRateBypass, "yes")
	if IsRateBypass(c) {
		t.Fatalf("non-bool must read as false")
	}
	c.Set(ctxKeyRateBypass, true)
	if !IsRateBypass(c) {
		t.Fatalf("flag not honored")
	}
}

func TestRateLimiter_BucketsAndSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(2, 0, KeyByUserOrIP()).WithClock(clock)
	if rl.burst != 1 {
		t.Fatalf("burst = %d, want 1", rl.burst)
	}

	now := clock.Now()
	lim := rl.bucketFor("user:a", now)
	if rl.bucketFor("user:a", now) != lim {
		t.Fatalf("bucket must be reused")
	}

	rl.mu.Lock()
	rl.buckets["user:idle"] = &bucket{limiter: rate.NewLimiter(1, 1), lastSeen: now.Add(-bucketIdleTTL)}
	rl.lookups = sweepEvery - 1
	rl.mu.Unlock()

	_ = rl.bucketFor("user:b", now)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.buckets["user:idle"]; ok {
		t.Fatalf("idle bucket must be swept")
	}
	if _, ok := rl.buckets["user:a"]; !ok {
		t.Fatalf("recent bucket must survive the sweep")
	}
	if rl.lookups != 0 {
		t.Fatalf("lookup counter not reset: %d", rl.lookups)
	}
}

func limitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.Use(func(c *gin.Context) {
		if uid := c.GetHeader(HeaderUserID); uid != "" {
			c.Set(UserIDKey, uid)
		}
		if c.GetHeader("X-Test-Replay") != "" {
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	})
	r.Use(rl.Handler())
	r.POST("/messages", func(c *gin.Context) { c.Status(http.StatusCreated) })
	return r
}

func send(r *gin.Engine, user string, replay bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/messages", nil)
	req.Header.Set(HeaderUserID, user)
	if replay {
		req.Header.Set("X-Test-Replay", "1")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_SendBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	// One token every 4s, bursts of 2.
	r := limitedRouter(NewRateLimiter(0.25, 2, KeyByUserOrIP()).WithClock(clock))

	for i := 0; i < 2; i++ {
		if w := send(r, "buyer", false); w.Code != http.StatusCreated {
			t.Fatalf("send %d within burst: %d", i, w.Code)
		}
	}

	w := send(r, "buyer", false)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over budget: %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "4" {
		t.Fatalf("Retry-After = %q, want 4", got)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["code"] != "rate_limited" || body["request_id"] != w.Header().Get("X-Request-ID") {
		t.Fatalf("envelope = %v", body)
	}

	// Replays and other callers are unaffected.
	if w := send(r, "buyer", true); w.Code != http.StatusCreated {
		t.Fatalf("replay must bypass: %d", w.Code)
	}
	if w := send(r, "seller", false); w.Code != http.StatusCreated {
		t.Fatalf("separate bucket: %d", w.Code)
	}

	// Part of the way to the next token the wait shrinks.
	clock.Advance(2500 * time.Millisecond)
	if w := send(r, "buyer", false); w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "2" {
		t.Fatalf("after 2.5s: %d Retry-After=%q", w.Code, w.Header().Get("Retry-After"))
	}

	// A rejected request does not consume the refill.
	clock.Advance(1500 * time.Millisecond)
	if w := send(r, "buyer", false); w.Code != http.StatusCreated {
		t.Fatalf("after refill: %d", w.Code)
	}
}

func TestRateLimiter_ZeroRateRejectsAfterBurst(t *testing.T) {
	r := limitedRouter(NewRateLimiter(0, 1, KeyByUserOrIP()).WithClock(clockwork.NewFakeClock()))
	if w := send(r, "buyer", false); w.Code != http.StatusCreated {
		t.Fatalf("burst token: %d", w.Code)
	}
	if w := send(r, "buyer", false); w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "1" {
		t.Fatalf("zero rate: %d Retry-After=%q", w.Code, w.Header().Get("Retry-After"))
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{-time.Second, 1},
		{10 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{30 * time.Second, 30},
	}
	for _, tc := range cases {
		if got := retryAfterSeconds(tc.in); got != tc.want {
			t.Fatalf("retryAfterSeconds(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
