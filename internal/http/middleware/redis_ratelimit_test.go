package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// memCounter is an in-process windowCounter with a settable TTL.
type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	ttl    time.Duration
	err    error
	keys   []string
}

func (m *memCounter) Hit(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, 0, m.err
	}
	if m.counts == nil {
		m.counts = map[string]int64{}
	}
	m.keys = append(m.keys, key)
	m.counts[key]++
	ttl := m.ttl
	if ttl == 0 {
		ttl = window
	}
	return m.counts[key], ttl, nil
}

func redisLimited(counter windowCounter, limit int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	rl := &RedisRateLimiter{
		Limit:   limit,
		Window:  10 * time.Second,
		Prefix:  "t:",
		keyFn:   KeyByUserOrIP(),
		counter: counter,
		timeout: time.Second,
	}
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader(HeaderUserID); u != "" {
			c.Set(UserIDKey, u)
		}
		if c.GetHeader("X-Replay") != "" {
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	})
	r.Use(rl.Handler())
	r.POST("/messages", func(c *gin.Context) { c.Status(http.StatusCreated) })
	return r
}

func post(r *gin.Engine, user string, replay bool) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/messages", nil)
	req.Header.Set(HeaderUserID, user)
	if replay {
		req.Header.Set("X-Replay", "1")
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRedisRateLimiter_WindowAndRetryAfter(t *testing.T) {
	counter := &memCounter{ttl: 2300 * time.Millisecond}
	r := redisLimited(counter, 2)

	for i := 0; i < 2; i++ {
		if w := post(r, "buyer", false); w.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, w.Code)
		}
	}
	w := post(r, "buyer", false)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "3" {
		t.Fatalf("expected Retry-After=3 from ttl, got %q", got)
	}

	// separate identity has its own window
	if w := post(r, "seller", false); w.Code != http.StatusCreated {
		t.Fatalf("other user should pass, got %d", w.Code)
	}
	if counter.keys[0] != "t:user:buyer" {
		t.Fatalf("unexpected key %q", counter.keys[0])
	}
}

func TestRedisRateLimiter_ReplayBypassesCounter(t *testing.T) {
	counter := &memCounter{}
	r := redisLimited(counter, 1)

	post(r, "buyer", false)
	if w := post(r, "buyer", true); w.Code != http.StatusCreated {
		t.Fatalf("replay should bypass, got %d", w.Code)
	}
	if len(counter.keys) != 1 {
		t.Fatalf("replay must not hit the counter, hits=%d", len(counter.keys))
	}
}

func TestRedisRateLimiter_FailsOpen(t *testing.T) {
	r := redisLimited(&memCounter{err: errors.New("connection refused")}, 1)
	for i := 0; i < 3; i++ {
		if w := post(r, "buyer", false); w.Code != http.StatusCreated {
			t.Fatalf("expected fail-open 201, got %d", w.Code)
		}
	}
}

func TestRedisRateLimiter_MissingTTLFallsBackToWindow(t *testing.T) {
	counter := &memCounter{ttl: -1}
	r := redisLimited(counter, 1)
	post(r, "buyer", false)
	w := post(r, "buyer", false)
	if got := w.Header().Get("Retry-After"); got != "10" {
		t.Fatalf("expected window fallback 10, got %q", got)
	}
}

func TestWindowFor(t *testing.T) {
	cases := []struct {
		rps   float64
		burst int
		want  time.Duration
	}{
		{5, 10, 2 * time.Second},
		{10, 1, time.Second},
		{0.25, 1, 4 * time.Second},
		{0, 10, time.Minute},
	}
	for _, tc := range cases {
		if got := windowFor(tc.rps, tc.burst); got != tc.want {
			t.Fatalf("windowFor(%v,%d)=%v want %v", tc.rps, tc.burst, got, tc.want)
		}
	}
}
