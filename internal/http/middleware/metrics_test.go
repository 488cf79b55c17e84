package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RouteLabelsAndMessagingCounters(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Metrics())
	r.GET("/conversations/:id/messages", func(c *gin.Context) {
		c.String(http.StatusOK, "[]")
	})
	r.POST("/messages", func(c *gin.Context) {
		if c.GetHeader("Idempotency-Key") == "seen" {
			c.Header(HeaderReplayed, "true")
		}
		c.Status(http.StatusCreated)
	})
	r.POST("/limited", func(c *gin.Context) {
		c.AbortWithStatus(http.StatusTooManyRequests)
	})

	const msgRoute = "/conversations/:id/messages"
	baseList := testutil.ToFloat64(httpReqs.WithLabelValues("GET", msgRoute, "200"))
	baseMiss := testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedRoute, "404"))
	baseReplay := testutil.ToFloat64(idempotentReplays.WithLabelValues("/messages"))
	base429 := testutil.ToFloat64(rateLimited.WithLabelValues("/limited"))

	do := func(method, path, key string) int {
		req := httptest.NewRequest(method, path, nil)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	// Two different conversation ids share one route label.
	do(http.MethodGet, "/conversations/c1/messages", "")
	do(http.MethodGet, "/conversations/c2/messages", "")
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", msgRoute, "200")); got != baseList+2 {
		t.Fatalf("route counter = %v; want %v", got, baseList+2)
	}

	if code := do(http.MethodGet, "/nope/123", ""); code != http.StatusNotFound {
		t.Fatalf("GET /nope/123 -> %d", code)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", unmatchedRoute, "404")); got != baseMiss+1 {
		t.Fatalf("unmatched counter = %v; want %v", got, baseMiss+1)
	}

	do(http.MethodPost, "/messages", "fresh")
	do(http.MethodPost, "/messages", "seen")
	if got := testutil.ToFloat64(idempotentReplays.WithLabelValues("/messages")); got != baseReplay+1 {
		t.Fatalf("replays = %v; want %v", got, baseReplay+1)
	}

	do(http.MethodPost, "/limited", "")
	if got := testutil.ToFloat64(rateLimited.WithLabelValues("/limited")); got != base429+1 {
		t.Fatalf("rate limited = %v; want %v", got, base429+1)
	}

	if inFlight := testutil.ToFloat64(httpInflight); inFlight != 0 {
		t.Fatalf("in-flight = %v; want 0", inFlight)
	}
}
