package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newSecurityRouter(opt SecurityOptions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders(opt))
	ok := func(c *gin.Context) { c.String(http.StatusOK, "ok") }
	r.GET("/api/v1/conversations", ok)
	r.GET("/api/v1/ws", ok)
	r.GET("/swagger/index.html", ok)
	r.GET("/health", ok)
	return r
}

func secGet(r *gin.Engine, path string, mod func(*http.Request)) http.Header {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if mod != nil {
		mod(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Header()
}

func TestSecurityHeaders_Baseline(t *testing.T) {
	r := newSecurityRouter(SecurityOptions{})
	h := secGet(r, "/health", nil)

	for k, want := range map[string]string{
		"X-Content-Type-Options":            "nosniff",
		"X-Frame-Options":                   "DENY",
		"Referrer-Policy":                   "no-referrer",
		"Permissions-Policy":                permissionsPolicy,
		"X-Permitted-Cross-Domain-Policies": "none",
		"Content-Security-Policy":           apiCSP,
	} {
		if got := h.Get(k); got != want {
			t.Fatalf("%s = %q, want %q", k, got, want)
		}
	}
	if h.Get("Cache-Control") != "" {
		t.Fatalf("health is not private data, got Cache-Control %q", h.Get("Cache-Control"))
	}
	if h.Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS must be opt-in")
	}
}

func TestSecurityHeaders_PrivateConversationData(t *testing.T) {
	r := newSecurityRouter(SecurityOptions{PrivatePrefixes: []string{"", "/api/v1/"}})

	h := secGet(r, "/api/v1/conversations", nil)
	if h.Get("Cache-Control") != PrivateCacheControl {
		t.Fatalf("Cache-Control = %q", h.Get("Cache-Control"))
	}
	vary := h.Values("Vary")
	if len(vary) != 2 || vary[0] != "Authorization" || vary[1] != HeaderUserID {
		t.Fatalf("Vary = %v", vary)
	}

	// The WebSocket handshake is left alone.
	h = secGet(r, "/api/v1/ws", func(req *http.Request) { req.Header.Set("Upgrade", "WebSocket") })
	if h.Get("Cache-Control") != "" || len(h.Values("Vary")) != 0 {
		t.Fatalf("upgrade must not get cache headers: %#v", h)
	}
}

func TestSecurityHeaders_DocsExemptFromCSP(t *testing.T) {
	r := newSecurityRouter(SecurityOptions{DocsPrefix: "/swagger/"})
	if csp := secGet(r, "/swagger/index.html", nil).Get("Content-Security-Policy"); csp != "" {
		t.Fatalf("swagger UI needs scripts, got CSP %q", csp)
	}
	if csp := secGet(r, "/api/v1/conversations", nil).Get("Content-Security-Policy"); csp != apiCSP {
		t.Fatalf("api CSP = %q", csp)
	}
}

func TestSecurityHeaders_HSTS(t *testing.T) {
	cases := []struct {
		name string
		opt  SecurityOptions
		mod  func(*http.Request)
		want string
	}{
		{
			name: "tls with explicit max age",
			opt:  SecurityOptions{EnableHSTS: true, HSTSMaxAge: time.Hour},
			mod:  func(r *http.Request) { r.TLS = &tls.ConnectionState{} },
			want: "max-age=3600; includeSubDomains; preload",
		},
		{
			name: "forwarded proto with default max age",
			opt:  SecurityOptions{EnableHSTS: true},
			mod:  func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "HTTPS") },
			want: "max-age=15552000; includeSubDomains; preload",
		},
		{
			name: "plain http",
			opt:  SecurityOptions{EnableHSTS: true},
			want: "",
		},
		{
			name: "disabled over tls",
			opt:  SecurityOptions{},
			mod:  func(r *http.Request) { r.TLS = &tls.ConnectionState{} },
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := secGet(newSecurityRouter(tc.opt), "/health", tc.mod)
			if got := h.Get("Strict-Transport-Security"); got != tc.want {
				t.Fatalf("HSTS = %q, want %q", got, tc.want)
			}
		})
	}
}
