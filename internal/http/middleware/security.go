// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// SecurityHeaders hardens responses carrying private conversation data.
// Conversation, message and notification payloads belong to one user, so
// shared caches must never store them; the list endpoints still rely on ETag
// revalidation, which rules out no-store.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Header values applied by SecurityHeaders.
const (
	// PrivateCacheControl lets the owning client keep a copy but forces it to
	// revalidate with If-None-Match before reuse.
	PrivateCacheControl = "private, no-cache"

	apiCSP            = "default-src 'none'; frame-ancestors 'none'"
	permissionsPolicy = "geolocation=(), microphone=(), camera=(), payment=()"
)

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS emits Strict-Transport-Security on HTTPS requests only.
	EnableHSTS bool
	HSTSMaxAge time.Duration // defaults to 180 days

	// PrivatePrefixes are the paths whose responses are per-user data. They
	// get PrivateCacheControl and Vary on the identity headers.
	PrivatePrefixes []string

	// DocsPrefix serves HTML (Swagger UI) and is exempt from the JSON CSP.
	DocsPrefix string
}

// SecurityHeaders returns middleware that sets the baseline hardening headers,
// a deny-all CSP for JSON routes, and private caching for user data.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := opt.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = 180 * 24 * time.Hour
	}
	hsts := "max-age=" + strconv.Itoa(int(maxAge.Seconds())) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		path := c.Request.URL.Path

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", permissionsPolicy)
		h.Set("X-Permitted-Cross-Domain-Policies", "none")

		if opt.DocsPrefix == "" || !strings.HasPrefix(path, opt.DocsPrefix) {
			h.Set("Content-Security-Policy", apiCSP)
		}

		if hasAnyPrefix(path, opt.PrivatePrefixes) && !isUpgrade(c.Request) {
			h.Set("Cache-Control", PrivateCacheControl)
			h.Add("Vary", "Authorization")
			h.Add("Vary", HeaderUserID)
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		c.Next()
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// isUpgrade reports a WebSocket handshake; its 101 response carries no body
// to cache.
func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// isHTTPS reports whether the request arrived over TLS directly or through a
// proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
