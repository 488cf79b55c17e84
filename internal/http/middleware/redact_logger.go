// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// RedactingLogger is the access log of the messaging API. It never logs
// request or response bodies, so message text stays out of the logs; query
// strings and header values are scrubbed of emails, phone numbers and opaque
// ids, and credential headers are masked outright.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits only, so it cannot eat the hex groups of an id.
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// Headers that are always masked. Sec-WebSocket-Key is a per-handshake
// nonce on /ws upgrades.
var defaultMaskedHeaders = []string{"authorization", "cookie", "set-cookie", "sec-websocket-key"}

// RedactOptions configures RedactingLogger.
type RedactOptions struct {
	// MaskHeaders are extra header names (case-insensitive) whose values are
	// replaced with [REDACTED].
	MaskHeaders []string
	// QuietPaths are not logged when they succeed (health checks, scrapes).
	QuietPaths []string
}

// redact scrubs ids first: the phone pattern would otherwise match the
// digit runs inside an id.
func redact(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// RedactingLogger attaches the request-scoped logger read by LoggerFrom and
// writes one access line per request: info below 400, warn for 4xx, error for
// 5xx or when handlers recorded errors.
//
// The conversation id of /conversations/:id routes is logged as its own
// field; it is the key used to follow a conversation through the logs.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	masked := make(map[string]struct{}, len(defaultMaskedHeaders)+len(opts.MaskHeaders))
	for _, h := range append(defaultMaskedHeaders, opts.MaskHeaders...) {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		route := routeLabel(c)
		rid := RequestIDFrom(c)
		if rid == "" {
			rid = c.Writer.Header().Get(requestIDHeader)
		}

		reqLog := log.With().
			Str("request_id", rid).
			Str("method", c.Request.Method).
			Str("route", route).
			Logger()
		c.Set(loggerKey, &reqLog)

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := masked[strings.ToLower(k)]; ok {
				headers[k] = "[REDACTED]"
				continue
			}
			headers[k] = redact(strings.Join(vv, ", "))
		}
		query := redact(truncate(c.Request.URL.RawQuery, maxQueryLogLength))

		c.Next()

		status := c.Writer.Status()
		if status < 400 && len(c.Errors) == 0 && hasAnyPrefix(c.Request.URL.Path, opts.QuietPaths) {
			return
		}

		var ev *zerolog.Event
		switch {
		case status >= 500 || len(c.Errors) > 0:
			ev = reqLog.Error()
		case status >= 400:
			ev = reqLog.Warn()
		default:
			ev = reqLog.Info()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		if route == unmatchedRoute {
			ev = ev.Str("path", redact(c.Request.URL.Path))
		}
		if strings.Contains(route, "/conversations/:id") {
			ev = ev.Str("conversation_id", c.Param("id"))
		}

		ev.
			Str("user_id", userIDFromCtx(c)).
			Str("query", query).
			Bool("replayed", c.Writer.Header().Get(HeaderReplayed) == "true").
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}
