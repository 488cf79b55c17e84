// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// IdempotencyValidator guards message delivery against duplicate sends. The
// messenger attaches one Idempotency-Key per composed message and reuses it
// on every retry; the validator checks the key, stashes it for the handler,
// and flags requests whose key already produced a message so they skip rate
// limiting and are answered from the stored result.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

// HeaderIdempotencyKey carries the client-chosen key of an unsafe request.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"

	defaultIdempotencyKeyLen = 200
)

var defaultIdempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the key validated by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	s := c.GetString(ctxKeyIdemKey)
	return s, s != ""
}

// IsReplay reports whether the request's key already produced a result.
func IsReplay(c *gin.Context) bool {
	return c.GetBool(ctxKeyIdemReplay)
}

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the key length; <= 0 means 200.
	MaxLen int
	// Pattern restricts key characters; nil means ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
	// Routes limits the check to these registered route patterns (for
	// example "/api/v1/messages"). Empty applies it to every unsafe route.
	Routes []string
	// Clock supplies the lookup time; nil means the real clock.
	Clock clockwork.Clock
}

// IdempotencyLookup reports whether a stored, unexpired result exists for
// (userID, key) at now. Errors are logged and treated as a miss.
type IdempotencyLookup func(ctx context.Context, userID, key string, now time.Time) (bool, error)

// IdempotencyValidator checks the Idempotency-Key of unsafe requests. A
// malformed key is rejected with 400 validation_error, which clients must not
// retry. Safe methods and requests without a key pass through untouched.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultIdempotencyKeyLen
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultIdempotencyKeyPattern
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	routes := make(map[string]struct{}, len(opts.Routes))
	for _, r := range opts.Routes {
		routes[r] = struct{}{}
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || !unsafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		if len(routes) > 0 {
			if _, ok := routes[c.FullPath()]; !ok {
				c.Next()
				return
			}
		}

		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "validation_error",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		uid := userIDFromCtx(c)
		if lookup == nil || uid == "" {
			c.Next()
			return
		}
		exists, err := lookup(c.Request.Context(), uid, key, clock.Now().UTC())
		if err != nil {
			lg := LoggerFrom(c)
			lg.Warn().Err(err).Msg("idempotency lookup failed")
		}
		if exists {
			c.Set(ctxKeyIdemReplay, true)
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	}
}

func unsafeMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// userIDFromCtx returns the caller set by Auth, or "" when anonymous.
func userIDFromCtx(c *gin.Context) string {
	return c.GetString(UserIDKey)
}
