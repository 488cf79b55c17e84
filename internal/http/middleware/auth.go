// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements Auth, which resolves the caller's user id and stores it
// in the Gin context under UserIDKey. Downstream middleware (logging, rate
// limiting, idempotency) and handlers read it from there.
//
// Two modes are supported:
//   - Secret set: an HS256 JWT is required, taken from "Authorization: Bearer"
//     or, for WebSocket upgrades where browsers cannot set headers, from the
//     "token" query parameter. The subject claim is the user id.
//   - Secret empty (development): the X-User-ID header (or "user_id" query
//     parameter) is trusted as-is.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDKey is the Gin context key holding the authenticated user id.
const UserIDKey = "userID"

// HeaderUserID is the development identity header honored when no JWT secret
// is configured.
const HeaderUserID = "X-User-ID"

var (
	errMissingToken = errors.New("missing bearer token")
	errNoSubject    = errors.New("token has no subject")
)

// AuthOptions configures Auth.
type AuthOptions struct {
	// Secret is the HS256 signing key. Empty enables the header fallback.
	Secret string
	// Skip lists path prefixes that bypass authentication (health, docs).
	// CORS preflight requests always bypass.
	Skip []string
}

// Auth returns a middleware that authenticates the caller or aborts with 401.
func Auth(opts AuthOptions) gin.HandlerFunc {
	secret := []byte(opts.Secret)

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions || skipped(c.Request.URL.Path, opts.Skip) {
			c.Next()
			return
		}

		var (
			uid string
			err error
		)
		if len(secret) == 0 {
			uid = strings.TrimSpace(c.GetHeader(HeaderUserID))
			if uid == "" {
				uid = strings.TrimSpace(c.Query("user_id"))
			}
			if uid == "" {
				err = errors.New("missing " + HeaderUserID)
			}
		} else {
			uid, err = subjectFromToken(bearerToken(c), secret)
		}

		if err != nil {
			LoggerFrom(c).Debug().Err(err).Msg("auth rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "unauthorized",
				"message":    "authentication required",
			})
			return
		}

		c.Set(UserIDKey, uid)
		c.Next()
	}
}

func skipped(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// bearerToken returns the raw JWT from the Authorization header or the
// "token" query parameter.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return strings.TrimSpace(c.Query("token"))
}

// subjectFromToken validates raw as an HS256 token signed with secret and
// returns its subject.
func subjectFromToken(raw string, secret []byte) (string, error) {
	if raw == "" {
		return "", errMissingToken
	}
	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(sub) == "" {
		return "", errNoSubject
	}
	return sub, nil
}

// CurrentUser returns the authenticated user id, or "" when Auth did not run.
func CurrentUser(c *gin.Context) string {
	return userIDFromCtx(c)
}
