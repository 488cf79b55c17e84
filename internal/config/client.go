package config

import (
	"strings"
	"time"
)

// Client holds the messenger client settings: where the API lives, who the
// local user is, and how the coordinator retries and refreshes.
type Client struct {
	APIURL  string // MESSENGER_API_URL, e.g. http://localhost:8080/api/v1
	WSURL   string // MESSENGER_WS_URL, derived from APIURL when empty
	UserID  string // MESSENGER_USER_ID (dev identity when no token)
	Token   string // MESSENGER_TOKEN (bearer JWT)
	Timeout time.Duration

	MaxRetries    int           // rate-limited attempts before giving up
	BaseDelay     time.Duration // first backoff delay
	MaxDelay      time.Duration // cap for the exponential delay
	MaxRetryAfter time.Duration // clamp for server-supplied Retry-After

	RefreshDelay    time.Duration // conversation list refresh after create/send
	ScrollThreshold float64       // px from bottom that still counts as "at bottom"

	LogLevel  string
	LogPretty bool

	OTEL OTELConfig // client spans, propagated to the API on every request
}

// LoadClient reads the messenger client configuration from the environment.
func LoadClient() (Client, error) {
	c := Client{
		APIURL:  strings.TrimRight(getenv("MESSENGER_API_URL", "http://localhost:8080/api/v1"), "/"),
		WSURL:   getenv("MESSENGER_WS_URL", ""),
		UserID:  getenv("MESSENGER_USER_ID", ""),
		Token:   getenv("MESSENGER_TOKEN", ""),
		Timeout: getdur("MESSENGER_HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:    getint("MESSENGER_MAX_RETRIES", 3),
		BaseDelay:     getdur("MESSENGER_BASE_DELAY", time.Second),
		MaxDelay:      getdur("MESSENGER_MAX_DELAY", 30*time.Second),
		MaxRetryAfter: getdur("MESSENGER_MAX_RETRY_AFTER", 30*time.Second),

		RefreshDelay:    getdur("MESSENGER_REFRESH_DELAY", 500*time.Millisecond),
		ScrollThreshold: getfloat("MESSENGER_SCROLL_THRESHOLD", 150),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "warn")),
		LogPretty: getbool("LOG_PRETTY", true),

		OTEL: loadOTEL("marketplace-messenger"),
	}
	if c.WSURL == "" {
		c.WSURL = DeriveWSURL(c.APIURL)
	}

	var v validator
	v.check(c.APIURL != "", "MESSENGER_API_URL must not be empty")
	v.check(c.Timeout > 0, "MESSENGER_HTTP_TIMEOUT must be > 0")
	v.check(c.MaxRetries >= 1, "MESSENGER_MAX_RETRIES must be >= 1")
	v.check(c.BaseDelay > 0 && c.MaxDelay >= c.BaseDelay, "MESSENGER_BASE_DELAY must be > 0 and <= MESSENGER_MAX_DELAY")
	v.check(c.MaxRetryAfter > 0, "MESSENGER_MAX_RETRY_AFTER must be > 0")
	v.check(c.RefreshDelay >= 0, "MESSENGER_REFRESH_DELAY must be >= 0")
	v.check(c.ScrollThreshold >= 0, "MESSENGER_SCROLL_THRESHOLD must be >= 0")
	v.add(c.OTEL.validate())
	return c, v.err()
}

// DeriveWSURL maps an http(s) API base URL to the ws(s) push endpoint.
func DeriveWSURL(api string) string {
	switch {
	case strings.HasPrefix(api, "https://"):
		return "wss://" + strings.TrimPrefix(api, "https://") + "/ws"
	case strings.HasPrefix(api, "http://"):
		return "ws://" + strings.TrimPrefix(api, "http://") + "/ws"
	}
	return api + "/ws"
}
