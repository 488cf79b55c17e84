// Package httpapi wires the messaging HTTP surface (Gin) to the conversation,
// message and notification services and to the WebSocket push hub.
//
// The middleware order is fixed: tracing and request ids come first so every
// later log line and error envelope is correlated, and CORS precedes Auth so
// browser clients can read 401 and 429 responses.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-marketplace-messaging/docs"
	"github.com/tbourn/go-marketplace-messaging/internal/config"
	"github.com/tbourn/go-marketplace-messaging/internal/http/handlers"
	"github.com/tbourn/go-marketplace-messaging/internal/http/middleware"
	"github.com/tbourn/go-marketplace-messaging/internal/repo"
	"github.com/tbourn/go-marketplace-messaging/internal/services"
)

// Deps are the runtime collaborators the router binds handlers to.
type Deps struct {
	DB *gorm.DB

	// Hub accepts upgraded WebSocket connections.
	Hub handlers.PushHub

	// Events receives committed message/notification events (hub or relay,
	// plus the AMQP sink). Nil disables fan-out.
	Events services.EventSink

	// Redis, when non-nil, backs the shared rate limiter.
	Redis redis.UniversalClient

	// Clock drives idempotency expiry; nil means the real clock.
	Clock clockwork.Clock
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), CORS and security
// headers, authentication, idempotency and rate limiting, health and metrics
// endpoints, and then mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers (before auth so 401/429 stay readable)
//  8. Auth: resolve the caller
//  9. Idempotency validator (before rate limiter to allow bypass on replay)
//  10. Rate limiter (per user/IP, bypass on replay)
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	db := deps.DB

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
		QuietPaths:  []string{"/health", "/metrics"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture (safe defaults: allow all if none configured) + security headers
	useCORS(r, cfg.CORS.AllowedOrigins)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:      cfg.Security.EnableHSTS,
		HSTSMaxAge:      cfg.Security.HSTSMaxAge,
		PrivatePrefixes: []string{strings.TrimSuffix(cfg.APIBasePath, "/") + "/"},
		DocsPrefix:      "/swagger/",
	}))

	// 8) Authentication
	r.Use(middleware.Auth(middleware.AuthOptions{
		Secret: cfg.JWTSecret,
		Skip:   []string{"/health", "/metrics", "/swagger/"},
	}))

	// 9) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
			Clock:  deps.Clock,
			Routes: []string{strings.TrimSuffix(cfg.APIBasePath, "/") + "/messages"},
		},
		func(ctx context.Context, userID, key string, now time.Time) (bool, error) {
			rec, err := repo.FindIdempotency(ctx, db, repo.IdemKey{UserID: userID, Scope: services.IdempotencyScopeMessages, Key: key}, now)
			if errors.Is(err, repo.ErrNotFound) {
				return false, nil
			}
			return rec != nil, err
		},
	))

	// 10) Rate limiter per user/IP: shared through Redis when available
	if deps.Redis != nil {
		r.Use(middleware.NewRedisRateLimiter(deps.Redis, cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP()).Handler())
	} else {
		r.Use(middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP()).Handler())
	}

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/events
	msgSvc := &services.MessageService{
		DB:             db,
		Events:         deps.Events,
		MaxTextRunes:   cfg.MaxMessageLen,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Clock:          deps.Clock,
	}
	convSvc := &services.ConversationService{DB: db, Messages: msgSvc}
	notifSvc := &services.NotificationService{DB: db}
	h := handlers.New(convSvc, msgSvc, notifSvc)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		// Conversations
		api.POST("/conversations", h.CreateConversation)
		api.GET("/conversations", h.ListConversations)
		api.POST("/conversations/:id/read", h.MarkConversationRead)

		// Messages
		api.GET("/conversations/:id/messages", h.ListMessages)
		api.POST("/messages", h.SendMessage)

		// Notifications
		api.GET("/notifications", h.ListNotifications)
		api.POST("/notifications/:id/read", h.MarkNotificationRead)
	}

	// Push channel: same prefix, no compression on the upgrade
	if deps.Hub != nil {
		push := groupWithPrefix(r, apiBase)
		push.GET("/ws", handlers.NewWSHandler(deps.Hub, cfg.CORS.AllowedOrigins).Serve)
	}
}

// useCORS installs gin-contrib/cors plus an explicit ACAO writer so the
// header is present even on requests without an Origin.
func useCORS(r *gin.Engine, origins []string) {
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match",
		middleware.HeaderUserID, middleware.HeaderIdempotencyKey,
	}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", middleware.HeaderReplayed}
	methods := []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}

	if len(origins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     methods,
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
		return
	}

	// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	r.Use(func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok {
				h := c.Writer.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
		}
		c.Next()
	})
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     methods,
		AllowHeaders:     allowHeaders,
		ExposeHeaders:    exposeHeaders,
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
