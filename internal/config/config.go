// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server settings such as
// timeouts, logging, database, rate limiting, realtime and observability, and the
// messenger client settings used by the coordinator.
package config

import (
	"errors"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "marketplace-messaging")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the gorm dialector and its connection string.
type DBConfig struct {
	Driver string // sqlite|postgres|mysql
	DSN    string // postgres/mysql DSN
	Path   string // SQLite path

	MaxOpenConns int // pool size; idle connections match it
}

// BrokerConfig configures the AMQP event fan-out. Empty URL disables it.
type BrokerConfig struct {
	URL      string
	Exchange string
}

// RealtimeConfig configures the WebSocket hub.
type RealtimeConfig struct {
	PingInterval time.Duration
	SendBuffer   int
}

// Config holds all configuration values for the server.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DB DBConfig

	// Messaging
	MaxMessageLen int // runes

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)
	RedisURL  string  // when set, the limiter is shared through Redis

	// Auth
	JWTSecret string // HS256 secret; empty enables the X-User-ID dev fallback

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Event fan-out and push
	Broker   BrokerConfig
	Realtime RealtimeConfig

	// Observability
	OTEL OTELConfig
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			DSN:    getenv("DB_DSN", ""),
			Path:   getenv("DB_PATH", "messaging.db"),

			MaxOpenConns: getint("DB_MAX_OPEN_CONNS", 10),
		},

		MaxMessageLen: getint("MAX_MESSAGE_LEN", 4000),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),
		RedisURL:  getenv("REDIS_URL", ""),

		JWTSecret: getenv("JWT_SECRET", ""),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Broker: BrokerConfig{
			URL:      getenv("AMQP_URL", ""),
			Exchange: getenv("AMQP_EXCHANGE", "messaging.events"),
		},
		Realtime: RealtimeConfig{
			PingInterval: getdur("WS_PING_INTERVAL", 30*time.Second),
			SendBuffer:   getint("WS_SEND_BUFFER", 64),
		},

		// Observability (OpenTelemetry)
		OTEL: loadOTEL("marketplace-messaging"),
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = "postgres"
	}

	return cfg, cfg.validate()
}

// validate reports every invalid setting at once so a misconfigured
// deployment can be fixed in one pass.
func (c Config) validate() error {
	var v validator
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		v.fail("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	v.check(strings.TrimSpace(c.Port) != "", "PORT must not be empty")
	v.check(c.ReadTimeout > 0 && c.ReadHeaderTimeout > 0 && c.WriteTimeout > 0 && c.IdleTimeout > 0,
		"timeouts must be positive durations")
	v.check(c.MaxHeaderBytes > 0, "MAX_HEADER_BYTES must be > 0")
	switch c.DB.Driver {
	case "sqlite":
		v.check(strings.TrimSpace(c.DB.Path) != "", "DB_PATH must not be empty")
	case "postgres", "mysql":
		v.check(strings.TrimSpace(c.DB.DSN) != "", "DB_DSN must be set for postgres/mysql")
	default:
		v.fail("DB_DRIVER must be one of: sqlite, postgres, mysql")
	}
	v.check(c.DB.MaxOpenConns >= 1, "DB_MAX_OPEN_CONNS must be >= 1")
	v.check(c.MaxMessageLen >= 1, "MAX_MESSAGE_LEN must be >= 1")
	v.check(c.RateRPS >= 0, "RATE_RPS must be >= 0")
	v.check(c.RateBurst >= 1, "RATE_BURST must be >= 1")
	v.check(c.Security.HSTSMaxAge >= 0, "HSTS_MAX_AGE must be >= 0")
	v.check(c.IdempotencyTTL > 0, "IDEMPOTENCY_TTL must be > 0")
	v.check(c.Realtime.PingInterval > 0, "WS_PING_INTERVAL must be > 0")
	v.check(c.Realtime.SendBuffer >= 1, "WS_SEND_BUFFER must be >= 1")
	v.add(c.OTEL.validate())
	return v.err()
}

// loadOTEL reads the OTEL_* keys shared by the server and the messenger.
func loadOTEL(defaultService string) OTELConfig {
	return OTELConfig{
		Enabled:     getbool("OTEL_ENABLED", false),
		Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
		ServiceName: getenv("OTEL_SERVICE_NAME", defaultService),
		SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
	}
}

func (o OTELConfig) validate() error {
	if o.SampleRatio < 0 || o.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
