// Command server runs the marketplace messaging API: conversations, message
// delivery, notifications and the WebSocket push channel.
//
//	@title			Marketplace Messaging API
//	@version		1.0
//	@description	Conversations, message delivery, notifications and realtime push between marketplace users.
//	@BasePath		/api/v1
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-marketplace-messaging/internal/broker"
	"github.com/tbourn/go-marketplace-messaging/internal/config"
	httpapi "github.com/tbourn/go-marketplace-messaging/internal/http"
	"github.com/tbourn/go-marketplace-messaging/internal/http/middleware"
	"github.com/tbourn/go-marketplace-messaging/internal/observability"
	"github.com/tbourn/go-marketplace-messaging/internal/realtime"
	"github.com/tbourn/go-marketplace-messaging/internal/repo"
	"github.com/tbourn/go-marketplace-messaging/internal/services"
	"github.com/tbourn/go-marketplace-messaging/internal/sysutil"
)

var version = "dev"

const idempotencyPurgeInterval = 10 * time.Minute

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		sysutil.ConfigureLogger(observability.ComponentAPI, "info", true, nil)
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	sysutil.ConfigureLogger(observability.ComponentAPI, cfg.LogLevel, cfg.LogPretty, nil)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, observability.ComponentAPI)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.Open(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	hub := realtime.NewHub(realtime.HubOptions{
		SendBuffer:   cfg.Realtime.SendBuffer,
		PingInterval: cfg.Realtime.PingInterval,
	})

	// Push goes straight to the local hub unless Redis is configured, in
	// which case the relay carries it to every replica.
	var (
		push  services.EventSink = hub
		rdb   *redis.Client
		relay *realtime.Relay
	)
	if cfg.RedisURL != "" {
		rdb, err = middleware.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using in-memory rate limiter and local push")
			rdb = nil
		} else {
			relay = realtime.NewRelay(rdb, hub)
			if err := relay.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("ws relay disabled")
				relay = nil
			} else {
				push = relay
			}
		}
	}

	publisher := broker.NewPublisher(cfg.Broker.URL, cfg.Broker.Exchange)
	log.Info().
		Str("mode", broker.Mode(publisher)).
		Str("reason", broker.NoopReason(publisher)).
		Msg("event publisher ready")

	deps := httpapi.Deps{
		DB:     db,
		Hub:    hub,
		Events: services.FanOut{push, broker.NewSink(publisher)},
	}
	if rdb != nil {
		deps.Redis = rdb
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, deps, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go purgeIdempotency(ctx, db)

	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("api", cfg.APIBasePath).
			Str("db", cfg.DB.Driver).
			Bool("redis", rdb != nil).
			Bool("swagger", cfg.SwaggerEnabled).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if relay != nil {
		relay.Close()
	}
	if err := publisher.Close(); err != nil {
		log.Warn().Err(err).Msg("close publisher")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
	log.Info().Msg("bye")
}

// purgeIdempotency drops expired Idempotency-Key records until ctx ends.
func purgeIdempotency(ctx context.Context, db *gorm.DB) {
	t := time.NewTicker(idempotencyPurgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("idempotency purge")
			}
		}
	}
}
