package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fanout/smartfeed/pkg/api/handlers"
	"github.com/fanout/smartfeed/pkg/config"
	"github.com/fanout/smartfeed/pkg/feed"
	redisadapter "github.com/fanout/smartfeed/pkg/feed/adapters/redis"
	"github.com/fanout/smartfeed/pkg/logger"
	"github.com/fanout/smartfeed/pkg/realtime/grip"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// AppConfig is the service configuration, loaded from the environment.
type AppConfig struct {
	Addr string `env:"ADDR" env-default:":8080"`

	RedisAddr     string `env:"REDIS_ADDR" env-default:"localhost:6379" validate:"required"`
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	// KeyPrefix namespaces every storage key.
	KeyPrefix string `env:"FEED_KEY_PREFIX" env-default:""`

	// GripPrefix namespaces every proxy channel.
	GripPrefix string `env:"GRIP_PREFIX" env-default:""`

	// GripConfig is a JSON array of proxy entries:
	// [{"control_uri": "...", "control_iss": "...", "key": "..."}]
	GripConfig string `env:"GRIP_CONFIG" env-default:""`

	// ExpiryBases lists bases whose expired items are reclaimed in the
	// background, comma separated. Empty disables the expiry worker.
	ExpiryBases string        `env:"FEED_EXPIRY_BASES" env-default:""`
	ExpiryTTL   time.Duration `env:"FEED_EXPIRY_TTL" env-default:"120s"`

	Log logger.Config
}

func main() {
	var cfg AppConfig
	if err := config.Load(&cfg); err != nil {
		log.Fatal(err)
	}
	logger.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.L().ErrorContext(ctx, "failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
		return
	}
	defer client.Close()

	var gripEntries []grip.ConfigEntry
	if cfg.GripConfig != "" {
		if err := json.Unmarshal([]byte(cfg.GripConfig), &gripEntries); err != nil {
			logger.L().ErrorContext(ctx, "invalid GRIP_CONFIG", "error", err)
			return
		}
	}

	pubSet := grip.NewPubControlSet()
	pubSet.ApplyConfig(gripEntries)

	formatter := feed.DefaultFormatter{}
	publisher := grip.NewPublisher(pubSet, cfg.GripPrefix, formatter)
	store := redisadapter.New(client, redisadapter.Config{Prefix: cfg.KeyPrefix}, publisher)
	svc := feed.NewService(store, publisher)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware("smartfeed"))
	handlers.New(svc, formatter, cfg.GripPrefix, gripEntries).Register(e)

	if cfg.ExpiryBases != "" {
		go runExpiry(ctx, svc, strings.Split(cfg.ExpiryBases, ","), cfg.ExpiryTTL)
	}

	go func() {
		if err := e.Start(cfg.Addr); err != nil && err != http.ErrServerClosed {
			logger.L().Error("server stopped", "error", err)
			stop()
		}
	}()
	logger.L().InfoContext(ctx, "smartfeed started", "addr", cfg.Addr)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.L().Error("server shutdown failed", "error", err)
	}

	// flush queued publishes before exit
	pubSet.Close()
}

// runExpiry periodically reclaims expired tombstones for the configured
// bases.
func runExpiry(ctx context.Context, svc *feed.Service, bases []string, ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, base := range bases {
				base = strings.TrimSpace(base)
				if base == "" {
					continue
				}
				cleared, err := svc.ClearExpired(ctx, base, ttl, true)
				if err != nil {
					logger.L().ErrorContext(ctx, "expiry pass failed", "base", base, "error", err)
					continue
				}
				if cleared > 0 {
					logger.L().InfoContext(ctx, "expired items cleared", "base", base, "count", cleared)
				}
			}
		}
	}
}
