// Package main provides the feature store serving API: the HTTP front end
// over the two-tier cache-plus-durable-store read path, the point-in-time
// batch read, the feature registry, and the idempotent write path.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/arushjasuja/feature-store/internal/api"
	"github.com/arushjasuja/feature-store/internal/api/middleware"
	"github.com/arushjasuja/feature-store/internal/cache"
	"github.com/arushjasuja/feature-store/internal/registry"
	"github.com/arushjasuja/feature-store/internal/serving"
	"github.com/arushjasuja/feature-store/internal/store"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "featurestore"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting feature store service",
		slog.String("service", name),
		slog.String("version", version),
	)

	storeConfig := store.LoadConfig()
	if err := storeConfig.Validate(); err != nil {
		logger.Error("invalid durable store configuration", slog.Any("error", err))
		os.Exit(1)
	}

	conn, err := store.NewConnection(storeConfig)
	if err != nil {
		logger.Error("failed to connect to durable store", slog.Any("error", err))
		os.Exit(1)
	}

	cacheConfig := cache.LoadConfig()

	redisOpts, err := cacheConfig.ToRedisOptions()
	if err != nil {
		logger.Error("invalid cache configuration", slog.Any("error", err))
		os.Exit(1)
	}

	cacheTier, err := cache.NewRedisTier(redisOpts, logger)
	if err != nil {
		logger.Error("failed to connect to cache tier", slog.Any("error", err))
		os.Exit(1)
	}

	registryConfig := registry.LoadConfig()

	var reg registry.Registry

	registryDB, err := registry.Open(registryConfig)
	if err != nil {
		logger.Warn("feature registry unavailable - registration/lookup endpoints disabled",
			slog.Any("error", err),
		)
	} else {
		reg = registry.NewPostgresRegistry(registryDB)
	}

	engine := serving.NewEngine(cacheTier, conn, reg, cacheConfig.DefaultTTL, logger)

	rateLimitConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(rateLimitConfig)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	server := api.NewServer(&serverConfig, engine, cacheTier, conn, reg, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("feature store service stopped")
}
