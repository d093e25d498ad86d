package cache

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arushjasuja/feature-store/internal/config"
)

const (
	defaultRedisURL         = "redis://localhost:6379/0"
	defaultMaxConnections   = 50
	defaultDefaultTTL       = time.Hour
)

// Config holds Redis cache tier configuration loaded from the environment.
type Config struct {
	RedisURL       string
	MaxConnections int
	DefaultTTL     time.Duration
}

// LoadConfig loads cache configuration from environment variables.
func LoadConfig() Config {
	return Config{
		RedisURL:       config.GetEnvStr("REDIS_URL", defaultRedisURL),
		MaxConnections: config.GetEnvInt("REDIS_MAX_CONNECTIONS", defaultMaxConnections),
		DefaultTTL: time.Duration(
			config.GetEnvInt("CACHE_DEFAULT_TTL_SECONDS", int(defaultDefaultTTL/time.Second)),
		) * time.Second,
	}
}

// ToRedisOptions parses the configured URL into go-redis connection options
// and applies the configured pool size.
func (c Config) ToRedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, err
	}

	opts.PoolSize = c.MaxConnections

	return opts, nil
}
