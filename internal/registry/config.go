package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/arushjasuja/feature-store/internal/config"
)

// Registry pool defaults are intentionally smaller than the durable store's:
// schema lookups are infrequent compared to feature reads.
const (
	defaultMaxOpenConns    = 5
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 30 * time.Minute
)

// Config holds the registry's own PostgreSQL connection configuration.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// LoadConfig loads registry configuration from the environment. It falls
// back to DATABASE_URL when REGISTRY_DATABASE_URL isn't set, since the
// registry commonly shares a database with the durable store but keeps its
// own small pool against it.
func LoadConfig() Config {
	databaseURL := config.GetEnvStr("REGISTRY_DATABASE_URL", config.GetEnvStr("DATABASE_URL", ""))

	return Config{
		DatabaseURL:     databaseURL,
		MaxOpenConns:    config.GetEnvInt("REGISTRY_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("REGISTRY_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: defaultConnMaxLifetime,
	}
}

// Open opens and pings a dedicated connection pool for the registry.
func Open(cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	return db, nil
}
