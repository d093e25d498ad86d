package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/arushjasuja/feature-store/internal/codec"
)

const postgresDriver = "postgres"

// Errors surfaced by the durable store. The serving engine maps these onto
// the ValidationError/StoreUnavailable/WriteFailed taxonomy.
var (
	// ErrStoreUnavailable indicates the store could not serve a request —
	// pool exhaustion, connection failure, or command timeout.
	ErrStoreUnavailable = errors.New("feature store unavailable")
	// ErrWriteFailed indicates a write batch could not be committed.
	ErrWriteFailed = errors.New("feature write failed")
)

// FeatureRow is a single point-in-time feature value as stored durably.
type FeatureRow struct {
	EntityID    string
	FeatureName string
	Value       codec.FeatureValue
	Timestamp   time.Time
	Metadata    map[string]string
}

// WriteRequest is a single upsert in a write batch.
type WriteRequest struct {
	FeatureID   int64
	FeatureName string
	EntityID    string
	Timestamp   time.Time
	Value       codec.FeatureValue
	Metadata    map[string]string
}

// FeatureStore is the durable, point-in-time-correct store the serving
// engine falls back to on a cache miss, and the target of every write.
type FeatureStore interface {
	// GetFeatures returns, for each requested entity, the latest value as of
	// asOf for each requested feature name. Missing entity/feature pairs are
	// simply absent from the result map.
	GetFeatures(
		ctx context.Context,
		entityIDs, featureNames []string,
		asOf time.Time,
	) (map[string]map[string]FeatureRow, error)
	// WriteFeatures commits a batch of feature values idempotently: writing
	// the same (featureID, entityID, timestamp) twice overwrites rather than
	// duplicates.
	WriteFeatures(ctx context.Context, batch []WriteRequest) error
	// GetFeatureHistory returns every recorded value for one entity/feature
	// pair within [start, end], ordered oldest first.
	GetFeatureHistory(
		ctx context.Context,
		entityID, featureName string,
		start, end time.Time,
	) ([]FeatureRow, error)
	HealthCheck(ctx context.Context) error
	io.Closer
}

// Connection wraps *sql.DB with the durable store's pool configuration.
// The registry opens its own separate pool (see registry.Open).
type Connection struct {
	*sql.DB
}

// NewConnection opens a pooled Postgres connection and verifies reachability
// with a bounded health check before returning.
func NewConnection(cfg *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: health check failed: %v", ErrStoreUnavailable, err)
	}

	return &Connection{db}, nil
}

// HealthCheck pings the pool using ctx; a nil ctx gets a 5-second timeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err := c.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return nil
}

// Close closes the connection pool gracefully.
func (c *Connection) Close() error {
	return c.DB.Close()
}
