// Package registry implements the feature schema catalog: the source of
// truth for a feature's name, version, declared type, owning entity type,
// and cache TTL.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/lib/pq"
)

// ErrRegistryUnavailable indicates the registry could not serve a request.
var ErrRegistryUnavailable = errors.New("feature registry unavailable")

// ErrFeatureNotFound indicates no schema matches the requested name/version.
var ErrFeatureNotFound = errors.New("feature not found")

// ErrInvalidSchema indicates a schema failed validation before being
// persisted. See ValidateSchema for the checked constraints.
var ErrInvalidSchema = errors.New("invalid feature schema")

// validDtypes are the feature value kinds the serving engine understands.
var validDtypes = map[string]bool{
	"float64": true,
	"int64":   true,
	"string":  true,
	"bool":    true,
}

// ValidateSchema enforces the constraints a registered schema must satisfy:
// a non-empty name no longer than 255 characters, a dtype the engine can
// encode, a version counting from 1, and a cache TTL of at least an hour.
// Callers (the HTTP handler and every Registry implementation) should run
// this before persisting a schema.
func ValidateSchema(s Schema) error {
	switch {
	case len(s.Name) == 0 || len(s.Name) > 255:
		return fmt.Errorf("%w: name must be between 1 and 255 characters", ErrInvalidSchema)
	case !validDtypes[s.Dtype]:
		return fmt.Errorf("%w: dtype must be one of float64, int64, string, bool", ErrInvalidSchema)
	case s.Version < 1:
		return fmt.Errorf("%w: version must be >= 1", ErrInvalidSchema)
	case s.TTLHours < 1:
		return fmt.Errorf("%w: ttl_hours must be >= 1", ErrInvalidSchema)
	default:
		return nil
	}
}

// Schema is a single feature's registered definition.
type Schema struct {
	ID          int64
	Name        string
	Version     int
	Dtype       string
	EntityType  string
	TTLHours    int
	Description string
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Registry is the feature schema catalog.
type Registry interface {
	// Register creates or updates a feature schema. Calling Register again
	// with the same (name, version) updates the existing row rather than
	// creating a duplicate.
	Register(ctx context.Context, s Schema) (id int64, createdAt time.Time, err error)
	// GetFeature looks up a schema by name. If version is nil, the newest
	// registered version for that name is returned.
	GetFeature(ctx context.Context, name string, version *int) (*Schema, error)
	// GetFeatureByID looks up a schema by its registry id.
	GetFeatureByID(ctx context.Context, id int64) (*Schema, error)
	// ListFeatures lists every registered schema, optionally filtered by
	// entity type.
	ListFeatures(ctx context.Context, entityType string) ([]Schema, error)
	HealthCheck(ctx context.Context) error
	io.Closer
}

// PostgresRegistry implements Registry over its own connection pool,
// deliberately separate from the durable store's pool (see Config).
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry wraps an already-opened *sql.DB as a Registry.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// Register implements Registry.Register as a single upsert.
func (r *PostgresRegistry) Register(ctx context.Context, s Schema) (int64, time.Time, error) {
	if err := ValidateSchema(s); err != nil {
		return 0, time.Time{}, err
	}

	const upsert = `
		INSERT INTO features (name, version, dtype, entity_type, ttl_hours, description, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name, version)
		DO UPDATE SET
			dtype = EXCLUDED.dtype,
			entity_type = EXCLUDED.entity_type,
			ttl_hours = EXCLUDED.ttl_hours,
			description = EXCLUDED.description,
			tags = EXCLUDED.tags,
			updated_at = now()
		RETURNING id, created_at`

	var (
		id        int64
		createdAt time.Time
	)

	err := r.db.QueryRowContext(ctx, upsert,
		s.Name, s.Version, s.Dtype, s.EntityType, s.TTLHours, s.Description, pq.Array(s.Tags),
	).Scan(&id, &createdAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	return id, createdAt, nil
}

// GetFeature implements Registry.GetFeature.
func (r *PostgresRegistry) GetFeature(ctx context.Context, name string, version *int) (*Schema, error) {
	var (
		row *sql.Row
	)

	if version != nil {
		row = r.db.QueryRowContext(ctx, `
			SELECT id, name, version, dtype, entity_type, ttl_hours, description, tags, created_at, updated_at
			FROM features WHERE name = $1 AND version = $2`, name, *version)
	} else {
		row = r.db.QueryRowContext(ctx, `
			SELECT id, name, version, dtype, entity_type, ttl_hours, description, tags, created_at, updated_at
			FROM features WHERE name = $1 ORDER BY version DESC LIMIT 1`, name)
	}

	return scanSchema(row)
}

// GetFeatureByID implements Registry.GetFeatureByID.
func (r *PostgresRegistry) GetFeatureByID(ctx context.Context, id int64) (*Schema, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, version, dtype, entity_type, ttl_hours, description, tags, created_at, updated_at
		FROM features WHERE id = $1`, id)

	return scanSchema(row)
}

// ListFeatures implements Registry.ListFeatures.
func (r *PostgresRegistry) ListFeatures(ctx context.Context, entityType string) ([]Schema, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if entityType != "" {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, name, version, dtype, entity_type, ttl_hours, description, tags, created_at, updated_at
			FROM features WHERE entity_type = $1 ORDER BY name, version`, entityType)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, name, version, dtype, entity_type, ttl_hours, description, tags, created_at, updated_at
			FROM features ORDER BY name, version`)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	defer rows.Close()

	var schemas []Schema

	for rows.Next() {
		var s Schema

		if err := rows.Scan(
			&s.ID, &s.Name, &s.Version, &s.Dtype, &s.EntityType, &s.TTLHours,
			&s.Description, pq.Array(&s.Tags), &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
		}

		schemas = append(schemas, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	return schemas, nil
}

// HealthCheck pings the registry's connection pool.
func (r *PostgresRegistry) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	return nil
}

// Close closes the registry's connection pool.
func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}

func scanSchema(row *sql.Row) (*Schema, error) {
	var s Schema

	err := row.Scan(
		&s.ID, &s.Name, &s.Version, &s.Dtype, &s.EntityType, &s.TTLHours,
		&s.Description, pq.Array(&s.Tags), &s.CreatedAt, &s.UpdatedAt,
	)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrFeatureNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	return &s, nil
}
