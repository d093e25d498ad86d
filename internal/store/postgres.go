package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/arushjasuja/feature-store/internal/codec"
)

// PostgresStore implements FeatureStore over a pooled *sql.DB.
type PostgresStore struct {
	conn *Connection
}

// NewPostgresStore wraps an existing Connection as a FeatureStore.
func NewPostgresStore(conn *Connection) *PostgresStore {
	return &PostgresStore{conn: conn}
}

// GetFeatures issues the point-in-time correct lookup: for every
// (entity, feature) pair it returns the most recent value at or before
// asOf. Ties on timestamp are broken by the highest feature_id, which is
// a deterministic, if arbitrary, tie-break — the durable store does not
// promise a secondary ordering beyond recency.
func (s *PostgresStore) GetFeatures(
	ctx context.Context,
	entityIDs, featureNames []string,
	asOf time.Time,
) (map[string]map[string]FeatureRow, error) {
	const query = `
		SELECT DISTINCT ON (fv.entity_id, f.name)
			fv.entity_id, f.name, fv.value, fv.timestamp, fv.metadata
		FROM feature_values fv
		JOIN features f ON f.id = fv.feature_id
		WHERE fv.entity_id = ANY($1) AND f.name = ANY($2) AND fv.timestamp <= $3
		ORDER BY fv.entity_id, f.name, fv.timestamp DESC, fv.feature_id DESC`

	rows, err := s.conn.QueryContext(ctx, query, pq.Array(entityIDs), pq.Array(featureNames), asOf)
	if err != nil {
		return nil, wrapStoreErr(ctx, err)
	}
	defer rows.Close()

	result := make(map[string]map[string]FeatureRow, len(entityIDs))

	for rows.Next() {
		var (
			entityID, featureName string
			valueJSON, metaJSON   []byte
			timestamp             time.Time
		)

		if err := rows.Scan(&entityID, &featureName, &valueJSON, &timestamp, &metaJSON); err != nil {
			return nil, fmt.Errorf("%w: scanning feature row: %v", ErrStoreUnavailable, err)
		}

		value, err := decodeValueJSON(valueJSON)
		if err != nil {
			return nil, err
		}

		metadata, err := decodeMetadataJSON(metaJSON)
		if err != nil {
			return nil, err
		}

		if result[entityID] == nil {
			result[entityID] = make(map[string]FeatureRow)
		}

		result[entityID][featureName] = FeatureRow{
			EntityID:    entityID,
			FeatureName: featureName,
			Value:       value,
			Timestamp:   timestamp,
			Metadata:    metadata,
		}
	}

	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(ctx, err)
	}

	return result, nil
}

// WriteFeatures commits the batch inside a single transaction, one
// INSERT ... ON CONFLICT DO UPDATE per row, so the caller gets all-or-nothing
// semantics and writing the same (feature, entity, timestamp) twice overwrites
// rather than duplicates.
func (s *PostgresStore) WriteFeatures(ctx context.Context, batch []WriteRequest) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapStoreErr(ctx, err)
	}

	const upsert = `
		INSERT INTO feature_values (feature_id, entity_id, timestamp, value, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (feature_id, entity_id, timestamp)
		DO UPDATE SET value = EXCLUDED.value, metadata = EXCLUDED.metadata`

	for _, req := range batch {
		valueJSON, err := json.Marshal(encodeValueJSON(req.Value))
		if err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("%w: encoding value: %v", ErrWriteFailed, err)
		}

		metaJSON, err := json.Marshal(req.Metadata)
		if err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("%w: encoding metadata: %v", ErrWriteFailed, err)
		}

		if _, err := tx.ExecContext(ctx, upsert, req.FeatureID, req.EntityID, req.Timestamp, valueJSON, metaJSON); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing batch: %v", ErrWriteFailed, err)
	}

	return nil
}

// GetFeatureHistory returns every recorded value for one entity/feature pair
// within [start, end], ordered oldest first.
func (s *PostgresStore) GetFeatureHistory(
	ctx context.Context,
	entityID, featureName string,
	start, end time.Time,
) ([]FeatureRow, error) {
	const query = `
		SELECT fv.entity_id, f.name, fv.value, fv.timestamp, fv.metadata
		FROM feature_values fv
		JOIN features f ON f.id = fv.feature_id
		WHERE fv.entity_id = $1 AND f.name = $2 AND fv.timestamp BETWEEN $3 AND $4
		ORDER BY fv.timestamp ASC`

	rows, err := s.conn.QueryContext(ctx, query, entityID, featureName, start, end)
	if err != nil {
		return nil, wrapStoreErr(ctx, err)
	}
	defer rows.Close()

	var history []FeatureRow

	for rows.Next() {
		var (
			rowEntityID, rowFeatureName string
			valueJSON, metaJSON         []byte
			timestamp                   time.Time
		)

		if err := rows.Scan(&rowEntityID, &rowFeatureName, &valueJSON, &timestamp, &metaJSON); err != nil {
			return nil, fmt.Errorf("%w: scanning history row: %v", ErrStoreUnavailable, err)
		}

		value, err := decodeValueJSON(valueJSON)
		if err != nil {
			return nil, err
		}

		metadata, err := decodeMetadataJSON(metaJSON)
		if err != nil {
			return nil, err
		}

		history = append(history, FeatureRow{
			EntityID:    rowEntityID,
			FeatureName: rowFeatureName,
			Value:       value,
			Timestamp:   timestamp,
			Metadata:    metadata,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(ctx, err)
	}

	return history, nil
}

// HealthCheck delegates to the underlying connection.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.conn.Close()
}

// wrapStoreErr classifies a database/sql error: context deadline/cancel and
// pool exhaustion surface as ErrStoreUnavailable so the serving engine can
// map them to a 503 when the cache didn't already cover the request.
func wrapStoreErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// jsonValue is the JSONB-friendly tagged representation of a codec.FeatureValue.
type jsonValue struct {
	Kind    string   `json:"kind"`
	Float64 *float64 `json:"float64,omitempty"`
	Int64   *int64   `json:"int64,omitempty"`
	String  *string  `json:"string,omitempty"`
	Bool    *bool    `json:"bool,omitempty"`
}

func encodeValueJSON(v codec.FeatureValue) jsonValue {
	switch v.Kind {
	case codec.KindFloat64:
		f := v.Float64

		return jsonValue{Kind: "float64", Float64: &f}
	case codec.KindInt64:
		i := v.Int64

		return jsonValue{Kind: "int64", Int64: &i}
	case codec.KindString:
		s := v.String

		return jsonValue{Kind: "string", String: &s}
	case codec.KindBool:
		b := v.Bool

		return jsonValue{Kind: "bool", Bool: &b}
	default:
		return jsonValue{Kind: "null"}
	}
}

func decodeValueJSON(raw []byte) (codec.FeatureValue, error) {
	var jv jsonValue
	if err := json.Unmarshal(raw, &jv); err != nil {
		return codec.FeatureValue{}, fmt.Errorf("%w: decoding stored value: %v", ErrStoreUnavailable, err)
	}

	switch jv.Kind {
	case "float64":
		if jv.Float64 == nil {
			return codec.FeatureValue{}, fmt.Errorf("%w: missing float64 payload", ErrStoreUnavailable)
		}

		return codec.Float64Value(*jv.Float64), nil
	case "int64":
		if jv.Int64 == nil {
			return codec.FeatureValue{}, fmt.Errorf("%w: missing int64 payload", ErrStoreUnavailable)
		}

		return codec.Int64Value(*jv.Int64), nil
	case "string":
		if jv.String == nil {
			return codec.FeatureValue{}, fmt.Errorf("%w: missing string payload", ErrStoreUnavailable)
		}

		return codec.StringValue(*jv.String), nil
	case "bool":
		if jv.Bool == nil {
			return codec.FeatureValue{}, fmt.Errorf("%w: missing bool payload", ErrStoreUnavailable)
		}

		return codec.BoolValue(*jv.Bool), nil
	case "null":
		return codec.NullValue(), nil
	default:
		return codec.FeatureValue{}, fmt.Errorf("%w: unknown value kind %q", ErrStoreUnavailable, jv.Kind)
	}
}

func decodeMetadataJSON(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return map[string]string{}, nil
	}

	metadata := make(map[string]string)
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("%w: decoding stored metadata: %v", ErrStoreUnavailable, err)
	}

	return metadata, nil
}
