package serving

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/arushjasuja/feature-store/internal/cache"
	"github.com/arushjasuja/feature-store/internal/codec"
	"github.com/arushjasuja/feature-store/internal/registry"
	"github.com/arushjasuja/feature-store/internal/store"
)

// Source attributes where an online read's values came from.
type Source string

// Source values, the superset settled on for the read response: a request
// that is served entirely from the cache is "cache", entirely from the
// durable store is "database", and a request straddling both a cache hit for
// some features and a store lookup for others is "mixed".
const (
	SourceCache    Source = "cache"
	SourceDatabase Source = "database"
	SourceMixed    Source = "mixed"
)

// backfillTimeout bounds the best-effort cache warm-up dispatched after a
// store fallback; it never blocks the response.
const backfillTimeout = 2 * time.Second

// OnlineResponse is the result of a single-entity online read.
type OnlineResponse struct {
	EntityID  string
	Values    map[string]codec.FeatureValue
	Freshness map[string]float64 // seconds since the value was written, per feature
	Source    Source
}

// BatchResponse is the result of a point-in-time-correct batch read.
type BatchResponse struct {
	Results map[string]map[string]codec.FeatureValue
	AsOf    time.Time
}

// WriteRequest is a single idempotent upsert accepted by the write path.
// FeatureID must already be resolved by the caller (the HTTP handler or the
// streaming ingester) — the write path intentionally does not cross-check
// against the registry on every row, trading that safety net for batch
// write throughput.
type WriteRequest struct {
	FeatureID   int64
	FeatureName string
	EntityID    string
	Timestamp   time.Time
	Value       codec.FeatureValue
	Metadata    map[string]string
}

// Engine orchestrates the cache-first online read, the cache-bypassing
// batch read, cache invalidation, and the durable write path.
type Engine struct {
	cache    cache.Tier
	store    store.FeatureStore
	registry registry.Registry // optional: enables the dtype integrity warning on write
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewEngine constructs a serving Engine. reg may be nil to disable the
// optional dtype integrity check on write.
func NewEngine(c cache.Tier, s store.FeatureStore, reg registry.Registry, cacheTTL time.Duration, logger *slog.Logger) *Engine {
	return &Engine{cache: c, store: s, registry: reg, cacheTTL: cacheTTL, logger: logger}
}

// OnlineRead serves a single entity's requested features cache-first,
// falling back to the durable store only for the features the cache
// missed, and backfilling the cache for those with a best-effort,
// response-independent goroutine.
func (e *Engine) OnlineRead(ctx context.Context, entityID string, featureNames []string) (OnlineResponse, error) {
	if entityID == "" || len(featureNames) == 0 {
		return OnlineResponse{}, newError(KindValidation, fmt.Errorf("%w: entity_id and feature_names are required", ErrValidation))
	}

	keys := make([]string, len(featureNames))
	for i, name := range featureNames {
		keys[i] = cache.CacheKey(entityID, name)
	}

	records, err := e.cache.GetMany(ctx, keys)
	if err != nil {
		// Tier implementations are expected to swallow their own errors into
		// an all-nil slice, but defend here too so a future Tier can't turn a
		// cache hiccup into a hard failure.
		e.logger.Warn("cache tier returned an error from GetMany, treating as all-miss",
			slog.String("error", err.Error()),
			slog.String("entity_id", entityID),
		)
		records = make([]*codec.Record, len(keys))
	}

	values := make(map[string]codec.FeatureValue, len(featureNames))
	freshness := make(map[string]float64, len(featureNames))

	var missing []string

	now := time.Now()
	cacheHits := 0

	for i, name := range featureNames {
		if records[i] == nil {
			missing = append(missing, name)

			continue
		}

		values[name] = records[i].Value
		freshness[name] = math.Max(0, now.Sub(time.Unix(0, records[i].TimestampUnixNano)).Seconds())
		cacheHits++
	}

	if len(missing) == 0 {
		return OnlineResponse{EntityID: entityID, Values: values, Freshness: freshness, Source: SourceCache}, nil
	}

	rows, storeErr := e.store.GetFeatures(ctx, []string{entityID}, missing, now)
	if storeErr != nil {
		if cacheHits > 0 {
			// Partial cache coverage masks the store outage: return what the
			// cache had rather than failing the whole request.
			e.logger.Warn("store fallback failed but cache partially covered the request",
				slog.String("error", storeErr.Error()),
				slog.String("entity_id", entityID),
			)

			return OnlineResponse{EntityID: entityID, Values: values, Freshness: freshness, Source: SourceCache}, nil
		}

		return OnlineResponse{}, newError(KindStoreUnavailable, storeErr)
	}

	entityRows := rows[entityID]

	backfill := make(map[string]codec.Record, len(missing))

	for _, name := range missing {
		row, ok := entityRows[name]
		if !ok {
			continue
		}

		values[name] = row.Value
		freshness[name] = math.Max(0, now.Sub(row.Timestamp).Seconds())
		backfill[cache.CacheKey(entityID, name)] = codec.Record{
			Value:             row.Value,
			TimestampUnixNano: row.Timestamp.UnixNano(),
			Metadata:          row.Metadata,
		}
	}

	if len(backfill) > 0 {
		e.backfillAsync(backfill)
	}

	source := SourceDatabase
	if cacheHits > 0 {
		source = SourceMixed
	}

	return OnlineResponse{EntityID: entityID, Values: values, Freshness: freshness, Source: source}, nil
}

// backfillAsync warms the cache with freshly-read store values on its own
// goroutine with a short deadline; it never affects the response already
// returned to the caller.
func (e *Engine) backfillAsync(entries map[string]codec.Record) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
		defer cancel()

		if err := e.cache.SetMany(ctx, entries, e.cacheTTL); err != nil {
			e.logger.Warn("cache backfill failed", slog.String("error", err.Error()))
		}
	}()
}

// BatchRead serves a point-in-time-correct read across multiple entities,
// always against the durable store — batch reads bypass the cache tier
// entirely, since a cache tuned for single-entity online lookups offers no
// benefit to a query that already fans out across many entities.
func (e *Engine) BatchRead(
	ctx context.Context,
	entityIDs, featureNames []string,
	asOf *time.Time,
) (BatchResponse, error) {
	if len(entityIDs) == 0 || len(featureNames) == 0 {
		return BatchResponse{}, newError(KindValidation, fmt.Errorf("%w: entity_ids and feature_names are required", ErrValidation))
	}

	effectiveAsOf := time.Now()
	if asOf != nil {
		effectiveAsOf = *asOf
	}

	rows, err := e.store.GetFeatures(ctx, entityIDs, featureNames, effectiveAsOf)
	if err != nil {
		return BatchResponse{}, newError(KindStoreUnavailable, err)
	}

	results := make(map[string]map[string]codec.FeatureValue, len(entityIDs))

	for _, entityID := range entityIDs {
		entityResults := make(map[string]codec.FeatureValue, len(featureNames))

		for name, row := range rows[entityID] {
			entityResults[name] = row.Value
		}

		results[entityID] = entityResults
	}

	return BatchResponse{Results: results, AsOf: effectiveAsOf}, nil
}

// Invalidate evicts every cached value for an entity. Unlike the read path,
// invalidation failures are surfaced rather than swallowed: a caller asking
// to invalidate needs to know whether it actually happened.
func (e *Engine) Invalidate(ctx context.Context, entityID string) (int64, error) {
	if entityID == "" {
		return 0, newError(KindValidation, fmt.Errorf("%w: entity_id is required", ErrValidation))
	}

	removed, err := e.cache.Invalidate(ctx, cache.InvalidatePattern(entityID))
	if err != nil {
		return 0, newError(KindStoreUnavailable, err)
	}

	return removed, nil
}

// WriteFeatures commits a batch of feature values idempotently. When a
// registry is configured, a row whose value kind doesn't match the
// registered dtype is logged as a warning and written anyway — the write
// path favors throughput over cross-checking every row against the
// registry.
func (e *Engine) WriteFeatures(ctx context.Context, batch []WriteRequest) error {
	if len(batch) == 0 {
		return newError(KindValidation, fmt.Errorf("%w: batch must not be empty", ErrValidation))
	}

	storeBatch := make([]store.WriteRequest, len(batch))

	for i, req := range batch {
		if req.FeatureID == 0 || req.EntityID == "" {
			return newError(KindValidation, fmt.Errorf("%w: feature_id and entity_id are required for every row", ErrValidation))
		}

		e.warnOnDtypeMismatch(ctx, req)

		storeBatch[i] = store.WriteRequest{
			FeatureID:   req.FeatureID,
			FeatureName: req.FeatureName,
			EntityID:    req.EntityID,
			Timestamp:   req.Timestamp,
			Value:       req.Value,
			Metadata:    req.Metadata,
		}
	}

	if err := e.store.WriteFeatures(ctx, storeBatch); err != nil {
		return newError(KindWriteFailed, err)
	}

	return nil
}

func (e *Engine) warnOnDtypeMismatch(ctx context.Context, req WriteRequest) {
	if e.registry == nil || req.FeatureName == "" {
		return
	}

	schema, err := e.registry.GetFeatureByID(ctx, req.FeatureID)
	if err != nil {
		return
	}

	if !dtypeMatches(schema.Dtype, req.Value.Kind) {
		e.logger.Warn("feature value kind does not match registered dtype",
			slog.String("feature_name", req.FeatureName),
			slog.String("registered_dtype", schema.Dtype),
			slog.String("entity_id", req.EntityID),
		)
	}
}

func dtypeMatches(dtype string, kind codec.Kind) bool {
	switch dtype {
	case "float64":
		return kind == codec.KindFloat64
	case "int64":
		return kind == codec.KindInt64
	case "string":
		return kind == codec.KindString
	case "bool":
		return kind == codec.KindBool
	default:
		return true
	}
}
