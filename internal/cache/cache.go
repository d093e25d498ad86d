// Package cache implements the Redis-backed cache tier that sits in front of
// the durable feature store. Every read error is swallowed into a miss per
// the soft-failure contract of the serving engine; among the data operations
// only Invalidate surfaces errors, since cache invalidation failures must be
// visible to callers. The Ping and Stats health probes also return errors.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arushjasuja/feature-store/internal/codec"
)

// invalidateScanCount bounds how many keys SCAN walks per round-trip during
// pattern invalidation, keeping a single Invalidate call from blocking Redis.
const invalidateScanCount = 200

// Stats summarizes cache tier health counters. No caller in this repository
// reads it, and it is not part of the HTTP wire contract.
type Stats struct {
	KeyCount    int64
	UsedMemory  int64
	HitCount    int64
	MissCount   int64
}

// Tier is the cache-tier contract the serving engine depends on.
type Tier interface {
	// GetMany fetches records for the given keys. The result slice has the
	// same length as keys; a nil entry means miss (key absent or decode
	// failure) rather than a hard error — GetMany itself never returns an
	// error for per-key problems, only for something that prevents it from
	// attempting the read at all (which it also swallows, per the
	// soft-failure contract, returning an all-nil slice instead).
	GetMany(ctx context.Context, keys []string) ([]*codec.Record, error)
	// SetMany stores records with the given TTL. Errors are logged, never
	// returned, so a slow or degraded cache never fails a write path.
	SetMany(ctx context.Context, entries map[string]codec.Record, ttl time.Duration) error
	// Invalidate deletes all keys matching pattern and returns the count
	// removed. Unlike the read/write paths, errors here are surfaced.
	Invalidate(ctx context.Context, pattern string) (int64, error)
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	io.Closer
}

// RedisTier implements Tier over a go-redis client.
type RedisTier struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisTier constructs a RedisTier from a parsed redis.Options, pinging
// once at construction time the way the durable store's Connection does.
func NewRedisTier(opts *redis.Options, logger *slog.Logger) (*RedisTier, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("cache health check failed: %w", err)
	}

	return &RedisTier{client: client, logger: logger}, nil
}

// CacheKey builds the "{entity_id}:{feature_name}" cache key for a single
// entity/feature pair.
func CacheKey(entityID, featureName string) string {
	return entityID + ":" + featureName
}

// InvalidatePattern builds the SCAN pattern used to invalidate every cache
// entry for a given entity.
func InvalidatePattern(entityID string) string {
	return entityID + ":*"
}

// GetMany implements Tier.
func (t *RedisTier) GetMany(ctx context.Context, keys []string) ([]*codec.Record, error) {
	results := make([]*codec.Record, len(keys))

	if len(keys) == 0 {
		return results, nil
	}

	values, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		t.logger.Warn("cache GetMany degraded, treating as miss",
			slog.String("error", err.Error()),
			slog.Int("key_count", len(keys)),
		)

		return results, nil
	}

	for i, v := range values {
		if v == nil {
			continue
		}

		raw, ok := v.(string)
		if !ok {
			continue
		}

		record, err := codec.Decode([]byte(raw))
		if err != nil {
			t.logger.Warn("corrupt cache entry treated as miss",
				slog.String("key", keys[i]),
				slog.String("error", err.Error()),
			)

			continue
		}

		results[i] = &record
	}

	return results, nil
}

// SetMany implements Tier.
func (t *RedisTier) SetMany(ctx context.Context, entries map[string]codec.Record, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}

	_, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, record := range entries {
			encoded, err := codec.Encode(record)
			if err != nil {
				t.logger.Warn("failed to encode record for cache write, skipping key",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)

				continue
			}

			pipe.Set(ctx, key, encoded, ttl)
		}

		return nil
	})
	if err != nil {
		t.logger.Warn("cache SetMany degraded, writes dropped",
			slog.String("error", err.Error()),
			slog.Int("entry_count", len(entries)),
		)
	}

	return nil
}

// Invalidate implements Tier. Unlike GetMany/SetMany, errors here propagate.
func (t *RedisTier) Invalidate(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)

	for {
		keys, nextCursor, err := t.client.Scan(ctx, cursor, pattern, invalidateScanCount).Result()
		if err != nil {
			return removed, fmt.Errorf("cache invalidate scan failed: %w", err)
		}

		if len(keys) > 0 {
			n, err := t.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("cache invalidate delete failed: %w", err)
			}

			removed += n
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return removed, nil
}

// Ping checks cache reachability.
func (t *RedisTier) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache ping failed: %w", err)
	}

	return nil
}

// Stats reports cache tier health counters, supplementing the original
// Python implementation's get_stats()/hit_rate reporting.
func (t *RedisTier) Stats(ctx context.Context) (Stats, error) {
	dbSize, err := t.client.DBSize(ctx).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats dbsize failed: %w", err)
	}

	info, err := t.client.Info(ctx, "memory", "stats").Result()
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats info failed: %w", err)
	}

	stats := Stats{KeyCount: dbSize}
	stats.UsedMemory = parseInfoInt(info, "used_memory:")
	stats.HitCount = parseInfoInt(info, "keyspace_hits:")
	stats.MissCount = parseInfoInt(info, "keyspace_misses:")

	return stats, nil
}

// Close implements io.Closer.
func (t *RedisTier) Close() error {
	if err := t.client.Close(); err != nil {
		return fmt.Errorf("cache close failed: %w", err)
	}

	return nil
}

func parseInfoInt(info, prefix string) int64 {
	idx := strings.Index(info, prefix)
	if idx == -1 {
		return 0
	}

	rest := info[idx+len(prefix):]

	end := strings.IndexAny(rest, "\r\n")
	if end == -1 {
		end = len(rest)
	}

	var value int64

	_, err := fmt.Sscanf(rest[:end], "%d", &value)
	if err != nil {
		return 0
	}

	return value
}
