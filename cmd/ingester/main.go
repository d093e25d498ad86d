// Package main provides the write-path ingester: a Kafka consumer that reads
// already-computed feature tuples from an external streaming pipeline and
// commits them through the serving engine's write path. It is a transport
// adapter only — it does not compute features, it deserializes tuples the
// pipeline already produced and forwards them to WriteFeatures.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/arushjasuja/feature-store/internal/cache"
	"github.com/arushjasuja/feature-store/internal/codec"
	"github.com/arushjasuja/feature-store/internal/config"
	"github.com/arushjasuja/feature-store/internal/registry"
	"github.com/arushjasuja/feature-store/internal/serving"
	"github.com/arushjasuja/feature-store/internal/store"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingester"
)

// writeTuple is the JSON shape the streaming pipeline publishes per row,
// mirroring serving.WriteRequest's fields.
type writeTuple struct {
	FeatureID   int64             `json:"feature_id"`
	FeatureName string            `json:"feature_name"`
	EntityID    string            `json:"entity_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Value       interface{}       `json:"value"`
	Metadata    map[string]string `json:"metadata"`
}

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting ingester", slog.String("service", name), slog.String("version", version))

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
	defer conn.Close()

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
	defer cacheTier.Close()

	var reg registry.Registry

	registryDB, err := registry.Open(registry.LoadConfig())
	if err != nil {
		logger.Warn("feature registry unavailable - dtype mismatch warnings disabled", slog.Any("error", err))
	} else {
		reg = registry.NewPostgresRegistry(registryDB)
	}

	engine := serving.NewEngine(cacheTier, conn, reg, cacheConfig.DefaultTTL, logger)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092"), ","),
		Topic:   config.GetEnvStr("KAFKA_WRITE_TOPIC", "feature-writes"),
		GroupID: config.GetEnvStr("KAFKA_CONSUMER_GROUP", "feature-store-ingester"),
	})
	defer reader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("consuming write batches",
		slog.String("topic", reader.Config().Topic),
		slog.String("group", reader.Config().GroupID),
	)

	if err := consumeLoop(ctx, reader, engine, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ingester stopped with error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("ingester stopped")
}

// consumeLoop reads one Kafka message per iteration, decodes it as a JSON
// batch of write tuples, and commits the batch through the serving engine.
// A batch that fails to decode or write is logged and skipped rather than
// stopping the consumer — one malformed message must not block the topic.
func consumeLoop(ctx context.Context, reader *kafka.Reader, engine *serving.Engine, logger *slog.Logger) error {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return err
			}

			logger.Error("failed to read message", slog.Any("error", err))

			continue
		}

		batch, err := decodeWriteBatch(msg.Value)
		if err != nil {
			logger.Error("failed to decode write batch",
				slog.Any("error", err),
				slog.Int64("offset", msg.Offset),
			)

			continue
		}

		if err := engine.WriteFeatures(ctx, batch); err != nil {
			logger.Error("failed to commit write batch",
				slog.Any("error", err),
				slog.Int("batch_size", len(batch)),
				slog.Int64("offset", msg.Offset),
			)

			continue
		}

		logger.Info("committed write batch",
			slog.Int("batch_size", len(batch)),
			slog.Int64("offset", msg.Offset),
		)
	}
}

// decodeWriteBatch parses a Kafka message payload into serving.WriteRequest
// rows, converting each tuple's raw JSON value into a codec.FeatureValue.
func decodeWriteBatch(payload []byte) ([]serving.WriteRequest, error) {
	var tuples []writeTuple
	if err := json.Unmarshal(payload, &tuples); err != nil {
		return nil, fmt.Errorf("invalid write batch JSON: %w", err)
	}

	batch := make([]serving.WriteRequest, 0, len(tuples))

	for _, t := range tuples {
		value, err := jsonToFeatureValue(t.Value)
		if err != nil {
			return nil, fmt.Errorf("feature %q: %w", t.FeatureName, err)
		}

		batch = append(batch, serving.WriteRequest{
			FeatureID:   t.FeatureID,
			FeatureName: t.FeatureName,
			EntityID:    t.EntityID,
			Timestamp:   t.Timestamp,
			Value:       value,
			Metadata:    t.Metadata,
		})
	}

	return batch, nil
}

// jsonToFeatureValue converts a decoded JSON scalar into a codec.FeatureValue.
func jsonToFeatureValue(v interface{}) (codec.FeatureValue, error) {
	switch val := v.(type) {
	case nil:
		return codec.NullValue(), nil
	case bool:
		return codec.BoolValue(val), nil
	case float64:
		return codec.Float64Value(val), nil
	case string:
		return codec.StringValue(val), nil
	default:
		return codec.FeatureValue{}, fmt.Errorf("unsupported value type %T", v)
	}
}
