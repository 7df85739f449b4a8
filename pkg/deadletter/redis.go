package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	failedKeyPrefix   = "dlq:failed:"
	archivedKeyPrefix = "dlq:archived:"
	failedIndexKey    = "dlq:failed:index"
	typeIndexPrefix   = "dlq:failed:type:"
	statsByTypeKey    = "dlq:stats:bytype"
	statsByErrorKey   = "dlq:stats:byerror"
)

// RedisRecordStoreConfig holds the Redis connection and retention settings.
type RedisRecordStoreConfig struct {
	Addr     string `env:"DLQ_REDIS_ADDR"`
	Password string `env:"DLQ_REDIS_PASSWORD"`
	DB       int    `env:"DLQ_REDIS_DB"`

	// FailedRetention caps how long failed records are kept.
	FailedRetention time.Duration `env:"DLQ_FAILED_RETENTION"`
	// ArchivedRetention caps how long archived records are kept.
	ArchivedRetention time.Duration `env:"DLQ_ARCHIVED_RETENTION"`
}

// NewRedisRecordStoreConfigDefaults provides a config with sensible defaults.
func NewRedisRecordStoreConfigDefaults() *RedisRecordStoreConfig {
	return &RedisRecordStoreConfig{
		Addr:              "localhost:6379",
		FailedRetention:   30 * 24 * time.Hour,
		ArchivedRetention: 90 * 24 * time.Hour,
	}
}

// RedisRecordStore keeps records as JSON values with TTLs matching their
// retention, a time index for cleanup, a per-routing-key index for targeted
// bulk retries, and cumulative stats counters.
type RedisRecordStore struct {
	client *redis.Client
	cfg    RedisRecordStoreConfig
	logger zerolog.Logger
}

// NewRedisRecordStore creates and connects a RedisRecordStore.
func NewRedisRecordStore(ctx context.Context, cfg *RedisRecordStoreConfig, logger zerolog.Logger) (*RedisRecordStore, error) {
	if cfg == nil {
		cfg = NewRedisRecordStoreConfigDefaults()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Dead-letter record store connected to Redis.")
	return &RedisRecordStore{
		client: client,
		cfg:    *cfg,
		logger: logger.With().Str("component", "RedisRecordStore").Logger(),
	}, nil
}

func (s *RedisRecordStore) SaveFailed(ctx context.Context, msg FailedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal failed record %s: %w", msg.ID, err)
	}

	// The record key is the message id, so a repeat save is an upsert. Only
	// the first save bumps the stats counters.
	created, err := s.client.SetNX(ctx, failedKeyPrefix+msg.ID, data, s.cfg.FailedRetention).Result()
	if err != nil {
		return fmt.Errorf("failed to save failed record %s: %w", msg.ID, err)
	}
	if !created {
		if err := s.client.Set(ctx, failedKeyPrefix+msg.ID, data, s.cfg.FailedRetention).Err(); err != nil {
			return fmt.Errorf("failed to update failed record %s: %w", msg.ID, err)
		}
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, failedIndexKey, redis.Z{Score: float64(msg.FirstSeenAt.UnixMilli()), Member: msg.ID})
	pipe.SAdd(ctx, typeIndexPrefix+msg.RoutingKey, msg.ID)
	pipe.HIncrBy(ctx, statsByTypeKey, msg.RoutingKey, 1)
	pipe.HIncrBy(ctx, statsByErrorKey, msg.Error, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index failed record %s: %w", msg.ID, err)
	}
	return nil
}

func (s *RedisRecordStore) SaveArchived(ctx context.Context, msg ArchivedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal archived record %s: %w", msg.ID, err)
	}
	if err := s.client.Set(ctx, archivedKeyPrefix+msg.ID, data, s.cfg.ArchivedRetention).Err(); err != nil {
		return fmt.Errorf("failed to save archived record %s: %w", msg.ID, err)
	}
	return nil
}

func (s *RedisRecordStore) FailedByType(ctx context.Context, routingKey string, maxAge time.Duration) ([]FailedMessage, error) {
	ids, err := s.client.SMembers(ctx, typeIndexPrefix+routingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed records for %s: %w", routingKey, err)
	}

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	var out []FailedMessage
	for _, id := range ids {
		data, err := s.client.Get(ctx, failedKeyPrefix+id).Result()
		if err == redis.Nil {
			// Record expired; drop the stale index member.
			_ = s.client.SRem(ctx, typeIndexPrefix+routingKey, id).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load failed record %s: %w", id, err)
		}
		var msg FailedMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			s.logger.Error().Err(err).Str("msg_id", id).Msg("Corrupt failed record, skipping.")
			continue
		}
		if !cutoff.IsZero() && msg.FirstSeenAt.Before(cutoff) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisRecordStore) Stats(ctx context.Context) (Stats, error) {
	byType, err := s.client.HGetAll(ctx, statsByTypeKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to load type stats: %w", err)
	}
	byError, err := s.client.HGetAll(ctx, statsByErrorKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to load error stats: %w", err)
	}

	stats := Stats{
		CountByType:  make(map[string]int64, len(byType)),
		CountByError: make(map[string]int64, len(byError)),
	}
	for k, v := range byType {
		n, _ := strconv.ParseInt(v, 10, 64)
		stats.CountByType[k] = n
	}
	for k, v := range byError {
		n, _ := strconv.ParseInt(v, 10, 64)
		stats.CountByError[k] = n
	}
	return stats, nil
}

func (s *RedisRecordStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-maxAge).UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, failedIndexKey, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan failed record index: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, failedKeyPrefix+id)
		pipe.ZRem(ctx, failedIndexKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete aged failed records: %w", err)
	}
	return len(ids), nil
}

// Close closes the Redis client connection.
func (s *RedisRecordStore) Close() error {
	s.logger.Info().Msg("Closing dead-letter record store Redis connection...")
	return s.client.Close()
}
