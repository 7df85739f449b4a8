package monitoring

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
	alertKeyPrefix = "monitor:alert:"
	alertIndexKey  = "monitor:alerts:index"
)

// RedisAlertStoreConfig holds the configuration for the Redis-backed alert
// store.
type RedisAlertStoreConfig struct {
	Addr     string `env:"MONITOR_REDIS_ADDR"`
	Password string `env:"MONITOR_REDIS_PASSWORD"`
	DB       int    `env:"MONITOR_REDIS_DB"`
	// Retention is how long raised alerts remain readable.
	Retention time.Duration `env:"MONITOR_ALERT_RETENTION"`
}

// NewRedisAlertStoreConfigDefaults provides a config with sensible defaults.
func NewRedisAlertStoreConfigDefaults() *RedisAlertStoreConfig {
	return &RedisAlertStoreConfig{
		Addr:      "localhost:6379",
		Retention: time.Hour,
	}
}

// RedisAlertStore keeps each alert as a JSON value under "monitor:alert:<id>"
// with the retention as TTL, plus a sorted set index scored by raise time for
// newest-first reads. Expired values are skipped on read and their index
// entries pruned on write.
type RedisAlertStore struct {
	client    *redis.Client
	retention time.Duration
	logger    zerolog.Logger
}

// NewRedisAlertStore creates and connects a RedisAlertStore. It pings the
// server to ensure connectivity before returning.
func NewRedisAlertStore(ctx context.Context, cfg *RedisAlertStoreConfig, logger zerolog.Logger) (*RedisAlertStore, error) {
	if cfg == nil {
		cfg = NewRedisAlertStoreConfigDefaults()
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

	logger.Info().Str("redis_address", cfg.Addr).Msg("Alert store connected to Redis.")
	return &RedisAlertStore{
		client:    client,
		retention: cfg.Retention,
		logger:    logger.With().Str("component", "RedisAlertStore").Logger(),
	}, nil
}

func (s *RedisAlertStore) SaveAlert(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, alertKeyPrefix+alert.ID, data, s.retention)
	pipe.ZAdd(ctx, alertIndexKey, redis.Z{
		Score:  float64(alert.RaisedAt.UnixMilli()),
		Member: alert.ID,
	})
	// Drop index entries whose values have already expired.
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	pipe.ZRemRangeByScore(ctx, alertIndexKey, "-inf", strconv.FormatInt(cutoff, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save alert %s: %w", alert.ID, err)
	}
	return nil
}

func (s *RedisAlertStore) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	ids, err := s.client.ZRevRange(ctx, alertIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read alert index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = alertKeyPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read alerts: %w", err)
	}

	alerts := make([]Alert, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Value expired between index read and fetch.
			continue
		}
		var alert Alert
		if err := json.Unmarshal([]byte(str), &alert); err != nil {
			s.logger.Warn().Err(err).Str("alert_id", ids[i]).Msg("Skipping unparsable alert record.")
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

func (s *RedisAlertStore) Close() error {
	return s.client.Close()
}
