package retrystore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/questline/go-eventbus/pkg/eventbus"
	"github.com/questline/go-eventbus/pkg/types"
)

const (
	entryKeyPrefix = "retry:msg:"
	scheduleKey    = "retry:schedule"
)

// RedisConfig holds the configuration for the Redis-backed store.
type RedisConfig struct {
	Addr     string `env:"RETRY_REDIS_ADDR"`
	Password string `env:"RETRY_REDIS_PASSWORD"`
	DB       int    `env:"RETRY_REDIS_DB"`
}

// NewRedisConfigDefaults provides a config with sensible defaults.
func NewRedisConfigDefaults() *RedisConfig {
	return &RedisConfig{Addr: "localhost:6379"}
}

// RedisStore keeps one hash per message under "retry:msg:<id>" and a sorted
// set "retry:schedule" scored by the next-retry time. Hash and index are
// always written and removed in one transaction so neither can orphan the
// other.
type RedisStore struct {
	client  *redis.Client
	backoff *eventbus.BackoffConfig
	logger  zerolog.Logger
}

// NewRedisStore creates and connects a RedisStore. It pings the server to
// ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, backoff *eventbus.BackoffConfig, logger zerolog.Logger) (*RedisStore, error) {
	if cfg == nil {
		cfg = NewRedisConfigDefaults()
	}
	if backoff == nil {
		backoff = eventbus.NewBackoffDefaults()
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

	logger.Info().Str("redis_address", cfg.Addr).Msg("Retry store connected to Redis.")
	return &RedisStore{
		client:  client,
		backoff: backoff,
		logger:  logger.With().Str("component", "RedisRetryStore").Logger(),
	}, nil
}

// StoreForRetry persists the entry with attempt 0, scheduled for now plus
// the first backoff delay.
func (s *RedisStore) StoreForRetry(ctx context.Context, env types.Envelope, lastError string) error {
	nextRetryAt := time.Now().Add(s.backoff.Delay(0))

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, entryKeyPrefix+env.ID, map[string]interface{}{
		"message_id":    env.ID,
		"routing_key":   env.RoutingKey,
		"payload":       string(env.Payload),
		"attempt":       0,
		"next_retry_at": nextRetryAt.UnixMilli(),
		"last_error":    lastError,
		"enqueued_at":   env.EnqueuedAt.UnixMilli(),
	})
	pipe.ZAdd(ctx, scheduleKey, redis.Z{Score: float64(nextRetryAt.UnixMilli()), Member: env.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store retry entry %s: %w", env.ID, err)
	}
	return nil
}

// Due scans the schedule index for entries eligible now. Index members whose
// hash has disappeared are removed rather than returned, compensating any
// partially deleted entry.
func (s *RedisStore) Due(ctx context.Context, now time.Time) ([]Entry, error) {
	ids, err := s.client.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan retry schedule: %w", err)
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, entryKeyPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load retry entry %s: %w", id, err)
		}
		if len(fields) == 0 {
			s.logger.Warn().Str("msg_id", id).Msg("Orphaned schedule index entry, removing.")
			_ = s.client.ZRem(ctx, scheduleKey, id).Err()
			continue
		}
		entries = append(entries, entryFromFields(id, fields))
	}
	return entries, nil
}

// UpdateAttempt records a failed redelivery and reschedules the entry.
func (s *RedisStore) UpdateAttempt(ctx context.Context, messageID string, attempt int, nextRetryAt time.Time, lastError string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, entryKeyPrefix+messageID, map[string]interface{}{
		"attempt":       attempt,
		"next_retry_at": nextRetryAt.UnixMilli(),
		"last_error":    lastError,
	})
	pipe.ZAdd(ctx, scheduleKey, redis.Z{Score: float64(nextRetryAt.UnixMilli()), Member: messageID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update retry entry %s: %w", messageID, err)
	}
	return nil
}

// Remove deletes the hash and its index position together.
func (s *RedisStore) Remove(ctx context.Context, messageID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, entryKeyPrefix+messageID)
	pipe.ZRem(ctx, scheduleKey, messageID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove retry entry %s: %w", messageID, err)
	}
	return nil
}

// Count returns the size of the schedule index.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, scheduleKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count retry entries: %w", err)
	}
	return int(n), nil
}

// Ping verifies the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	s.logger.Info().Msg("Closing retry store Redis connection...")
	return s.client.Close()
}

func entryFromFields(id string, fields map[string]string) Entry {
	attempt, _ := strconv.Atoi(fields["attempt"])
	nextMillis, _ := strconv.ParseInt(fields["next_retry_at"], 10, 64)
	enqueuedMillis, _ := strconv.ParseInt(fields["enqueued_at"], 10, 64)
	return Entry{
		MessageID:   id,
		RoutingKey:  fields["routing_key"],
		Payload:     []byte(fields["payload"]),
		Attempt:     attempt,
		NextRetryAt: time.UnixMilli(nextMillis),
		LastError:   fields["last_error"],
		EnqueuedAt:  time.UnixMilli(enqueuedMillis),
	}
}
