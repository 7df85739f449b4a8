package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Presence tracks which users currently hold a realtime connection on any
// gateway instance. It is ephemeral state with no persistent source of
// truth: entries are written on connect, refreshed while the connection
// lives, and expire on their own if an instance dies without cleaning up.
type Presence interface {
	// SetOnline marks the user online, refreshing the expiry when already set.
	SetOnline(ctx context.Context, userID string) error
	// SetOffline removes the user's presence entry.
	SetOffline(ctx context.Context, userID string) error
	// IsOnline reports whether the user is connected to any instance.
	IsOnline(ctx context.Context, userID string) (bool, error)
	// OnlineCount reports how many users are currently online.
	OnlineCount(ctx context.Context) (int, error)

	Close() error
}

// InMemoryPresence is a map-backed Presence for unit tests and
// single-instance runs.
type InMemoryPresence struct {
	mu     sync.Mutex
	online map[string]struct{}
}

// NewInMemoryPresence creates an empty in-memory presence tracker.
func NewInMemoryPresence() *InMemoryPresence {
	return &InMemoryPresence{online: make(map[string]struct{})}
}

func (p *InMemoryPresence) SetOnline(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = struct{}{}
	return nil
}

func (p *InMemoryPresence) SetOffline(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, userID)
	return nil
}

func (p *InMemoryPresence) IsOnline(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[userID]
	return ok, nil
}

func (p *InMemoryPresence) OnlineCount(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online), nil
}

func (p *InMemoryPresence) Close() error { return nil }

const presenceKeyPrefix = "presence:user:"

// RedisPresenceConfig holds the configuration for the Redis-backed presence
// tracker.
type RedisPresenceConfig struct {
	Addr     string `env:"PRESENCE_REDIS_ADDR"`
	Password string `env:"PRESENCE_REDIS_PASSWORD"`
	DB       int    `env:"PRESENCE_REDIS_DB"`
	// TTL is how long a presence entry survives without a refresh. It must
	// exceed the gateway's gauge interval, which doubles as the refresh tick.
	TTL time.Duration `env:"PRESENCE_TTL"`
}

// NewRedisPresenceConfigDefaults provides a config with sensible defaults.
func NewRedisPresenceConfigDefaults() *RedisPresenceConfig {
	return &RedisPresenceConfig{
		Addr: "localhost:6379",
		TTL:  2 * time.Minute,
	}
}

// RedisPresence is the distributed Presence shared by all gateway
// instances. Each user holds one TTL'd key; refreshes extend it.
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisPresence creates and connects a RedisPresence. It pings the server
// to ensure connectivity before returning.
func NewRedisPresence(ctx context.Context, cfg *RedisPresenceConfig, logger zerolog.Logger) (*RedisPresence, error) {
	if cfg == nil {
		cfg = NewRedisPresenceConfigDefaults()
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

	logger.Info().Str("redis_address", cfg.Addr).Msg("Presence tracker connected to Redis.")
	return &RedisPresence{
		client: client,
		ttl:    cfg.TTL,
		logger: logger.With().Str("component", "RedisPresence").Logger(),
	}, nil
}

func (p *RedisPresence) SetOnline(ctx context.Context, userID string) error {
	if err := p.client.Set(ctx, presenceKeyPrefix+userID, "1", p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence for %s: %w", userID, err)
	}
	return nil
}

func (p *RedisPresence) SetOffline(ctx context.Context, userID string) error {
	if err := p.client.Del(ctx, presenceKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("failed to clear presence for %s: %w", userID, err)
	}
	return nil
}

func (p *RedisPresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	_, err := p.client.Get(ctx, presenceKeyPrefix+userID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read presence for %s: %w", userID, err)
	}
	return true, nil
}

func (p *RedisPresence) OnlineCount(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := p.client.Scan(ctx, cursor, presenceKeyPrefix+"*", 200).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan presence keys: %w", err)
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

func (p *RedisPresence) Close() error {
	return p.client.Close()
}
