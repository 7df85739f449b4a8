package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const frameChannel = "gateway:frames"

// RedisBroadcasterConfig holds the configuration for the Redis-backed
// broadcaster.
type RedisBroadcasterConfig struct {
	Addr     string `env:"GATEWAY_REDIS_ADDR"`
	Password string `env:"GATEWAY_REDIS_PASSWORD"`
	DB       int    `env:"GATEWAY_REDIS_DB"`
}

// NewRedisBroadcasterConfigDefaults provides a config with sensible defaults.
func NewRedisBroadcasterConfigDefaults() *RedisBroadcasterConfig {
	return &RedisBroadcasterConfig{Addr: "localhost:6379"}
}

// RedisBroadcaster fans frames out across gateway instances over a Redis
// pub/sub channel, so a message consumed by any instance's bus connection
// reaches clients connected to any other instance.
type RedisBroadcaster struct {
	client *redis.Client
	sub    *redis.PubSub
	logger zerolog.Logger
}

// NewRedisBroadcaster creates and connects a RedisBroadcaster. It pings the
// server to ensure connectivity before returning.
func NewRedisBroadcaster(ctx context.Context, cfg *RedisBroadcasterConfig, logger zerolog.Logger) (*RedisBroadcaster, error) {
	if cfg == nil {
		cfg = NewRedisBroadcasterConfigDefaults()
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

	logger.Info().Str("redis_address", cfg.Addr).Msg("Gateway broadcaster connected to Redis.")
	return &RedisBroadcaster{
		client: client,
		logger: logger.With().Str("component", "RedisBroadcaster").Logger(),
	}, nil
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := b.client.Publish(ctx, frameChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish frame: %w", err)
	}
	return nil
}

// Subscribe attaches to the frame channel and delivers inbound frames to the
// sink from a dedicated goroutine until the subscription closes.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, sink func(Frame)) error {
	sub := b.client.Subscribe(ctx, frameChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to frame channel: %w", err)
	}
	b.sub = sub

	go func() {
		for msg := range sub.Channel() {
			var frame Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				b.logger.Warn().Err(err).Msg("Skipping unparsable broadcast frame.")
				continue
			}
			sink(frame)
		}
	}()
	return nil
}

func (b *RedisBroadcaster) Close() error {
	if b.sub != nil {
		_ = b.sub.Close()
	}
	return b.client.Close()
}
