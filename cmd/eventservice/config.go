package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/questline/go-eventbus/pkg/breaker"
	"github.com/questline/go-eventbus/pkg/deadletter"
	"github.com/questline/go-eventbus/pkg/eventbus"
	"github.com/questline/go-eventbus/pkg/gateway"
	"github.com/questline/go-eventbus/pkg/monitoring"
	"github.com/questline/go-eventbus/pkg/retrystore"
)

// Config composes every component's configuration. Defaults come from the
// components' own constructors; environment variables override them.
type Config struct {
	LogLevel string `env:"LOG_LEVEL"`
	HTTPPort string `env:"HTTP_PORT"`
	// ShutdownGrace bounds how long in-flight handlers may run during
	// shutdown before teardown continues without them.
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE"`

	AMQP     eventbus.AMQPConfig
	Topology eventbus.Topology
	Bus      eventbus.BusConfig
	Backoff  eventbus.BackoffConfig
	Breaker  breaker.Config

	Scheduler  retrystore.SchedulerConfig
	RetryRedis retrystore.RedisConfig

	DeadLetter   deadletter.Config
	RecordsRedis deadletter.RedisRecordStoreConfig

	Monitor    monitoring.Config
	AlertRedis monitoring.RedisAlertStoreConfig

	Gateway       gateway.Config
	GatewayRedis  gateway.RedisBroadcasterConfig
	PresenceRedis gateway.RedisPresenceConfig
}

// LoadConfig builds the default configuration and applies environment
// overrides.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		LogLevel:      "info",
		HTTPPort:      ":8080",
		ShutdownGrace: 30 * time.Second,

		AMQP:     *eventbus.NewAMQPConfigDefaults(),
		Topology: *eventbus.NewTopologyDefaults(),
		Bus:      *eventbus.NewBusConfigDefaults(),
		Backoff:  *eventbus.NewBackoffDefaults(),
		Breaker:  *breaker.NewConfigDefaults(),

		Scheduler:  *retrystore.NewSchedulerConfigDefaults(),
		RetryRedis: *retrystore.NewRedisConfigDefaults(),

		DeadLetter:   *deadletter.NewConfigDefaults(),
		RecordsRedis: *deadletter.NewRedisRecordStoreConfigDefaults(),

		Monitor:    *monitoring.NewConfigDefaults(),
		AlertRedis: *monitoring.NewRedisAlertStoreConfigDefaults(),

		Gateway:       *gateway.NewConfigDefaults(),
		GatewayRedis:  *gateway.NewRedisBroadcasterConfigDefaults(),
		PresenceRedis: *gateway.NewRedisPresenceConfigDefaults(),
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if cfg.Gateway.TokenSecret == "" {
		return nil, fmt.Errorf("GATEWAY_TOKEN_SECRET is required")
	}
	return cfg, nil
}
