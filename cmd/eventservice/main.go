// The eventservice binary composes the full event backbone: the AMQP
// transport, the bus core, the retry scheduler, the dead-letter drain, the
// monitoring service, the realtime gateway, and the operational HTTP
// surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/questline/go-eventbus/pkg/breaker"
	"github.com/questline/go-eventbus/pkg/deadletter"
	"github.com/questline/go-eventbus/pkg/eventbus"
	"github.com/questline/go-eventbus/pkg/gateway"
	"github.com/questline/go-eventbus/pkg/metrics"
	"github.com/questline/go-eventbus/pkg/microservice"
	"github.com/questline/go-eventbus/pkg/monitoring"
	"github.com/questline/go-eventbus/pkg/retrystore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLogger := zerolog.New(os.Stderr)
	cfg, err := LoadConfig()
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration.")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "eventservice").Logger()

	// Backends.
	retryStore, err := retrystore.NewRedisStore(ctx, &cfg.RetryRedis, &cfg.Backoff, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect retry store.")
	}
	recordStore, err := deadletter.NewRedisRecordStore(ctx, &cfg.RecordsRedis, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect dead-letter record store.")
	}
	alertStore, err := monitoring.NewRedisAlertStore(ctx, &cfg.AlertRedis, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect alert store.")
	}
	broadcaster, err := gateway.NewRedisBroadcaster(ctx, &cfg.GatewayRedis, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect gateway broadcaster.")
	}
	presence, err := gateway.NewRedisPresence(ctx, &cfg.PresenceRedis, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect presence tracker.")
	}
	transport, err := eventbus.NewAMQPTransport(ctx, &cfg.AMQP, &cfg.Topology, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect AMQP broker.")
	}

	// Metrics go to the in-process snapshot (read by the monitoring service)
	// and the OpenTelemetry exporter in parallel.
	snapshot := metrics.NewSnapshotCollector()
	collector := metrics.NewMultiCollector(snapshot, metrics.NewOpenTelemetryCollector())

	// Core and services.
	brk := breaker.New(&cfg.Breaker, logger)
	bus, err := eventbus.NewBus(&cfg.Bus, transport, brk, retryStore, collector, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build event bus.")
	}

	dlqService := deadletter.NewService(&cfg.DeadLetter, transport, recordStore, bus, collector, logger)
	scheduler := retrystore.NewScheduler(&cfg.Scheduler, retryStore, bus, dlqService, &cfg.Backoff, collector, logger)
	monitor := monitoring.NewService(&cfg.Monitor, transport, &cfg.Topology, retryStore, snapshot, alertStore, bus, collector, logger)

	gw, err := gateway.NewGateway(&cfg.Gateway, bus, broadcaster, presence, collector, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build gateway.")
	}

	ops := microservice.NewOpsServer(logger, cfg.HTTPPort, monitor, dlqService)
	ops.Mux().Handle("/ws", gw)

	// Startup.
	if err := gw.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start gateway.")
	}
	if err := bus.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start event bus.")
	}
	scheduler.Start(ctx)
	dlqService.Start(ctx)
	monitor.Start(ctx)
	if err := ops.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start HTTP server.")
	}

	logger.Info().Str("http_port", ops.GetHTTPPort()).Msg("Event service running.")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	// Teardown. Stop intake and schedulers first, give in-flight handlers a
	// bounded grace period, then close connections outermost-first. Failures
	// are logged, never abort the remaining steps.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed.")
	}
	gw.Stop()
	scheduler.Stop()
	dlqService.Stop()
	monitor.Stop()

	if err := bus.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Event bus did not drain in time.")
	}

	if err := transport.Close(); err != nil {
		logger.Error().Err(err).Msg("Broker close failed.")
	}
	if err := retryStore.Close(); err != nil {
		logger.Error().Err(err).Msg("Retry store close failed.")
	}
	if err := recordStore.Close(); err != nil {
		logger.Error().Err(err).Msg("Record store close failed.")
	}
	if err := alertStore.Close(); err != nil {
		logger.Error().Err(err).Msg("Alert store close failed.")
	}
	if err := broadcaster.Close(); err != nil {
		logger.Error().Err(err).Msg("Broadcaster close failed.")
	}
	if err := presence.Close(); err != nil {
		logger.Error().Err(err).Msg("Presence tracker close failed.")
	}

	logger.Info().Msg("Event service stopped.")
}
