// Package eventbus implements the publish/subscribe core of the event system:
// topic-pattern subscription, concurrent handler dispatch with
// ack/reject-and-retry/dead-letter semantics, and a publish path that absorbs
// transport failures into the circuit breaker and retry store so producers
// never see them.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/questline/go-eventbus/pkg/breaker"
	"github.com/questline/go-eventbus/pkg/metrics"
	"github.com/questline/go-eventbus/pkg/types"
)

// Metric names emitted by the bus, tagged by routing key.
const (
	MetricPublishSuccess    = "eventbus.publish.success"
	MetricPublishFailure    = "eventbus.publish.failure"
	MetricPublishDeferred   = "eventbus.publish.deferred"
	MetricPublishRejected   = "eventbus.publish.rejected"
	MetricConsumeSuccess    = "eventbus.consume.success"
	MetricConsumeFailure    = "eventbus.consume.failure"
	MetricConsumeDeadLetter = "eventbus.consume.deadlettered"
	MetricProcessingTime    = "eventbus.processing.duration"
)

// BusConfig holds configuration for the bus core.
type BusConfig struct {
	// NumWorkers is the size of the dispatch worker pool.
	NumWorkers int `env:"BUS_NUM_WORKERS"`
	// MaxAttempts is the consumer-side delivery limit: once a message has
	// been handled and rejected this many times it is routed to the
	// dead-letter exchange instead of requeued.
	MaxAttempts int `env:"BUS_MAX_ATTEMPTS"`
}

// NewBusConfigDefaults provides a config with sensible defaults.
func NewBusConfigDefaults() *BusConfig {
	return &BusConfig{
		NumWorkers:  5,
		MaxAttempts: 5,
	}
}

// Bus is the event bus core. Create one with NewBus, register handlers with
// Subscribe, then Start it to begin dispatching broker deliveries.
type Bus struct {
	cfg       BusConfig
	transport Transport
	breaker   *breaker.Breaker
	retries   RetrySink
	registry  *registry
	metrics   metrics.Collector
	logger    zerolog.Logger

	wg sync.WaitGroup
}

// NewBus creates a Bus. The retry sink may be nil, in which case failed
// publishes are only counted and logged (useful in tests).
func NewBus(
	cfg *BusConfig,
	transport Transport,
	brk *breaker.Breaker,
	retries RetrySink,
	collector metrics.Collector,
	logger zerolog.Logger,
) (*Bus, error) {
	if cfg == nil {
		cfg = NewBusConfigDefaults()
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if brk == nil {
		return nil, fmt.Errorf("breaker cannot be nil")
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &Bus{
		cfg:       *cfg,
		transport: transport,
		breaker:   brk,
		retries:   retries,
		registry:  newRegistry(),
		metrics:   collector,
		logger:    logger.With().Str("component", "EventBus").Logger(),
	}, nil
}

// Subscribe registers a handler for all routing keys matching the pattern.
func (b *Bus) Subscribe(pattern string, handler Handler) *Registration {
	return b.registry.add(pattern, func(ctx context.Context, env types.Envelope) error {
		return handler(ctx, env.Payload)
	})
}

// SubscribeEnvelope registers a handler that receives the full envelope.
func (b *Bus) SubscribeEnvelope(pattern string, handler EnvelopeHandler) *Registration {
	return b.registry.add(pattern, handler)
}

// Publish sends a domain event. It never surfaces transient failure to the
// caller: an open breaker or a broker rejection diverts the envelope into the
// retry store. Only a payload that cannot be serialized is dropped, with a
// log line and a rejected-counter.
func (b *Bus) Publish(ctx context.Context, routingKey string, payload any) {
	raw, err := marshalPayload(payload)
	if err != nil {
		b.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Payload cannot be serialized, dropping event.")
		b.metrics.IncrementCounter(MetricPublishRejected, tags(routingKey))
		return
	}

	env := types.NewEnvelope(routingKey, raw)

	if b.breaker.IsOpen(routingKey) {
		b.logger.Debug().Str("routing_key", routingKey).Str("msg_id", env.ID).Msg("Breaker open, deferring publish to retry store.")
		b.metrics.IncrementCounter(MetricPublishDeferred, tags(routingKey))
		b.storeForRetry(ctx, env, "circuit breaker open")
		return
	}

	if err := b.transport.Publish(ctx, env); err != nil {
		b.breaker.RecordFailure(routingKey)
		b.metrics.IncrementCounter(MetricPublishFailure, tags(routingKey))
		b.logger.Warn().Err(err).Str("routing_key", routingKey).Str("msg_id", env.ID).Msg("Broker publish failed, deferring to retry store.")
		b.storeForRetry(ctx, env, err.Error())
		return
	}

	b.metrics.IncrementCounter(MetricPublishSuccess, tags(routingKey))
}

// PublishEnvelope is like Publish but for a pre-built envelope, preserving
// its id and retry count. Used by the dead-letter service to re-inject
// reclassified messages through the normal path.
func (b *Bus) PublishEnvelope(ctx context.Context, env types.Envelope) {
	if b.breaker.IsOpen(env.RoutingKey) {
		b.metrics.IncrementCounter(MetricPublishDeferred, tags(env.RoutingKey))
		b.storeForRetry(ctx, env, "circuit breaker open")
		return
	}
	if err := b.transport.Publish(ctx, env); err != nil {
		b.breaker.RecordFailure(env.RoutingKey)
		b.metrics.IncrementCounter(MetricPublishFailure, tags(env.RoutingKey))
		b.storeForRetry(ctx, env, err.Error())
		return
	}
	b.metrics.IncrementCounter(MetricPublishSuccess, tags(env.RoutingKey))
}

// TryPublish attempts a single direct broker publish and reports the outcome
// to the caller. The retry scheduler uses this so a failed redelivery updates
// the existing retry entry instead of spawning a new one.
func (b *Bus) TryPublish(ctx context.Context, env types.Envelope) error {
	if err := b.transport.Publish(ctx, env); err != nil {
		b.breaker.RecordFailure(env.RoutingKey)
		b.metrics.IncrementCounter(MetricPublishFailure, tags(env.RoutingKey))
		return err
	}
	b.metrics.IncrementCounter(MetricPublishSuccess, tags(env.RoutingKey))
	return nil
}

// BreakerOpen reports the breaker state for a routing key.
func (b *Bus) BreakerOpen(routingKey string) bool {
	return b.breaker.IsOpen(routingKey)
}

func (b *Bus) storeForRetry(ctx context.Context, env types.Envelope, lastError string) {
	if b.retries == nil {
		b.logger.Error().Str("msg_id", env.ID).Msg("No retry sink configured, event lost.")
		return
	}
	if err := b.retries.StoreForRetry(ctx, env, lastError); err != nil {
		// Both broker and retry store are unreachable. Nothing left but the log.
		b.logger.Error().Err(err).Str("msg_id", env.ID).Str("routing_key", env.RoutingKey).Msg("Failed to persist retry entry.")
	}
}

// Start begins consuming broker deliveries and dispatching them to matching
// handlers with a pool of workers.
func (b *Bus) Start(ctx context.Context) error {
	b.logger.Info().Msg("Starting event bus...")

	deliveries, err := b.transport.Consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start broker consumer: %w", err)
	}

	b.logger.Info().Int("worker_count", b.cfg.NumWorkers).Msg("Starting dispatch workers...")
	b.wg.Add(b.cfg.NumWorkers)
	for i := 0; i < b.cfg.NumWorkers; i++ {
		go b.worker(ctx, deliveries, i)
	}

	b.logger.Info().Msg("Event bus started.")
	return nil
}

// Stop waits for in-flight handler invocations to finish, bounded by the
// context deadline. The transport is closed by its owner afterwards.
func (b *Bus) Stop(ctx context.Context) error {
	b.logger.Info().Msg("Stopping event bus...")

	workerDone := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(workerDone)
	}()

	select {
	case <-workerDone:
		b.logger.Info().Msg("All dispatch workers completed gracefully.")
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for dispatch workers to finish.")
		return ctx.Err()
	}

	b.logger.Info().Msg("Event bus stopped.")
	return nil
}

func (b *Bus) worker(ctx context.Context, deliveries <-chan types.Delivery, workerID int) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Int("worker_id", workerID).Msg("Dispatch worker shutting down due to context cancellation.")
			return
		case d, ok := <-deliveries:
			if !ok {
				b.logger.Info().Int("worker_id", workerID).Msg("Delivery channel closed, worker exiting.")
				return
			}
			b.dispatch(ctx, d)
		}
	}
}

// dispatch invokes every matching handler concurrently and settles the
// delivery: all handlers succeeded means ack; any failure means reject, with
// requeue while the incremented redelivery count stays below MaxAttempts and
// dead-letter once it would not.
func (b *Bus) dispatch(ctx context.Context, d types.Delivery) {
	start := time.Now()

	handlers := b.registry.handlersFor(d.RoutingKey)
	if len(handlers) == 0 {
		// No registered consumer. Ack rather than cycle the message forever.
		b.logger.Debug().Str("routing_key", d.RoutingKey).Str("msg_id", d.ID).Msg("No handlers match routing key, acking.")
		d.Ack()
		return
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	wg.Add(len(handlers))
	for _, handler := range handlers {
		go func(h EnvelopeHandler) {
			defer wg.Done()
			if err := h(ctx, d.Envelope); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(handler)
	}
	wg.Wait()

	b.metrics.RecordDuration(MetricProcessingTime, time.Since(start), tags(d.RoutingKey))

	if firstErr == nil {
		d.Ack()
		b.metrics.IncrementCounter(MetricConsumeSuccess, tags(d.RoutingKey))
		return
	}

	attempts := d.Redeliveries + 1
	if attempts < b.cfg.MaxAttempts {
		b.logger.Warn().Err(firstErr).
			Str("routing_key", d.RoutingKey).
			Str("msg_id", d.ID).
			Int("attempts", attempts).
			Msg("Handler failed, requeueing message.")
		d.Reject(true, firstErr.Error())
		b.metrics.IncrementCounter(MetricConsumeFailure, tags(d.RoutingKey))
		return
	}

	b.logger.Error().Err(firstErr).
		Str("routing_key", d.RoutingKey).
		Str("msg_id", d.ID).
		Int("attempts", attempts).
		Msg("Handler failed on final attempt, routing to dead-letter exchange.")
	d.Reject(false, firstErr.Error())
	b.metrics.IncrementCounter(MetricConsumeDeadLetter, tags(d.RoutingKey))
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return raw, nil
	}
}

func tags(routingKey string) map[string]string {
	return map[string]string{"routing_key": routingKey}
}
