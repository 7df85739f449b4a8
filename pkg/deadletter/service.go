// Package deadletter drains the broker's dead-letter queues, records every
// failed message, and decides each message's final disposition: a second
// chance through the bus for transient-and-recent failures, or the archive
// for everything else.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/questline/go-eventbus/pkg/eventbus"
	"github.com/questline/go-eventbus/pkg/metrics"
	"github.com/questline/go-eventbus/pkg/retrystore"
	"github.com/questline/go-eventbus/pkg/types"
)

// Metric names emitted by the service.
const (
	MetricDeadLetterProcessed = "deadletter.processed"
	MetricDeadLetterRetried   = "deadletter.retried"
	MetricDeadLetterArchived  = "deadletter.archived"
	MetricDeadLetterEscalated = "deadletter.escalated"
)

// Republisher is the slice of the bus the service needs to re-inject
// reclassified messages through the normal publish path.
type Republisher interface {
	PublishEnvelope(ctx context.Context, env types.Envelope)
}

// Config holds the drain cadence and disposition windows.
type Config struct {
	// DrainInterval is how often the dead-letter queues are drained.
	DrainInterval time.Duration `env:"DLQ_DRAIN_INTERVAL"`
	// BatchSize bounds how many messages are fetched per queue per drain, so
	// a deep backlog never monopolizes broker resources.
	BatchSize int `env:"DLQ_BATCH_SIZE"`
	// FreshnessWindow is the maximum age for a transient failure to earn a
	// republish instead of the archive.
	FreshnessWindow time.Duration `env:"DLQ_FRESHNESS_WINDOW"`
	// CleanupInterval is how often aged failed records are purged.
	CleanupInterval time.Duration `env:"DLQ_CLEANUP_INTERVAL"`
	// CleanupMaxAge is the age past which failed records are purged.
	CleanupMaxAge time.Duration `env:"DLQ_CLEANUP_MAX_AGE"`
}

// NewConfigDefaults provides a config with sensible defaults.
func NewConfigDefaults() *Config {
	return &Config{
		DrainInterval:   5 * time.Minute,
		BatchSize:       10,
		FreshnessWindow: 24 * time.Hour,
		CleanupInterval: 24 * time.Hour,
		CleanupMaxAge:   30 * 24 * time.Hour,
	}
}

// Service is the dead-letter drain and reclassification pipeline. It also
// implements the retry scheduler's escalation sink, recording messages whose
// publish-side retries were exhausted.
type Service struct {
	cfg       Config
	transport eventbus.Transport
	records   RecordStore
	bus       Republisher
	metrics   metrics.Collector
	logger    zerolog.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewService creates a Service.
func NewService(
	cfg *Config,
	transport eventbus.Transport,
	records RecordStore,
	bus Republisher,
	collector metrics.Collector,
	logger zerolog.Logger,
) *Service {
	if cfg == nil {
		cfg = NewConfigDefaults()
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &Service{
		cfg:       *cfg,
		transport: transport,
		records:   records,
		bus:       bus,
		metrics:   collector,
		logger:    logger.With().Str("component", "DeadLetterService").Logger(),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the periodic drain and cleanup loops, each on its own
// ticker so a slow drain never delays record cleanup and vice versa.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Dur("drain_interval", s.cfg.DrainInterval).Msg("Starting dead-letter service...")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.ProcessDeadLetters(ctx)
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.Cleanup(ctx, s.cfg.CleanupMaxAge)
			}
		}
	}()
}

// Stop halts the periodic loops and waits for in-flight work.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info().Msg("Dead-letter service stopped.")
}

// ProcessDeadLetters drains every dead-letter queue in bounded batches.
func (s *Service) ProcessDeadLetters(ctx context.Context) {
	for _, queue := range s.transport.DeadLetterQueues() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.drainQueue(ctx, queue)
	}
}

func (s *Service) drainQueue(ctx context.Context, queue string) {
	for drained := 0; drained < s.cfg.BatchSize; drained++ {
		d, ok, err := s.transport.GetFromQueue(ctx, queue)
		if err != nil {
			s.logger.Error().Err(err).Str("queue", queue).Msg("Failed to fetch from dead-letter queue.")
			return
		}
		if !ok {
			return
		}
		s.processMessage(ctx, queue, d)
	}
}

// processMessage records and settles one dead-lettered message. The record
// is always persisted before the broker copy is acked, so a crash in between
// redelivers the message to the next drain instead of losing it.
func (s *Service) processMessage(ctx context.Context, queue string, d types.Delivery) {
	errString := d.Headers[types.HeaderLastError]
	if errString == "" {
		errString = "unknown error"
	}

	record := FailedMessage{
		ID:                d.ID,
		RoutingKey:        d.RoutingKey,
		Payload:           d.Payload,
		Error:             errString,
		FirstSeenAt:       d.EnqueuedAt,
		AttemptsExhausted: d.Redeliveries + 1,
	}
	if err := s.records.SaveFailed(ctx, record); err != nil {
		// Leave the message on the queue for the next drain cycle.
		s.logger.Error().Err(err).Str("msg_id", d.ID).Str("queue", queue).Msg("Failed to persist failed-message record, leaving message in place.")
		d.Reject(true, errString)
		return
	}
	s.metrics.IncrementCounter(MetricDeadLetterProcessed, map[string]string{"routing_key": d.RoutingKey})

	classification := Classify(errString)
	age := time.Since(d.EnqueuedAt)

	if classification == Transient && age < s.cfg.FreshnessWindow {
		env := d.Envelope
		env.Headers = stripDeliveryHeaders(env.Headers)
		s.bus.PublishEnvelope(ctx, env)
		d.Ack()
		s.metrics.IncrementCounter(MetricDeadLetterRetried, map[string]string{"routing_key": d.RoutingKey})
		s.logger.Info().Str("msg_id", d.ID).Str("routing_key", d.RoutingKey).Msg("Transient dead-lettered message republished.")
		return
	}

	archived := ArchivedMessage{
		FailedMessage:  record,
		ArchivedAt:     time.Now().UTC(),
		Classification: classification,
	}
	if err := s.records.SaveArchived(ctx, archived); err != nil {
		s.logger.Error().Err(err).Str("msg_id", d.ID).Msg("Failed to archive message, leaving in place.")
		d.Reject(true, errString)
		return
	}
	d.Ack()
	s.metrics.IncrementCounter(MetricDeadLetterArchived, map[string]string{"routing_key": d.RoutingKey})
	s.logger.Info().
		Str("msg_id", d.ID).
		Str("routing_key", d.RoutingKey).
		Str("classification", string(classification)).
		Msg("Dead-lettered message archived.")
}

// Escalate records a retry-store entry whose attempts were exhausted or
// whose payload can never deliver. It satisfies the scheduler's escalation
// sink; an error tells the scheduler to leave the entry for the next scan.
func (s *Service) Escalate(ctx context.Context, entry retrystore.Entry, reason string) error {
	lastError := entry.LastError
	if lastError == "" {
		lastError = reason
	}
	record := FailedMessage{
		ID:                entry.MessageID,
		RoutingKey:        entry.RoutingKey,
		Payload:           entry.Payload,
		Error:             lastError,
		FirstSeenAt:       time.Now().UTC(),
		AttemptsExhausted: entry.Attempt,
	}
	if err := s.records.SaveFailed(ctx, record); err != nil {
		return err
	}
	s.metrics.IncrementCounter(MetricDeadLetterEscalated, map[string]string{"routing_key": entry.RoutingKey})
	return nil
}

// GetQueueMetrics reports the live depth of every dead-letter queue.
func (s *Service) GetQueueMetrics(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	for _, queue := range s.transport.DeadLetterQueues() {
		info, err := s.transport.QueueInfo(ctx, queue)
		if err != nil {
			return nil, err
		}
		out[queue] = info.Messages
	}
	return out, nil
}

// RetryFailedMessagesByType republishes the recorded failed messages for one
// routing key, optionally restricted by age, and returns how many were
// re-injected. Records are keyed by message id, so a message that fails
// again updates its record in place rather than duplicating it.
func (s *Service) RetryFailedMessagesByType(ctx context.Context, routingKey string, maxAge time.Duration) (int, error) {
	failed, err := s.records.FailedByType(ctx, routingKey, maxAge)
	if err != nil {
		return 0, err
	}
	for _, msg := range failed {
		s.bus.PublishEnvelope(ctx, types.Envelope{
			ID:         msg.ID,
			RoutingKey: msg.RoutingKey,
			Payload:    msg.Payload,
			EnqueuedAt: msg.FirstSeenAt,
		})
	}
	if len(failed) > 0 {
		s.logger.Info().Str("routing_key", routingKey).Int("count", len(failed)).Msg("Bulk retry republished failed messages.")
	}
	return len(failed), nil
}

// Cleanup purges failed records older than maxAge.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) {
	removed, err := s.records.Cleanup(ctx, maxAge)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to clean up aged failed records.")
		return
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Purged aged failed-message records.")
	}
}

// Stats aggregates failed-message counts by routing key and error signature.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.records.Stats(ctx)
}

func stripDeliveryHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if k == types.HeaderRedeliveryCount || k == types.HeaderLastError {
			continue
		}
		out[k] = v
	}
	return out
}
