package retrystore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/questline/go-eventbus/pkg/eventbus"
	"github.com/questline/go-eventbus/pkg/metrics"
	"github.com/questline/go-eventbus/pkg/types"
)

// Metric names emitted by the scheduler.
const (
	MetricRetryPending     = "retrystore.pending"
	MetricRetryRedelivered = "retrystore.redelivered"
	MetricRetryEscalated   = "retrystore.escalated"
)

// Publisher is the slice of the bus the scheduler needs: a direct publish
// attempt that reports its outcome, and the breaker state for a key.
type Publisher interface {
	TryPublish(ctx context.Context, env types.Envelope) error
	BreakerOpen(routingKey string) bool
}

// EscalationSink receives entries that exhausted their attempts or carry a
// payload that can never be delivered. The dead-letter service implements it.
type EscalationSink interface {
	Escalate(ctx context.Context, entry Entry, reason string) error
}

// SchedulerConfig holds the scan interval and the attempt ceiling.
type SchedulerConfig struct {
	Interval    time.Duration `env:"RETRY_SCAN_INTERVAL"`
	MaxAttempts int           `env:"RETRY_MAX_ATTEMPTS"`
}

// NewSchedulerConfigDefaults provides a config with sensible defaults.
func NewSchedulerConfigDefaults() *SchedulerConfig {
	return &SchedulerConfig{
		Interval:    5 * time.Second,
		MaxAttempts: 5,
	}
}

// Scheduler periodically scans the store for due entries and either
// redelivers them through the bus or escalates them to the dead-letter
// service. It runs on its own ticker so a slow scan elsewhere never delays
// retries.
type Scheduler struct {
	cfg       SchedulerConfig
	store     Store
	publisher Publisher
	sink      EscalationSink
	backoff   *eventbus.BackoffConfig
	metrics   metrics.Collector
	logger    zerolog.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	cfg *SchedulerConfig,
	store Store,
	publisher Publisher,
	sink EscalationSink,
	backoff *eventbus.BackoffConfig,
	collector metrics.Collector,
	logger zerolog.Logger,
) *Scheduler {
	if cfg == nil {
		cfg = NewSchedulerConfigDefaults()
	}
	if backoff == nil {
		backoff = eventbus.NewBackoffDefaults()
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &Scheduler{
		cfg:       *cfg,
		store:     store,
		publisher: publisher,
		sink:      sink,
		backoff:   backoff,
		metrics:   collector,
		logger:    logger.With().Str("component", "RetryScheduler").Logger(),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the scan loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Starting retry scheduler...")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("Retry scheduler stopping: context cancelled.")
				return
			case <-s.stopChan:
				s.logger.Info().Msg("Retry scheduler stopping.")
				return
			case <-ticker.C:
				s.ProcessRetryQueue(ctx)
			}
		}
	}()
}

// Stop halts the scan loop and waits for an in-flight scan to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// ProcessRetryQueue runs one scan over the due entries.
func (s *Scheduler) ProcessRetryQueue(ctx context.Context) {
	now := time.Now()
	due, err := s.store.Due(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to scan retry store for due entries.")
		return
	}

	if count, err := s.store.Count(ctx); err == nil {
		s.metrics.RecordGauge(MetricRetryPending, float64(count), nil)
	}
	if len(due) == 0 {
		return
	}
	s.logger.Debug().Int("due_count", len(due)).Msg("Processing due retry entries.")

	for _, entry := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.processEntry(ctx, entry, now)
	}
}

func (s *Scheduler) processEntry(ctx context.Context, entry Entry, now time.Time) {
	if entry.Attempt >= s.cfg.MaxAttempts {
		s.escalate(ctx, entry, "retry attempts exhausted")
		return
	}

	// A payload that is no longer parseable will never deliver; treat it as
	// permanent instead of retrying forever.
	if !json.Valid(entry.Payload) {
		s.escalate(ctx, entry, "malformed payload")
		return
	}

	if s.publisher.BreakerOpen(entry.RoutingKey) {
		// Leave the entry for a later scan; the breaker will close on its own.
		s.logger.Debug().Str("msg_id", entry.MessageID).Str("routing_key", entry.RoutingKey).Msg("Breaker open, skipping retry.")
		return
	}

	if err := s.publisher.TryPublish(ctx, entry.Envelope()); err != nil {
		attempt := entry.Attempt + 1
		nextRetryAt := now.Add(s.backoff.Delay(attempt))
		s.logger.Warn().Err(err).
			Str("msg_id", entry.MessageID).
			Str("routing_key", entry.RoutingKey).
			Int("attempt", attempt).
			Time("next_retry_at", nextRetryAt).
			Msg("Redelivery failed, rescheduling.")
		if updateErr := s.store.UpdateAttempt(ctx, entry.MessageID, attempt, nextRetryAt, err.Error()); updateErr != nil {
			s.logger.Error().Err(updateErr).Str("msg_id", entry.MessageID).Msg("Failed to reschedule retry entry.")
		}
		return
	}

	if err := s.store.Remove(ctx, entry.MessageID); err != nil {
		s.logger.Error().Err(err).Str("msg_id", entry.MessageID).Msg("Failed to remove redelivered retry entry.")
		return
	}
	s.metrics.IncrementCounter(MetricRetryRedelivered, map[string]string{"routing_key": entry.RoutingKey})
	s.logger.Info().Str("msg_id", entry.MessageID).Str("routing_key", entry.RoutingKey).Msg("Message redelivered from retry store.")
}

// escalate hands an entry to the dead-letter service and removes it once the
// record is persisted. If recording fails the entry stays for the next scan.
func (s *Scheduler) escalate(ctx context.Context, entry Entry, reason string) {
	if err := s.sink.Escalate(ctx, entry, reason); err != nil {
		s.logger.Error().Err(err).Str("msg_id", entry.MessageID).Msg("Failed to escalate entry to dead-letter service, leaving in place.")
		return
	}
	if err := s.store.Remove(ctx, entry.MessageID); err != nil {
		s.logger.Error().Err(err).Str("msg_id", entry.MessageID).Msg("Failed to remove escalated retry entry.")
		return
	}
	s.metrics.IncrementCounter(MetricRetryEscalated, map[string]string{"routing_key": entry.RoutingKey})
	s.logger.Warn().Str("msg_id", entry.MessageID).Str("reason", reason).Msg("Retry entry escalated to dead-letter service.")
}
