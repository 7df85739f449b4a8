// Package monitoring samples queue and throughput metrics, runs health
// checks against the broker and the retry store, and evaluates alert
// thresholds, publishing breaches back onto the bus as system.alert events.
package monitoring

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/questline/go-eventbus/pkg/eventbus"
	"github.com/questline/go-eventbus/pkg/metrics"
)

// Metric names emitted by the monitoring service.
const (
	MetricQueueDepth     = "eventbus.queue.depth"
	MetricQueueConsumers = "eventbus.queue.consumers"
	MetricAlertRaised    = "monitoring.alert.raised"
)

// RetryStore is the slice of the retry store the monitoring service needs.
type RetryStore interface {
	Ping(ctx context.Context) error
	Count(ctx context.Context) (int, error)
}

// AlertPublisher re-injects raised alerts onto the bus as events.
type AlertPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any)
}

// Config holds the sampling cadences and alert thresholds.
type Config struct {
	MetricsInterval time.Duration `env:"MONITOR_METRICS_INTERVAL"`
	HealthInterval  time.Duration `env:"MONITOR_HEALTH_INTERVAL"`
	AlertInterval   time.Duration `env:"MONITOR_ALERT_INTERVAL"`

	// RateHistory is how many metric samples the rolling rate window keeps.
	RateHistory int `env:"MONITOR_RATE_HISTORY"`

	// ErrorRateThreshold is the failed/total ratio above which an alert fires.
	ErrorRateThreshold float64 `env:"MONITOR_ERROR_RATE_THRESHOLD"`
	// ProcessingTimeThreshold is the average handler latency above which an
	// alert fires.
	ProcessingTimeThreshold time.Duration `env:"MONITOR_PROCESSING_TIME_THRESHOLD"`
	// QueueDepthThreshold is the per-queue message count above which an alert
	// fires.
	QueueDepthThreshold int `env:"MONITOR_QUEUE_DEPTH_THRESHOLD"`
	// ConsumerLagThreshold is the estimated drain time in seconds
	// (depth divided by consume rate) above which an alert fires.
	ConsumerLagThreshold float64 `env:"MONITOR_CONSUMER_LAG_THRESHOLD"`
	// DeadLetterBacklogThreshold is the total dead-letter depth above which
	// the backlog health check fails.
	DeadLetterBacklogThreshold int `env:"MONITOR_DLQ_BACKLOG_THRESHOLD"`
}

// NewConfigDefaults provides a config with sensible defaults.
func NewConfigDefaults() *Config {
	return &Config{
		MetricsInterval:            15 * time.Second,
		HealthInterval:             30 * time.Second,
		AlertInterval:              30 * time.Second,
		RateHistory:                20,
		ErrorRateThreshold:         0.10,
		ProcessingTimeThreshold:    time.Second,
		QueueDepthThreshold:        1000,
		ConsumerLagThreshold:       300,
		DeadLetterBacklogThreshold: 100,
	}
}

// QueueMetrics is one queue's live and rolling numbers.
type QueueMetrics struct {
	Queue         string        `json:"queue"`
	Messages      int           `json:"messages"`
	Consumers     int           `json:"consumers"`
	PublishRate   float64       `json:"publishRate"`
	ConsumeRate   float64       `json:"consumeRate"`
	ErrorRate     float64       `json:"errorRate"`
	AvgProcessing time.Duration `json:"avgProcessing"`
}

// CheckResult is one health check's outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthStatus aggregates all health checks.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// SystemStatus is the on-demand snapshot served by the ops surface.
type SystemStatus struct {
	CollectedAt  time.Time      `json:"collectedAt"`
	Health       HealthStatus   `json:"health"`
	Queues       []QueueMetrics `json:"queues"`
	RetryPending int            `json:"retryPending"`
	RecentAlerts []Alert        `json:"recentAlerts"`
}

// queueTotals are cumulative per-queue counter readings, aggregated from the
// per-routing-key totals the bus emits.
type queueTotals struct {
	published int64
	consumed  int64
	failed    int64
	total     int64
	latency   metrics.DurationStat
}

type rateSample struct {
	at      time.Time
	byQueue map[string]queueTotals
}

// Service is the event monitoring service. Each periodic concern runs on its
// own ticker so a slow health check never delays metric sampling.
type Service struct {
	cfg       Config
	transport eventbus.Transport
	topology  *eventbus.Topology
	retry     RetryStore
	snapshot  *metrics.SnapshotCollector
	alerts    AlertStore
	bus       AlertPublisher
	metrics   metrics.Collector
	logger    zerolog.Logger

	mu         sync.Mutex
	samples    []rateSample
	lastQueues []QueueMetrics

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewService creates a monitoring Service.
func NewService(
	cfg *Config,
	transport eventbus.Transport,
	topology *eventbus.Topology,
	retry RetryStore,
	snapshot *metrics.SnapshotCollector,
	alerts AlertStore,
	bus AlertPublisher,
	collector metrics.Collector,
	logger zerolog.Logger,
) *Service {
	if cfg == nil {
		cfg = NewConfigDefaults()
	}
	if topology == nil {
		topology = eventbus.NewTopologyDefaults()
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &Service{
		cfg:       *cfg,
		transport: transport,
		topology:  topology,
		retry:     retry,
		snapshot:  snapshot,
		alerts:    alerts,
		bus:       bus,
		metrics:   collector,
		logger:    logger.With().Str("component", "MonitoringService").Logger(),
		stopChan:  make(chan struct{}),
	}
}

// Start launches the metric, health, and alert loops.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().
		Dur("metrics_interval", s.cfg.MetricsInterval).
		Dur("alert_interval", s.cfg.AlertInterval).
		Msg("Starting monitoring service...")

	s.runLoop(ctx, s.cfg.MetricsInterval, func(ctx context.Context) {
		if _, err := s.CollectMetrics(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Metric collection failed.")
		}
	})
	s.runLoop(ctx, s.cfg.HealthInterval, func(ctx context.Context) {
		health := s.PerformHealthChecks(ctx)
		if !health.Healthy {
			s.logger.Warn().Interface("checks", health.Checks).Msg("Health checks reported degradation.")
		}
	})
	s.runLoop(ctx, s.cfg.AlertInterval, func(ctx context.Context) {
		s.CheckAlertConditions(ctx)
	})
}

func (s *Service) runLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Stop halts the periodic loops and waits for in-flight evaluations.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info().Msg("Monitoring service stopped.")
}

// CollectMetrics samples every domain queue and updates the rolling rate
// window. Rates are events per second averaged over the window.
func (s *Service) CollectMetrics(ctx context.Context) ([]QueueMetrics, error) {
	totals := s.totalsByQueue()
	now := time.Now()

	s.mu.Lock()
	oldest := rateSample{}
	if len(s.samples) > 0 {
		oldest = s.samples[0]
	}
	s.mu.Unlock()

	var out []QueueMetrics
	for _, queue := range s.topology.Queues() {
		info, err := s.transport.QueueInfo(ctx, queue)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
		}

		cur := totals[queue]
		qm := QueueMetrics{
			Queue:         queue,
			Messages:      info.Messages,
			Consumers:     info.Consumers,
			AvgProcessing: cur.latency.Average(),
		}
		if cur.total > 0 {
			qm.ErrorRate = float64(cur.failed) / float64(cur.total)
		}
		if oldest.at != (time.Time{}) {
			elapsed := now.Sub(oldest.at).Seconds()
			if elapsed > 0 {
				prev := oldest.byQueue[queue]
				qm.PublishRate = float64(cur.published-prev.published) / elapsed
				qm.ConsumeRate = float64(cur.consumed-prev.consumed) / elapsed
			}
		}
		out = append(out, qm)

		tags := map[string]string{"routing_key": queue}
		s.metrics.RecordGauge(MetricQueueDepth, float64(info.Messages), tags)
		s.metrics.RecordGauge(MetricQueueConsumers, float64(info.Consumers), tags)
	}

	s.mu.Lock()
	s.samples = append(s.samples, rateSample{at: now, byQueue: totals})
	if len(s.samples) > s.cfg.RateHistory {
		s.samples = s.samples[len(s.samples)-s.cfg.RateHistory:]
	}
	s.lastQueues = out
	s.mu.Unlock()

	return out, nil
}

// totalsByQueue folds the snapshot collector's per-routing-key totals into
// per-queue totals using the topology's domain bindings.
func (s *Service) totalsByQueue() map[string]queueTotals {
	snap := s.snapshot.Snapshot()
	totals := make(map[string]queueTotals)

	add := func(routingKey string, fn func(*queueTotals)) {
		domain, ok := s.topology.DomainOf(routingKey)
		if !ok {
			return
		}
		queue := s.topology.QueueName(domain)
		t := totals[queue]
		fn(&t)
		totals[queue] = t
	}

	for key, count := range snap.Counters {
		name, routingKey, ok := strings.Cut(key, "|")
		if !ok {
			continue
		}
		c := count
		switch name {
		case eventbus.MetricPublishSuccess:
			add(routingKey, func(t *queueTotals) { t.published += c; t.total += c })
		case eventbus.MetricPublishFailure:
			add(routingKey, func(t *queueTotals) { t.failed += c; t.total += c })
		case eventbus.MetricConsumeSuccess:
			add(routingKey, func(t *queueTotals) { t.consumed += c; t.total += c })
		case eventbus.MetricConsumeFailure:
			add(routingKey, func(t *queueTotals) { t.failed += c; t.total += c })
		}
	}
	for key, stat := range snap.Durations {
		name, routingKey, ok := strings.Cut(key, "|")
		if !ok || name != eventbus.MetricProcessingTime {
			continue
		}
		st := stat
		add(routingKey, func(t *queueTotals) {
			t.latency.Total += st.Total
			t.latency.Count += st.Count
		})
	}
	return totals
}

// PerformHealthChecks runs every health probe. A failed probe is logged and
// reflected in the result; it never stops the other probes.
func (s *Service) PerformHealthChecks(ctx context.Context) HealthStatus {
	status := HealthStatus{Healthy: true, CheckedAt: time.Now().UTC()}
	record := func(name string, healthy bool, detail string) {
		status.Checks = append(status.Checks, CheckResult{Name: name, Healthy: healthy, Detail: detail})
		if !healthy {
			status.Healthy = false
		}
	}

	if err := s.transport.Ping(ctx); err != nil {
		record("broker", false, err.Error())
	} else {
		record("broker", true, "")
	}

	if err := s.retry.Ping(ctx); err != nil {
		record("retry_store", false, err.Error())
	} else {
		record("retry_store", true, "")
	}

	missing := 0
	for _, queue := range s.topology.Queues() {
		info, err := s.transport.QueueInfo(ctx, queue)
		if err != nil {
			record("consumers", false, fmt.Sprintf("failed to inspect %s: %v", queue, err))
			missing = -1
			break
		}
		if info.Consumers == 0 {
			missing++
		}
	}
	if missing == 0 {
		record("consumers", true, "")
	} else if missing > 0 {
		record("consumers", false, fmt.Sprintf("%d queue(s) have no consumer", missing))
	}

	backlog := 0
	backlogHealthy := true
	for _, queue := range s.transport.DeadLetterQueues() {
		info, err := s.transport.QueueInfo(ctx, queue)
		if err != nil {
			record("deadletter_backlog", false, fmt.Sprintf("failed to inspect %s: %v", queue, err))
			backlogHealthy = false
			break
		}
		backlog += info.Messages
	}
	if backlogHealthy {
		if backlog >= s.cfg.DeadLetterBacklogThreshold {
			record("deadletter_backlog", false, fmt.Sprintf("%d dead-lettered messages (threshold %d)", backlog, s.cfg.DeadLetterBacklogThreshold))
		} else {
			record("deadletter_backlog", true, "")
		}
	}

	return status
}

// CheckAlertConditions evaluates the live metrics against the configured
// thresholds and raises an alert for every breach. Alerts are not
// deduplicated across cycles; a standing breach re-fires each evaluation.
func (s *Service) CheckAlertConditions(ctx context.Context) []Alert {
	queues, err := s.CollectMetrics(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Alert evaluation skipped, metric collection failed.")
		return nil
	}

	var raised []Alert
	for _, q := range queues {
		if q.ErrorRate > s.cfg.ErrorRateThreshold {
			raised = append(raised, s.raise(ctx, Alert{
				Type:      AlertErrorRate,
				Severity:  SeverityCritical,
				Queue:     q.Queue,
				Message:   fmt.Sprintf("error rate %.2f exceeds %.2f on %s", q.ErrorRate, s.cfg.ErrorRateThreshold, q.Queue),
				Value:     q.ErrorRate,
				Threshold: s.cfg.ErrorRateThreshold,
			}))
		}
		if q.AvgProcessing > s.cfg.ProcessingTimeThreshold {
			raised = append(raised, s.raise(ctx, Alert{
				Type:      AlertProcessingTime,
				Severity:  SeverityWarning,
				Queue:     q.Queue,
				Message:   fmt.Sprintf("average processing time %s exceeds %s on %s", q.AvgProcessing, s.cfg.ProcessingTimeThreshold, q.Queue),
				Value:     float64(q.AvgProcessing.Milliseconds()),
				Threshold: float64(s.cfg.ProcessingTimeThreshold.Milliseconds()),
			}))
		}
		if q.Messages > s.cfg.QueueDepthThreshold {
			raised = append(raised, s.raise(ctx, Alert{
				Type:      AlertQueueDepth,
				Severity:  SeverityWarning,
				Queue:     q.Queue,
				Message:   fmt.Sprintf("queue depth %d exceeds %d on %s", q.Messages, s.cfg.QueueDepthThreshold, q.Queue),
				Value:     float64(q.Messages),
				Threshold: float64(s.cfg.QueueDepthThreshold),
			}))
		}
		if lag, breached := consumerLag(q, s.cfg.ConsumerLagThreshold); breached {
			alert := Alert{
				Type:      AlertConsumerLag,
				Severity:  SeverityWarning,
				Queue:     q.Queue,
				Message:   fmt.Sprintf("estimated drain time %.0fs exceeds %.0fs on %s", lag, s.cfg.ConsumerLagThreshold, q.Queue),
				Value:     lag,
				Threshold: s.cfg.ConsumerLagThreshold,
			}
			if math.IsInf(lag, 1) {
				// Infinity does not survive JSON, report the stalled depth.
				alert.Message = fmt.Sprintf("%d message(s) on %s with no observed consumption", q.Messages, q.Queue)
				alert.Value = float64(q.Messages)
			}
			raised = append(raised, s.raise(ctx, alert))
		}
	}
	return raised
}

// consumerLag estimates seconds to drain the queue at the current consume
// rate. A non-empty queue with no consumption at all is always a breach.
func consumerLag(q QueueMetrics, threshold float64) (float64, bool) {
	if q.Messages == 0 {
		return 0, false
	}
	if q.ConsumeRate <= 0 {
		return math.Inf(1), true
	}
	lag := float64(q.Messages) / q.ConsumeRate
	return lag, lag > threshold
}

func (s *Service) raise(ctx context.Context, alert Alert) Alert {
	alert.ID = uuid.NewString()
	alert.RaisedAt = time.Now().UTC()

	if err := s.alerts.SaveAlert(ctx, alert); err != nil {
		s.logger.Error().Err(err).Str("alert_type", string(alert.Type)).Msg("Failed to persist alert.")
	}
	if s.bus != nil {
		s.bus.Publish(ctx, "system.alert", alert)
	}
	s.metrics.IncrementCounter(MetricAlertRaised, map[string]string{"routing_key": alert.Queue})
	s.logger.Warn().
		Str("alert_type", string(alert.Type)).
		Str("queue", alert.Queue).
		Float64("value", alert.Value).
		Float64("threshold", alert.Threshold).
		Msg(alert.Message)
	return alert
}

// GetSystemStatus assembles the on-demand health, metric, and alert snapshot.
func (s *Service) GetSystemStatus(ctx context.Context) (SystemStatus, error) {
	queues, err := s.CollectMetrics(ctx)
	if err != nil {
		return SystemStatus{}, err
	}

	pending, err := s.retry.Count(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to count pending retries for status snapshot.")
		pending = -1
	}

	recent, err := s.alerts.RecentAlerts(ctx, 20)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load recent alerts for status snapshot.")
	}

	return SystemStatus{
		CollectedAt:  time.Now().UTC(),
		Health:       s.PerformHealthChecks(ctx),
		Queues:       queues,
		RetryPending: pending,
		RecentAlerts: recent,
	}, nil
}
