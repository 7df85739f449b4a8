// Package breaker implements the per-routing-key circuit breaker used by the
// event bus publish path. It is a best-effort, per-process gate: correctness
// under failure is provided by the retry store, the breaker only stops the
// bus from hammering a broker that keeps rejecting a key.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures after which the
	// breaker opens for a key.
	FailureThreshold int `env:"BREAKER_FAILURE_THRESHOLD"`
	// ResetTimeout is how long an open breaker stays open with no further
	// failures before it closes again on the next read.
	ResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT"`
}

// NewConfigDefaults provides a config with sensible defaults.
func NewConfigDefaults() *Config {
	return &Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

type keyState struct {
	consecutiveFailures int
	lastFailureAt       time.Time
	open                bool
}

// KeySnapshot is a read-only view of one key's breaker state, exposed for the
// monitoring service.
type KeySnapshot struct {
	RoutingKey          string    `json:"routingKey"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastFailureAt       time.Time `json:"lastFailureAt"`
	IsOpen              bool      `json:"isOpen"`
}

// Breaker tracks consecutive publish failures per routing key. All methods
// are safe for concurrent use.
type Breaker struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	states map[string]*keyState
}

// New creates a Breaker.
func New(cfg *Config, logger zerolog.Logger) *Breaker {
	if cfg == nil {
		cfg = NewConfigDefaults()
	}
	return &Breaker{
		cfg:    *cfg,
		logger: logger.With().Str("component", "Breaker").Logger(),
		now:    time.Now,
		states: make(map[string]*keyState),
	}
}

// SetNowFunc overrides the clock. Intended for tests.
func (b *Breaker) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// IsOpen reports whether publishes for the key should be skipped. An open
// breaker whose reset timeout has elapsed closes here, on the read: the
// failure counter is cleared and the next attempt decides what happens next.
func (b *Breaker) IsOpen(routingKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[routingKey]
	if !ok || !state.open {
		return false
	}
	if b.now().Sub(state.lastFailureAt) >= b.cfg.ResetTimeout {
		state.open = false
		state.consecutiveFailures = 0
		b.logger.Info().Str("routing_key", routingKey).Msg("Circuit breaker reset timeout elapsed, closing.")
		return false
	}
	return true
}

// RecordFailure counts one failed publish attempt for the key and opens the
// breaker once the threshold is reached. Successes are never reported; a
// clean publish simply stops the counter from growing further.
func (b *Breaker) RecordFailure(routingKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[routingKey]
	if !ok {
		state = &keyState{}
		b.states[routingKey] = state
	}
	state.consecutiveFailures++
	state.lastFailureAt = b.now()

	if !state.open && state.consecutiveFailures >= b.cfg.FailureThreshold {
		state.open = true
		b.logger.Warn().
			Str("routing_key", routingKey).
			Int("consecutive_failures", state.consecutiveFailures).
			Msg("Circuit breaker opened.")
	}
}

// Snapshot returns the current state of every tracked key.
func (b *Breaker) Snapshot() []KeySnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]KeySnapshot, 0, len(b.states))
	for key, state := range b.states {
		out = append(out, KeySnapshot{
			RoutingKey:          key,
			ConsecutiveFailures: state.consecutiveFailures,
			LastFailureAt:       state.lastFailureAt,
			IsOpen:              state.open,
		})
	}
	return out
}
