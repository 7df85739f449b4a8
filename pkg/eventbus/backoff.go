package eventbus

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig describes the exponential retry delay curve.
type BackoffConfig struct {
	InitialDelay time.Duration `env:"BACKOFF_INITIAL_DELAY"`
	Factor       float64       `env:"BACKOFF_FACTOR"`
	MaxDelay     time.Duration `env:"BACKOFF_MAX_DELAY"`
}

// NewBackoffDefaults provides a config with sensible defaults.
func NewBackoffDefaults() *BackoffConfig {
	return &BackoffConfig{
		InitialDelay: 5 * time.Second,
		Factor:       2.0,
		MaxDelay:     5 * time.Minute,
	}
}

// Delay computes the delay before retry attempt n:
// min(initial*factor^n, max) plus up to one second of jitter. The jitter
// keeps a burst of simultaneously-failing messages from retrying in lockstep.
func (c *BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(c.InitialDelay) * math.Pow(c.Factor, float64(attempt))
	if base > float64(c.MaxDelay) {
		base = float64(c.MaxDelay)
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return time.Duration(base) + jitter
}
