package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/questline/go-eventbus/pkg/eventbus"
)

func TestBackoff_DelayWithinBounds(t *testing.T) {
	cfg := &eventbus.BackoffConfig{
		InitialDelay: 5 * time.Second,
		Factor:       2.0,
		MaxDelay:     5 * time.Minute,
	}

	testCases := []struct {
		attempt int
		base    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
	}

	for _, tc := range testCases {
		// Jitter is random, so sample a few times per attempt.
		for i := 0; i < 10; i++ {
			d := cfg.Delay(tc.attempt)
			assert.GreaterOrEqual(t, d, tc.base, "attempt %d", tc.attempt)
			assert.Less(t, d, tc.base+time.Second, "attempt %d", tc.attempt)
		}
	}
}

func TestBackoff_DelayCappedAtMax(t *testing.T) {
	cfg := &eventbus.BackoffConfig{
		InitialDelay: 5 * time.Second,
		Factor:       2.0,
		MaxDelay:     time.Minute,
	}

	for i := 0; i < 10; i++ {
		d := cfg.Delay(20)
		assert.GreaterOrEqual(t, d, time.Minute)
		assert.Less(t, d, time.Minute+time.Second)
	}
}

func TestBackoff_NegativeAttemptTreatedAsZero(t *testing.T) {
	cfg := eventbus.NewBackoffDefaults()
	d := cfg.Delay(-3)
	assert.GreaterOrEqual(t, d, cfg.InitialDelay)
	assert.Less(t, d, cfg.InitialDelay+time.Second)
}
