package deadletter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name     string
		errStr   string
		expected Classification
	}{
		{"connection reset", "read tcp 10.0.0.1:5672: Connection reset by peer", Transient},
		{"timeout", "context deadline exceeded: publish timeout", Transient},
		{"refused", "dial tcp 127.0.0.1:5672: connect: connection refused", Transient},
		{"breaker", "circuit breaker open for achievement.unlocked", Transient},
		{"backpressure", "broker buffer full", Transient},
		{"rate limited", "429 Too Many Requests", Transient},
		{"validation", "payload failed schema validation", Permanent},
		{"unmarshal", "json: cannot unmarshal string into Go value", Permanent},
		{"unknown", "unknown error", Permanent},
		{"empty", "", Permanent},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Classify(tc.errStr))
		})
	}
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, Transient, Classify("CONNECTION RESET BY PEER"))
	assert.Equal(t, Transient, Classify("Request Timed Out"))
}
