// Package retrystore persists events the bus could not hand to the broker
// and schedules their redelivery. Entries are keyed by message id with a
// parallel time-ordered index on the next-eligible time, so the scheduler's
// due-scan is cheap.
package retrystore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/questline/go-eventbus/pkg/types"
)

// Entry is one message awaiting redelivery.
type Entry struct {
	MessageID   string          `json:"messageId"`
	RoutingKey  string          `json:"routingKey"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	NextRetryAt time.Time       `json:"nextRetryAt"`
	LastError   string          `json:"lastError"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// Envelope rebuilds the publishable envelope for this entry.
func (e Entry) Envelope() types.Envelope {
	return types.Envelope{
		ID:         e.MessageID,
		RoutingKey: e.RoutingKey,
		Payload:    e.Payload,
		EnqueuedAt: e.EnqueuedAt,
		RetryCount: e.Attempt,
	}
}

// Store is the durable retry state backend. Implementations must keep the
// entry and its schedule-index position consistent: both written together,
// both removed together.
type Store interface {
	// StoreForRetry creates the entry for a failed publish with attempt 0.
	// It satisfies the bus's RetrySink contract.
	StoreForRetry(ctx context.Context, env types.Envelope, lastError string) error

	// Due returns every entry whose next-retry time is at or before now.
	Due(ctx context.Context, now time.Time) ([]Entry, error)

	// UpdateAttempt records a failed redelivery attempt and the new schedule.
	UpdateAttempt(ctx context.Context, messageID string, attempt int, nextRetryAt time.Time, lastError string) error

	// Remove deletes the entry and its index position.
	Remove(ctx context.Context, messageID string) error

	// Count returns the number of entries awaiting retry.
	Count(ctx context.Context) (int, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
