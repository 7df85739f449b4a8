package eventbus

import (
	"context"

	"github.com/questline/go-eventbus/pkg/types"
)

// ====================================================================================
// This file defines the contracts between the bus core and the broker
// transport, and the narrow sink the bus uses to hand failed publishes to the
// retry store.
// ====================================================================================

// QueueInfo is a point-in-time view of one broker queue.
type QueueInfo struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// Transport is the broker abstraction the bus publishes to and consumes from.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Publish hands one durable envelope to the broker. An error means the
	// broker rejected or buffered-out the send (backpressure) and the caller
	// should fall back to the retry path.
	Publish(ctx context.Context, env types.Envelope) error

	// Consume returns the stream of deliveries from all bound domain queues.
	// The channel is closed when the transport shuts down.
	Consume(ctx context.Context) (<-chan types.Delivery, error)

	// GetFromQueue fetches a single message from a named queue without a
	// standing consumer. ok is false when the queue is empty. Used by the
	// dead-letter drain for bounded batches.
	GetFromQueue(ctx context.Context, queue string) (types.Delivery, bool, error)

	// QueueInfo reports depth and consumer count for one queue.
	QueueInfo(ctx context.Context, queue string) (QueueInfo, error)

	// Queues lists the declared domain queues.
	Queues() []string
	// DeadLetterQueues lists the declared dead-letter queues.
	DeadLetterQueues() []string

	// Ping verifies broker reachability.
	Ping(ctx context.Context) error

	// Close tears down channels and connections.
	Close() error
}

// RetrySink receives envelopes the bus could not hand to the broker. The
// retry store implements this; tests substitute their own.
type RetrySink interface {
	StoreForRetry(ctx context.Context, env types.Envelope, lastError string) error
}
