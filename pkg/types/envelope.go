package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Header names carried on broker messages. The redelivery count travels with
// the message so consumers on any instance see the same attempt history.
const (
	HeaderRedeliveryCount = "x-redelivery-count"
	HeaderTargetUser      = "x-target-user"
	HeaderLastError       = "x-last-error"
)

// Envelope is the canonical representation of a domain event in flight. It is
// immutable once created; identity is the ID, which is unique per publish
// attempt.
type Envelope struct {
	// ID is the unique identifier assigned when the envelope is created.
	ID string `json:"id"`
	// RoutingKey is the dot-separated event category, e.g. "achievement.unlocked".
	RoutingKey string `json:"routingKey"`
	// Payload is the serialized event body. The transport treats it as opaque.
	Payload json.RawMessage `json:"payload"`
	// EnqueuedAt is the timestamp of the original publish.
	EnqueuedAt time.Time `json:"enqueuedAt"`
	// RetryCount is the number of publish attempts already consumed by the
	// retry path when this envelope was handed to the broker.
	RetryCount int `json:"retryCount"`

	// Headers holds broker metadata such as the redelivery count and the
	// target-user id used by the realtime gateway.
	Headers map[string]string `json:"headers,omitempty"`
}

// NewEnvelope creates an envelope for a fresh publish attempt. The payload
// must already be serialized.
func NewEnvelope(routingKey string, payload []byte) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		RoutingKey: routingKey,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Delivery is an envelope as received from the broker, together with the
// acknowledgment handles for this delivery attempt.
type Delivery struct {
	Envelope

	// Redeliveries is the value of the redelivery-count header, i.e. how many
	// times this message has already been rejected and requeued.
	Redeliveries int

	// Ack permanently removes the message from the broker.
	Ack func()
	// Reject signals failed processing. With requeue the message is requeued
	// for another attempt (with its redelivery count incremented); without it
	// the message is routed to the dead-letter exchange. The reason travels
	// with the message as the last-error header so the dead-letter drain can
	// classify it later.
	Reject func(requeue bool, reason string)
}
