package gateway

import (
	"context"
	"encoding/json"
	"sync"
)

// Frame is one server-to-client event scoped to a delivery group.
type Frame struct {
	Group   string          `json:"group"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Broadcaster is the shared fan-out layer between gateway instances. A frame
// broadcast by any instance is delivered to the sinks of every instance, so
// clients connected anywhere receive it.
type Broadcaster interface {
	// Broadcast publishes the frame to all instances, this one included.
	Broadcast(ctx context.Context, frame Frame) error

	// Subscribe registers a sink for inbound frames and starts delivery.
	// The sink is invoked sequentially per subscriber.
	Subscribe(ctx context.Context, sink func(Frame)) error

	Close() error
}

// InMemoryBroadcaster delivers frames to local sinks only. It backs unit
// tests and single-instance runs.
type InMemoryBroadcaster struct {
	mu     sync.Mutex
	sinks  []func(Frame)
	closed bool
}

// NewInMemoryBroadcaster creates an empty in-memory broadcaster.
func NewInMemoryBroadcaster() *InMemoryBroadcaster {
	return &InMemoryBroadcaster{}
}

func (b *InMemoryBroadcaster) Broadcast(_ context.Context, frame Frame) error {
	b.mu.Lock()
	sinks := make([]func(Frame), len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()

	for _, sink := range sinks {
		sink(frame)
	}
	return nil
}

func (b *InMemoryBroadcaster) Subscribe(_ context.Context, sink func(Frame)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
	return nil
}

func (b *InMemoryBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.sinks = nil
	return nil
}
