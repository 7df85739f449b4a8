package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/questline/go-eventbus/pkg/types"
)

// Handler processes the payload of one delivered event. Returning an error
// counts as a failed delivery for retry accounting.
type Handler func(ctx context.Context, payload json.RawMessage) error

// EnvelopeHandler is a handler that receives the full envelope, headers
// included. Infrastructure consumers such as the realtime gateway use this
// form to read message metadata.
type EnvelopeHandler func(ctx context.Context, env types.Envelope) error

// Registration represents one subscribed handler. Unsubscribe removes it from
// the registry; in-flight invocations are allowed to finish.
type Registration struct {
	pattern Pattern
	handler EnvelopeHandler

	once     sync.Once
	registry *registry
}

// Pattern returns the routing pattern this registration was made with.
func (r *Registration) Pattern() string { return r.pattern.String() }

// Unsubscribe removes the handler. Safe to call more than once.
func (r *Registration) Unsubscribe() {
	r.once.Do(func() {
		r.registry.remove(r)
	})
}

// registry is the mutex-guarded pattern-to-handler table shared by the bus
// dispatch loop and Subscribe callers.
type registry struct {
	mu      sync.RWMutex
	entries []*Registration
}

func newRegistry() *registry {
	return &registry{}
}

func (r *registry) add(pattern string, handler EnvelopeHandler) *Registration {
	reg := &Registration{
		pattern:  CompilePattern(pattern),
		handler:  handler,
		registry: r,
	}
	r.mu.Lock()
	r.entries = append(r.entries, reg)
	r.mu.Unlock()
	return reg
}

func (r *registry) remove(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, entry := range r.entries {
		if entry == reg {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// handlersFor returns every handler whose pattern matches the routing key.
func (r *registry) handlersFor(routingKey string) []EnvelopeHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []EnvelopeHandler
	for _, entry := range r.entries {
		if entry.pattern.Matches(routingKey) {
			matched = append(matched, entry.handler)
		}
	}
	return matched
}
