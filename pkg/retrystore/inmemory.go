package retrystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/questline/go-eventbus/pkg/eventbus"
	"github.com/questline/go-eventbus/pkg/types"
)

// InMemoryStore is a map-backed Store for unit tests and local runs.
type InMemoryStore struct {
	backoff *eventbus.BackoffConfig

	mu      sync.Mutex
	entries map[string]Entry
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(backoff *eventbus.BackoffConfig) *InMemoryStore {
	if backoff == nil {
		backoff = eventbus.NewBackoffDefaults()
	}
	return &InMemoryStore{backoff: backoff, entries: make(map[string]Entry)}
}

// StoreForRetry creates or replaces the entry for a message with attempt 0,
// scheduled for now plus the first backoff delay.
func (s *InMemoryStore) StoreForRetry(_ context.Context, env types.Envelope, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[env.ID] = Entry{
		MessageID:   env.ID,
		RoutingKey:  env.RoutingKey,
		Payload:     env.Payload,
		Attempt:     0,
		NextRetryAt: time.Now().Add(s.backoff.Delay(0)),
		LastError:   lastError,
		EnqueuedAt:  env.EnqueuedAt,
	}
	return nil
}

func (s *InMemoryStore) Due(_ context.Context, now time.Time) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Entry
	for _, e := range s.entries {
		if !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	return due, nil
}

func (s *InMemoryStore) UpdateAttempt(_ context.Context, messageID string, attempt int, nextRetryAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[messageID]
	if !ok {
		return nil
	}
	e.Attempt = attempt
	e.NextRetryAt = nextRetryAt
	e.LastError = lastError
	s.entries[messageID] = e
	return nil
}

func (s *InMemoryStore) Remove(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, messageID)
	return nil
}

func (s *InMemoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *InMemoryStore) Ping(_ context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

// Get returns an entry by id. Test helper.
func (s *InMemoryStore) Get(messageID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[messageID]
	return e, ok
}
