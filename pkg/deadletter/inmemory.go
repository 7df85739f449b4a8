package deadletter

import (
	"context"
	"sync"
	"time"
)

// InMemoryRecordStore is a map-backed RecordStore for unit tests.
type InMemoryRecordStore struct {
	mu       sync.Mutex
	failed   map[string]FailedMessage
	archived map[string]ArchivedMessage
}

// NewInMemoryRecordStore creates an empty in-memory record store.
func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{
		failed:   make(map[string]FailedMessage),
		archived: make(map[string]ArchivedMessage),
	}
}

func (s *InMemoryRecordStore) SaveFailed(_ context.Context, msg FailedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[msg.ID] = msg
	return nil
}

func (s *InMemoryRecordStore) SaveArchived(_ context.Context, msg ArchivedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived[msg.ID] = msg
	return nil
}

func (s *InMemoryRecordStore) FailedByType(_ context.Context, routingKey string, maxAge time.Duration) ([]FailedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}
	var out []FailedMessage
	for _, msg := range s.failed {
		if msg.RoutingKey != routingKey {
			continue
		}
		if !cutoff.IsZero() && msg.FirstSeenAt.Before(cutoff) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *InMemoryRecordStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		CountByType:  make(map[string]int64),
		CountByError: make(map[string]int64),
	}
	for _, msg := range s.failed {
		stats.CountByType[msg.RoutingKey]++
		stats.CountByError[msg.Error]++
	}
	return stats, nil
}

func (s *InMemoryRecordStore) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, msg := range s.failed {
		if msg.FirstSeenAt.Before(cutoff) {
			delete(s.failed, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryRecordStore) Close() error { return nil }

// Failed returns one failed record by id. Test helper.
func (s *InMemoryRecordStore) Failed(id string) (FailedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.failed[id]
	return msg, ok
}

// Archived returns one archived record by id. Test helper.
func (s *InMemoryRecordStore) Archived(id string) (ArchivedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.archived[id]
	return msg, ok
}
