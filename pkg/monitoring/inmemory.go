package monitoring

import (
	"context"
	"sync"
)

// InMemoryAlertStore is a slice-backed AlertStore for unit tests.
type InMemoryAlertStore struct {
	mu     sync.Mutex
	alerts []Alert
}

// NewInMemoryAlertStore creates an empty in-memory alert store.
func NewInMemoryAlertStore() *InMemoryAlertStore {
	return &InMemoryAlertStore{}
}

func (s *InMemoryAlertStore) SaveAlert(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *InMemoryAlertStore) RecentAlerts(_ context.Context, limit int) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Alert, 0, limit)
	for i := len(s.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.alerts[i])
	}
	return out, nil
}

func (s *InMemoryAlertStore) Close() error { return nil }

// All returns every stored alert in raise order. Test helper.
func (s *InMemoryAlertStore) All() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}
