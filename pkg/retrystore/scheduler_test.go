package retrystore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questline/go-eventbus/pkg/eventbus"
	"github.com/questline/go-eventbus/pkg/retrystore"
	"github.com/questline/go-eventbus/pkg/types"
)

// fakePublisher scripts TryPublish outcomes per call.
type fakePublisher struct {
	mu        sync.Mutex
	failures  int
	published []types.Envelope
	openKeys  map[string]bool
}

func (p *fakePublisher) TryPublish(_ context.Context, env types.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker buffer full")
	}
	p.published = append(p.published, env)
	return nil
}

func (p *fakePublisher) BreakerOpen(routingKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openKeys[routingKey]
}

type fakeSink struct {
	mu        sync.Mutex
	escalated []retrystore.Entry
	reasons   []string
	err       error
}

func (s *fakeSink) Escalate(_ context.Context, entry retrystore.Entry, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.escalated = append(s.escalated, entry)
	s.reasons = append(s.reasons, reason)
	return nil
}

// fastBackoff keeps test entries due almost immediately.
func fastBackoff() *eventbus.BackoffConfig {
	return &eventbus.BackoffConfig{InitialDelay: time.Millisecond, Factor: 2.0, MaxDelay: 10 * time.Millisecond}
}

func newTestScheduler(store retrystore.Store, pub *fakePublisher, sink *fakeSink, maxAttempts int) *retrystore.Scheduler {
	cfg := &retrystore.SchedulerConfig{Interval: 10 * time.Millisecond, MaxAttempts: maxAttempts}
	return retrystore.NewScheduler(cfg, store, pub, sink, fastBackoff(), nil, zerolog.Nop())
}

func storeEntry(t *testing.T, store retrystore.Store, routingKey, payload, lastError string) types.Envelope {
	t.Helper()
	env := types.NewEnvelope(routingKey, []byte(payload))
	require.NoError(t, store.StoreForRetry(context.Background(), env, lastError))
	return env
}

func waitUntilDue(t *testing.T) {
	t.Helper()
	// The fast backoff schedules entries at most ~1s out (jitter included).
	time.Sleep(1100 * time.Millisecond)
}

func TestScheduler_RedeliversDueEntry(t *testing.T) {
	store := retrystore.NewInMemoryStore(fastBackoff())
	pub := &fakePublisher{openKeys: map[string]bool{}}
	sink := &fakeSink{}
	sched := newTestScheduler(store, pub, sink, 5)

	env := storeEntry(t, store, "quest.completed", `{"questId":"q1"}`, "broker buffer full")
	waitUntilDue(t)

	sched.ProcessRetryQueue(context.Background())

	require.Len(t, pub.published, 1)
	assert.Equal(t, env.ID, pub.published[0].ID)
	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count, "redelivered entry must be removed")
	assert.Empty(t, sink.escalated)
}

func TestScheduler_FailedRedeliveryIncrementsAttempt(t *testing.T) {
	store := retrystore.NewInMemoryStore(fastBackoff())
	pub := &fakePublisher{failures: 1, openKeys: map[string]bool{}}
	sink := &fakeSink{}
	sched := newTestScheduler(store, pub, sink, 5)

	env := storeEntry(t, store, "quest.completed", `{"questId":"q1"}`, "broker buffer full")
	waitUntilDue(t)

	sched.ProcessRetryQueue(context.Background())

	entry, ok := store.Get(env.ID)
	require.True(t, ok, "entry must survive a failed redelivery")
	assert.Equal(t, 1, entry.Attempt)
	assert.Equal(t, "broker buffer full", entry.LastError)
	assert.True(t, entry.NextRetryAt.After(time.Now().Add(-time.Second)))

	// The next scan succeeds and clears the entry: the broker came back.
	waitUntilDue(t)
	sched.ProcessRetryQueue(context.Background())

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	require.Len(t, pub.published, 1)
	assert.Equal(t, 1, pub.published[0].RetryCount, "redelivered envelope carries the attempt count")
}

func TestScheduler_ExhaustedAttemptsEscalate(t *testing.T) {
	store := retrystore.NewInMemoryStore(fastBackoff())
	pub := &fakePublisher{openKeys: map[string]bool{}}
	sink := &fakeSink{}
	sched := newTestScheduler(store, pub, sink, 2)

	env := storeEntry(t, store, "quest.completed", `{"questId":"q1"}`, "broker buffer full")
	require.NoError(t, store.UpdateAttempt(context.Background(), env.ID, 2, time.Now().Add(-time.Second), "still failing"))

	sched.ProcessRetryQueue(context.Background())

	require.Len(t, sink.escalated, 1)
	assert.Equal(t, env.ID, sink.escalated[0].MessageID)
	assert.Equal(t, "retry attempts exhausted", sink.reasons[0])
	assert.Empty(t, pub.published, "an exhausted entry must not be published again")

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestScheduler_MalformedPayloadEscalates(t *testing.T) {
	store := retrystore.NewInMemoryStore(fastBackoff())
	pub := &fakePublisher{openKeys: map[string]bool{}}
	sink := &fakeSink{}
	sched := newTestScheduler(store, pub, sink, 5)

	storeEntry(t, store, "quest.completed", `{"questId":`, "broker buffer full")
	waitUntilDue(t)

	sched.ProcessRetryQueue(context.Background())

	require.Len(t, sink.escalated, 1)
	assert.Equal(t, "malformed payload", sink.reasons[0])
	assert.Empty(t, pub.published)
}

func TestScheduler_OpenBreakerLeavesEntryInPlace(t *testing.T) {
	store := retrystore.NewInMemoryStore(fastBackoff())
	pub := &fakePublisher{openKeys: map[string]bool{"quest.completed": true}}
	sink := &fakeSink{}
	sched := newTestScheduler(store, pub, sink, 5)

	env := storeEntry(t, store, "quest.completed", `{"questId":"q1"}`, "broker buffer full")
	waitUntilDue(t)

	sched.ProcessRetryQueue(context.Background())

	entry, ok := store.Get(env.ID)
	require.True(t, ok)
	assert.Equal(t, 0, entry.Attempt, "a skipped entry is untouched")
	assert.Empty(t, pub.published)
	assert.Empty(t, sink.escalated)
}

func TestScheduler_EscalationFailureLeavesEntry(t *testing.T) {
	store := retrystore.NewInMemoryStore(fastBackoff())
	pub := &fakePublisher{openKeys: map[string]bool{}}
	sink := &fakeSink{err: errors.New("record store unreachable")}
	sched := newTestScheduler(store, pub, sink, 1)

	env := storeEntry(t, store, "quest.completed", `{"questId":"q1"}`, "broker buffer full")
	require.NoError(t, store.UpdateAttempt(context.Background(), env.ID, 1, time.Now().Add(-time.Second), "still failing"))

	sched.ProcessRetryQueue(context.Background())

	_, ok := store.Get(env.ID)
	assert.True(t, ok, "entry must stay for the next scan when escalation fails")
}

func TestScheduler_StartStop(t *testing.T) {
	store := retrystore.NewInMemoryStore(fastBackoff())
	pub := &fakePublisher{openKeys: map[string]bool{}}
	sink := &fakeSink{}
	sched := newTestScheduler(store, pub, sink, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := storeEntry(t, store, "quest.completed", `{"questId":"q1"}`, "broker buffer full")
	sched.Start(ctx)

	assert.Eventually(t, func() bool {
		count, err := store.Count(context.Background())
		return err == nil && count == 0
	}, 5*time.Second, 20*time.Millisecond, "the ticker loop must pick up the due entry")

	sched.Stop()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.published, 1)
	assert.Equal(t, env.ID, pub.published[0].ID)
}
