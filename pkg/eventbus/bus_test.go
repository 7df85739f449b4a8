package eventbus_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questline/go-eventbus/pkg/breaker"
	"github.com/questline/go-eventbus/pkg/eventbus"
	"github.com/questline/go-eventbus/pkg/metrics"
	"github.com/questline/go-eventbus/pkg/types"
)

// fakeRetrySink records envelopes diverted from the publish path.
type fakeRetrySink struct {
	mu      sync.Mutex
	entries []types.Envelope
	errs    []string
	err     error
}

func (s *fakeRetrySink) StoreForRetry(_ context.Context, env types.Envelope, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, env)
	s.errs = append(s.errs, lastError)
	return nil
}

func (s *fakeRetrySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func newTestBus(t *testing.T, cfg *eventbus.BusConfig) (*eventbus.Bus, *eventbus.InMemoryTransport, *fakeRetrySink, *metrics.SnapshotCollector) {
	t.Helper()
	transport := eventbus.NewInMemoryTransport(eventbus.NewTopologyDefaults(), zerolog.Nop())
	t.Cleanup(func() { _ = transport.Close() })

	sink := &fakeRetrySink{}
	collector := metrics.NewSnapshotCollector()
	brk := breaker.New(&breaker.Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second}, zerolog.Nop())

	bus, err := eventbus.NewBus(cfg, transport, brk, sink, collector, zerolog.Nop())
	require.NoError(t, err)
	return bus, transport, sink, collector
}

func TestBus_PublishAndDispatch(t *testing.T) {
	// A published event with a reachable broker reaches its handler exactly
	// once, is acked, and creates no retry entry.
	bus, transport, sink, collector := newTestBus(t, nil)

	var handled atomic.Int32
	bus.Subscribe("achievement.*", func(_ context.Context, payload json.RawMessage) error {
		handled.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Start(ctx))

	bus.Publish(ctx, "achievement.unlocked", map[string]string{"userId": "u1"})

	assert.Eventually(t, func() bool { return handled.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, sink.count())

	// Give any erroneous redelivery a moment to show up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), handled.Load())

	info, err := transport.QueueInfo(ctx, "events.achievement")
	require.NoError(t, err)
	assert.Equal(t, 0, info.Messages)
	assert.Equal(t, int64(1), collector.Counter(eventbus.MetricPublishSuccess, "achievement.unlocked"))
	assert.Equal(t, int64(1), collector.Counter(eventbus.MetricConsumeSuccess, "achievement.unlocked"))
}

func TestBus_PublishFailureGoesToRetrySink(t *testing.T) {
	bus, transport, sink, collector := newTestBus(t, nil)
	transport.FailNextPublishes(2)

	ctx := context.Background()
	bus.Publish(ctx, "quest.completed", map[string]string{"questId": "q1"})
	bus.Publish(ctx, "quest.completed", map[string]string{"questId": "q2"})

	assert.Equal(t, 2, sink.count())
	assert.Equal(t, "broker buffer full", sink.errs[0])
	assert.Equal(t, int64(2), collector.Counter(eventbus.MetricPublishFailure, "quest.completed"))
	assert.False(t, bus.BreakerOpen("quest.completed"), "two failures must not open a threshold-5 breaker")
}

func TestBus_PublishSkipsTransportWhenBreakerOpen(t *testing.T) {
	bus, transport, sink, collector := newTestBus(t, nil)
	transport.SetPublishError(errors.New("broker unreachable"))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		bus.Publish(ctx, "quest.completed", map[string]int{"n": i})
	}
	require.True(t, bus.BreakerOpen("quest.completed"))

	// With the breaker open the transport is no longer attempted: even a
	// recovered broker sees no publish until the breaker resets.
	transport.SetPublishError(nil)
	bus.Publish(ctx, "quest.completed", map[string]int{"n": 5})

	assert.Equal(t, 6, sink.count())
	assert.Equal(t, int64(1), collector.Counter(eventbus.MetricPublishDeferred, "quest.completed"))
	assert.Equal(t, int64(5), collector.Counter(eventbus.MetricPublishFailure, "quest.completed"))
}

func TestBus_PublishNeverSurfacesRetrySinkFailure(t *testing.T) {
	bus, transport, sink, _ := newTestBus(t, nil)
	transport.SetPublishError(errors.New("broker unreachable"))
	sink.err = errors.New("store unreachable")

	// Must not panic or surface anything: failure handling is fully absorbed.
	bus.Publish(context.Background(), "quest.completed", map[string]string{"questId": "q1"})
}

func TestBus_DispatchRequeuesUntilMaxAttemptsThenDeadLetters(t *testing.T) {
	bus, transport, sink, collector := newTestBus(t, &eventbus.BusConfig{NumWorkers: 1, MaxAttempts: 3})

	var handled atomic.Int32
	bus.Subscribe("quest.*", func(_ context.Context, _ json.RawMessage) error {
		handled.Add(1)
		return errors.New("handler exploded")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Start(ctx))

	bus.Publish(ctx, "quest.completed", map[string]string{"questId": "q1"})

	assert.Eventually(t, func() bool {
		info, err := transport.QueueInfo(ctx, "events.quest.dlq")
		return err == nil && info.Messages == 1
	}, 2*time.Second, 10*time.Millisecond, "message must reach the dead-letter queue")

	assert.Equal(t, int32(3), handled.Load(), "handler must run once per attempt")
	assert.Equal(t, 0, sink.count(), "handler failure must not touch the publish retry store")
	assert.Equal(t, int64(2), collector.Counter(eventbus.MetricConsumeFailure, "quest.completed"))
	assert.Equal(t, int64(1), collector.Counter(eventbus.MetricConsumeDeadLetter, "quest.completed"))

	// The dead-lettered copy carries the final redelivery count.
	d, ok, err := transport.GetFromQueue(ctx, "events.quest.dlq")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", d.Headers[types.HeaderRedeliveryCount])
	assert.Equal(t, "handler exploded", d.Headers[types.HeaderLastError])
}

func TestBus_DispatchFansOutToAllMatchingHandlers(t *testing.T) {
	bus, _, _, _ := newTestBus(t, nil)

	var exact, wildcard, unrelated atomic.Int32
	bus.Subscribe("achievement.unlocked", func(_ context.Context, _ json.RawMessage) error {
		exact.Add(1)
		return nil
	})
	bus.Subscribe("achievement.*", func(_ context.Context, _ json.RawMessage) error {
		wildcard.Add(1)
		return nil
	})
	bus.Subscribe("quest.*", func(_ context.Context, _ json.RawMessage) error {
		unrelated.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Start(ctx))

	bus.Publish(ctx, "achievement.unlocked", map[string]string{"userId": "u1"})

	assert.Eventually(t, func() bool {
		return exact.Load() == 1 && wildcard.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), unrelated.Load())
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus, _, _, _ := newTestBus(t, nil)

	var first, second atomic.Int32
	reg := bus.Subscribe("content.*", func(_ context.Context, _ json.RawMessage) error {
		first.Add(1)
		return nil
	})
	bus.Subscribe("content.*", func(_ context.Context, _ json.RawMessage) error {
		second.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Start(ctx))

	reg.Unsubscribe()
	reg.Unsubscribe() // safe to repeat

	bus.Publish(ctx, "content.updated", map[string]string{"id": "c1"})

	assert.Eventually(t, func() bool { return second.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestBus_StopWaitsForWorkers(t *testing.T) {
	bus, _, _, _ := newTestBus(t, &eventbus.BusConfig{NumWorkers: 2, MaxAttempts: 3})

	release := make(chan struct{})
	var started atomic.Int32
	bus.Subscribe("social.*", func(_ context.Context, _ json.RawMessage) error {
		started.Add(1)
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bus.Start(ctx))

	bus.Publish(ctx, "social.followed", map[string]string{"userId": "u1"})
	require.Eventually(t, func() bool { return started.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	close(release)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	assert.NoError(t, bus.Stop(stopCtx))
}
