package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/questline/go-eventbus/pkg/types"
)

// InMemoryTransport is a Transport with the same routing semantics as the
// AMQP implementation: topic bindings per domain, a redelivery-count header
// incremented on requeue, and per-domain dead-letter queues. It backs unit
// tests and local runs without a broker.
type InMemoryTransport struct {
	topology *Topology
	logger   zerolog.Logger

	mu            sync.Mutex
	queues        map[string][]memMessage
	consumers     map[string]int
	deliveries    chan types.Delivery
	consuming     bool
	closed        bool
	failRemain    int
	persistentErr error
}

type memMessage struct {
	env          types.Envelope
	redeliveries int
}

// NewInMemoryTransport creates an in-memory transport with all queues from
// the topology declared.
func NewInMemoryTransport(topology *Topology, logger zerolog.Logger) *InMemoryTransport {
	if topology == nil {
		topology = NewTopologyDefaults()
	}
	t := &InMemoryTransport{
		topology:   topology,
		logger:     logger.With().Str("component", "InMemoryTransport").Logger(),
		queues:     make(map[string][]memMessage),
		consumers:  make(map[string]int),
		deliveries: make(chan types.Delivery, 1024),
	}
	for _, q := range topology.Queues() {
		t.queues[q] = nil
	}
	for _, q := range topology.DeadLetterQueues() {
		t.queues[q] = nil
	}
	return t
}

// FailNextPublishes makes the next n Publish calls return an error,
// simulating broker backpressure. Intended for tests.
func (t *InMemoryTransport) FailNextPublishes(n int) {
	t.mu.Lock()
	t.failRemain = n
	t.mu.Unlock()
}

// SetPublishError makes every Publish call fail until cleared with nil.
func (t *InMemoryTransport) SetPublishError(err error) {
	t.mu.Lock()
	t.persistentErr = err
	t.mu.Unlock()
}

// Publish routes the envelope to the domain queue bound to its routing key.
func (t *InMemoryTransport) Publish(_ context.Context, env types.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport is closed")
	}
	if t.persistentErr != nil {
		return t.persistentErr
	}
	if t.failRemain > 0 {
		t.failRemain--
		return fmt.Errorf("broker buffer full")
	}

	domain, ok := t.topology.DomainOf(env.RoutingKey)
	if !ok {
		// Unroutable keys are silently dropped, matching a topic exchange
		// with no matching binding.
		t.logger.Debug().Str("routing_key", env.RoutingKey).Msg("No binding matches routing key, dropping.")
		return nil
	}

	redeliveries := headerCount(env)
	t.enqueueLocked(t.topology.QueueName(domain), memMessage{env: env, redeliveries: redeliveries})
	return nil
}

// enqueueLocked appends to a queue and, when a consumer is attached, forwards
// a delivery immediately. Callers must hold t.mu.
func (t *InMemoryTransport) enqueueLocked(queue string, msg memMessage) {
	if t.consuming && !isDeadLetterQueue(t.topology, queue) {
		select {
		case t.deliveries <- t.makeDelivery(queue, msg):
			return
		default:
			// Delivery buffer full, leave the message queued.
		}
	}
	t.queues[queue] = append(t.queues[queue], msg)
}

func (t *InMemoryTransport) makeDelivery(queue string, msg memMessage) types.Delivery {
	env := msg.env
	d := types.Delivery{
		Envelope:     env,
		Redeliveries: msg.redeliveries,
	}
	var settled sync.Once
	d.Ack = func() { settled.Do(func() {}) }
	d.Reject = func(requeue bool, reason string) {
		settled.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.closed {
				return
			}
			if requeue {
				requeued := msg
				requeued.redeliveries++
				requeued.env.Headers = withHeaders(requeued.env, requeued.redeliveries, reason)
				t.enqueueLocked(queue, requeued)
				return
			}
			domain, ok := t.topology.DomainOf(env.RoutingKey)
			if !ok {
				return
			}
			dead := msg
			dead.env.Headers = withHeaders(dead.env, dead.redeliveries, reason)
			t.queues[t.topology.DeadLetterQueueName(domain)] = append(t.queues[t.topology.DeadLetterQueueName(domain)], dead)
		})
	}
	return d
}

// Consume attaches a consumer to every domain queue and returns the merged
// delivery stream. Messages already queued are flushed first.
func (t *InMemoryTransport) Consume(ctx context.Context) (<-chan types.Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport is closed")
	}
	t.consuming = true
	for _, q := range t.topology.Queues() {
		t.consumers[q]++
		var remaining []memMessage
		for i, msg := range t.queues[q] {
			select {
			case t.deliveries <- t.makeDelivery(q, msg):
			default:
				remaining = append(remaining, t.queues[q][i:]...)
			}
			if remaining != nil {
				break
			}
		}
		t.queues[q] = remaining
	}

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.consuming {
			t.consuming = false
			for _, q := range t.topology.Queues() {
				if t.consumers[q] > 0 {
					t.consumers[q]--
				}
			}
		}
	}()

	return t.deliveries, nil
}

// GetFromQueue pops one message from a named queue, dead-letter queues
// included. ok is false when the queue is empty.
func (t *InMemoryTransport) GetFromQueue(_ context.Context, queue string) (types.Delivery, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return types.Delivery{}, false, fmt.Errorf("transport is closed")
	}
	msgs, ok := t.queues[queue]
	if !ok {
		return types.Delivery{}, false, fmt.Errorf("unknown queue %q", queue)
	}
	if len(msgs) == 0 {
		return types.Delivery{}, false, nil
	}

	msg := msgs[0]
	t.queues[queue] = msgs[1:]
	return t.makeDelivery(queue, msg), true, nil
}

// QueueInfo reports queue depth and attached consumer count.
func (t *InMemoryTransport) QueueInfo(_ context.Context, queue string) (QueueInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs, ok := t.queues[queue]
	if !ok {
		return QueueInfo{}, fmt.Errorf("unknown queue %q", queue)
	}
	return QueueInfo{
		Name:      queue,
		Messages:  len(msgs),
		Consumers: t.consumers[queue],
	}, nil
}

// Queues lists the domain queues.
func (t *InMemoryTransport) Queues() []string { return t.topology.Queues() }

// DeadLetterQueues lists the dead-letter queues.
func (t *InMemoryTransport) DeadLetterQueues() []string { return t.topology.DeadLetterQueues() }

// Ping always succeeds while the transport is open.
func (t *InMemoryTransport) Ping(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport is closed")
	}
	return nil
}

// Close shuts the transport down. Pending deliveries are discarded.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.consuming = false
	close(t.deliveries)
	return nil
}

func isDeadLetterQueue(topology *Topology, queue string) bool {
	for _, q := range topology.DeadLetterQueues() {
		if q == queue {
			return true
		}
	}
	return false
}

func headerCount(env types.Envelope) int {
	if env.Headers == nil {
		return 0
	}
	n, err := strconv.Atoi(env.Headers[types.HeaderRedeliveryCount])
	if err != nil {
		return 0
	}
	return n
}

func withHeaders(env types.Envelope, count int, reason string) map[string]string {
	headers := make(map[string]string, len(env.Headers)+2)
	for k, v := range env.Headers {
		headers[k] = v
	}
	headers[types.HeaderRedeliveryCount] = strconv.Itoa(count)
	if reason != "" {
		headers[types.HeaderLastError] = reason
	}
	return headers
}
