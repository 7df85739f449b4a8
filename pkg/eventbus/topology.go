package eventbus

import (
	"fmt"
	"strings"
)

// Topology describes the broker layout shared by every transport: one durable
// topic exchange, one durable queue per event domain bound to "<domain>.#",
// and a parallel dead-letter exchange with one dead-letter queue per domain.
type Topology struct {
	// Exchange is the name of the topic exchange events are published to.
	Exchange string `env:"BROKER_EXCHANGE"`
	// DeadLetterExchange is the name of the parallel dead-letter exchange.
	DeadLetterExchange string `env:"BROKER_DLX"`
	// Domains are the event domains, i.e. the first segment of every routing
	// key ("achievement", "quest", ...). One queue pair is declared per domain.
	Domains []string `env:"BROKER_DOMAINS" envSeparator:","`
}

// NewTopologyDefaults provides the topology used by the application.
func NewTopologyDefaults() *Topology {
	return &Topology{
		Exchange:           "events",
		DeadLetterExchange: "events.dlx",
		Domains:            []string{"achievement", "quest", "content", "social", "notification", "analytics", "system"},
	}
}

// QueueName returns the durable queue name for a domain.
func (t *Topology) QueueName(domain string) string {
	return fmt.Sprintf("%s.%s", t.Exchange, domain)
}

// DeadLetterQueueName returns the dead-letter queue name for a domain.
func (t *Topology) DeadLetterQueueName(domain string) string {
	return fmt.Sprintf("%s.%s.dlq", t.Exchange, domain)
}

// BindingPattern returns the routing pattern binding a domain queue.
func (t *Topology) BindingPattern(domain string) string {
	return domain + ".#"
}

// Queues lists every domain queue name.
func (t *Topology) Queues() []string {
	out := make([]string, 0, len(t.Domains))
	for _, d := range t.Domains {
		out = append(out, t.QueueName(d))
	}
	return out
}

// DeadLetterQueues lists every dead-letter queue name.
func (t *Topology) DeadLetterQueues() []string {
	out := make([]string, 0, len(t.Domains))
	for _, d := range t.Domains {
		out = append(out, t.DeadLetterQueueName(d))
	}
	return out
}

// DomainOf extracts the domain segment of a routing key. ok is false when the
// key belongs to no declared domain.
func (t *Topology) DomainOf(routingKey string) (string, bool) {
	domain, _, _ := strings.Cut(routingKey, ".")
	for _, d := range t.Domains {
		if d == domain {
			return d, true
		}
	}
	return "", false
}
