// Package metrics provides the collector plumbing shared by the event bus,
// the reliability services, and the realtime gateway.
package metrics

import "time"

// Collector receives counters, durations, and gauges emitted by the event
// system. Implementations must be safe for concurrent use.
type Collector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, d time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

// NopCollector discards everything. It is the default when no collector is
// configured.
type NopCollector struct{}

// NewNopCollector creates a new NopCollector.
func NewNopCollector() *NopCollector { return &NopCollector{} }

func (NopCollector) IncrementCounter(string, map[string]string) {}
func (NopCollector) RecordDuration(string, time.Duration, map[string]string) {}
func (NopCollector) RecordGauge(string, float64, map[string]string) {}

// MultiCollector fans every observation out to a list of collectors. It is
// used to feed the in-process snapshot and an exporter at the same time.
type MultiCollector struct {
	collectors []Collector
}

// NewMultiCollector creates a collector that forwards to all of the given
// collectors in order.
func NewMultiCollector(collectors ...Collector) *MultiCollector {
	return &MultiCollector{collectors: collectors}
}

func (m *MultiCollector) IncrementCounter(name string, tags map[string]string) {
	for _, c := range m.collectors {
		c.IncrementCounter(name, tags)
	}
}

func (m *MultiCollector) RecordDuration(name string, d time.Duration, tags map[string]string) {
	for _, c := range m.collectors {
		c.RecordDuration(name, d, tags)
	}
}

func (m *MultiCollector) RecordGauge(name string, value float64, tags map[string]string) {
	for _, c := range m.collectors {
		c.RecordGauge(name, value, tags)
	}
}
