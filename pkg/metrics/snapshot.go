package metrics

import (
	"sync"
	"time"
)

// SnapshotCollector keeps running totals in process so the monitoring service
// can read back what the bus has emitted. Counter and gauge keys are
// name+"|"+routing-key (or just name when untagged); durations are kept as a
// running sum and count per key for average latency calculations.
type SnapshotCollector struct {
	mu        sync.RWMutex
	counters  map[string]int64
	gauges    map[string]float64
	durations map[string]durationTotals
}

type durationTotals struct {
	Total time.Duration
	Count int64
}

// Snapshot is a point-in-time copy of everything the collector has seen.
type Snapshot struct {
	Counters  map[string]int64
	Gauges    map[string]float64
	Durations map[string]DurationStat
}

// DurationStat carries the aggregate latency for one key.
type DurationStat struct {
	Total time.Duration
	Count int64
}

// Average returns the mean duration, or zero when nothing was recorded.
func (d DurationStat) Average() time.Duration {
	if d.Count == 0 {
		return 0
	}
	return d.Total / time.Duration(d.Count)
}

// NewSnapshotCollector creates an empty SnapshotCollector.
func NewSnapshotCollector() *SnapshotCollector {
	return &SnapshotCollector{
		counters:  make(map[string]int64),
		gauges:    make(map[string]float64),
		durations: make(map[string]durationTotals),
	}
}

// Key builds the storage key for a metric name and a routing-key tag.
func Key(name, routingKey string) string {
	if routingKey == "" {
		return name
	}
	return name + "|" + routingKey
}

func (c *SnapshotCollector) IncrementCounter(name string, tags map[string]string) {
	key := Key(name, tags["routing_key"])
	c.mu.Lock()
	c.counters[key]++
	c.mu.Unlock()
}

func (c *SnapshotCollector) RecordDuration(name string, d time.Duration, tags map[string]string) {
	key := Key(name, tags["routing_key"])
	c.mu.Lock()
	totals := c.durations[key]
	totals.Total += d
	totals.Count++
	c.durations[key] = totals
	c.mu.Unlock()
}

func (c *SnapshotCollector) RecordGauge(name string, value float64, tags map[string]string) {
	key := Key(name, tags["routing_key"])
	c.mu.Lock()
	c.gauges[key] = value
	c.mu.Unlock()
}

// Counter returns the current total for one key.
func (c *SnapshotCollector) Counter(name, routingKey string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[Key(name, routingKey)]
}

// Snapshot copies the current totals.
func (c *SnapshotCollector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Counters:  make(map[string]int64, len(c.counters)),
		Gauges:    make(map[string]float64, len(c.gauges)),
		Durations: make(map[string]DurationStat, len(c.durations)),
	}
	for k, v := range c.counters {
		snap.Counters[k] = v
	}
	for k, v := range c.gauges {
		snap.Gauges[k] = v
	}
	for k, v := range c.durations {
		snap.Durations[k] = DurationStat{Total: v.Total, Count: v.Count}
	}
	return snap
}
