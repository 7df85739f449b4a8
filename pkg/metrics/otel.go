package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OpenTelemetryCollector exports observations through an OpenTelemetry meter.
// Instruments are created lazily and cached by name.
type OpenTelemetryCollector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewOpenTelemetryCollector creates a collector backed by the globally
// registered meter provider.
func NewOpenTelemetryCollector() *OpenTelemetryCollector {
	return NewOpenTelemetryCollectorWithMeter(otel.Meter("eventbus"))
}

// NewOpenTelemetryCollectorWithMeter creates a collector using a specific meter.
func NewOpenTelemetryCollectorWithMeter(meter metric.Meter) *OpenTelemetryCollector {
	return &OpenTelemetryCollector{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

func (c *OpenTelemetryCollector) IncrementCounter(name string, tags map[string]string) {
	counter, err := c.counterFor(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(tagsToAttributes(tags)...))
}

func (c *OpenTelemetryCollector) RecordDuration(name string, d time.Duration, tags map[string]string) {
	histogram, err := c.histogramFor(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), d.Seconds(), metric.WithAttributes(tagsToAttributes(tags)...))
}

func (c *OpenTelemetryCollector) RecordGauge(name string, value float64, tags map[string]string) {
	gauge, err := c.gaugeFor(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(tagsToAttributes(tags)...))
}

func (c *OpenTelemetryCollector) counterFor(name string) (metric.Int64Counter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok := c.counters[name]; ok {
		return counter, nil
	}
	counter, err := c.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	c.counters[name] = counter
	return counter, nil
}

func (c *OpenTelemetryCollector) histogramFor(name string) (metric.Float64Histogram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if histogram, ok := c.histograms[name]; ok {
		return histogram, nil
	}
	histogram, err := c.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	c.histograms[name] = histogram
	return histogram, nil
}

func (c *OpenTelemetryCollector) gaugeFor(name string) (metric.Float64Gauge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gauge, ok := c.gauges[name]; ok {
		return gauge, nil
	}
	gauge, err := c.meter.Float64Gauge(name)
	if err != nil {
		return nil, err
	}
	c.gauges[name] = gauge
	return gauge, nil
}

func tagsToAttributes(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for key, value := range tags {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}
