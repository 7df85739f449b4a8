package monitoring

import (
	"context"
	"time"
)

// AlertType identifies which threshold a raised alert breached.
type AlertType string

const (
	AlertErrorRate      AlertType = "error_rate"
	AlertProcessingTime AlertType = "processing_time"
	AlertQueueDepth     AlertType = "queue_depth"
	AlertConsumerLag    AlertType = "consumer_lag"
)

// Severity grades an alert for downstream routing.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one threshold breach observed during an evaluation cycle. Alerts
// are edge-triggered: a condition that stays breached raises a fresh alert
// every cycle.
type Alert struct {
	ID        string    `json:"id"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Queue     string    `json:"queue,omitempty"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	RaisedAt  time.Time `json:"raisedAt"`
}

// AlertStore persists raised alerts with a short retention so dashboards can
// show recent history. Implementations must be safe for concurrent use.
type AlertStore interface {
	// SaveAlert persists one alert.
	SaveAlert(ctx context.Context, alert Alert) error

	// RecentAlerts returns up to limit alerts, newest first.
	RecentAlerts(ctx context.Context, limit int) ([]Alert, error)

	Close() error
}
