package deadletter

import (
	"context"
	"encoding/json"
	"time"
)

// FailedMessage is the durable record of one dead-lettered message. Its key
// is the message id, so re-recording the same message is an upsert, never a
// duplicate.
type FailedMessage struct {
	ID                string          `json:"id"`
	RoutingKey        string          `json:"routingKey"`
	Payload           json.RawMessage `json:"payload"`
	Error             string          `json:"error"`
	FirstSeenAt       time.Time       `json:"firstSeenAt"`
	AttemptsExhausted int             `json:"attemptsExhausted"`
}

// ArchivedMessage is a failed message after reclassification decided it is
// not worth another delivery. Archived records outlive failed records but are
// still purged by age.
type ArchivedMessage struct {
	FailedMessage
	ArchivedAt     time.Time      `json:"archivedAt"`
	Classification Classification `json:"classification"`
}

// Stats aggregates the failed-message records for dashboards and targeted
// bulk retries. Counts are cumulative over the record retention window.
type Stats struct {
	CountByType  map[string]int64 `json:"countByType"`
	CountByError map[string]int64 `json:"countByError"`
}

// RecordStore persists failed and archived message records. Implementations
// must be safe for concurrent use.
type RecordStore interface {
	// SaveFailed upserts the failed record keyed by message id.
	SaveFailed(ctx context.Context, msg FailedMessage) error

	// SaveArchived writes the archived record.
	SaveArchived(ctx context.Context, msg ArchivedMessage) error

	// FailedByType returns failed records for one routing key, restricted to
	// those first seen within maxAge when maxAge is positive.
	FailedByType(ctx context.Context, routingKey string, maxAge time.Duration) ([]FailedMessage, error)

	// Stats aggregates record counts by routing key and by error signature.
	Stats(ctx context.Context) (Stats, error)

	// Cleanup removes failed records older than maxAge, returning how many
	// were deleted.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)

	Close() error
}
