package microservice

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/questline/go-eventbus/pkg/deadletter"
	"github.com/questline/go-eventbus/pkg/monitoring"
)

// StatusProvider serves the system status snapshot.
type StatusProvider interface {
	GetSystemStatus(ctx context.Context) (monitoring.SystemStatus, error)
}

// DeadLetterOps is the slice of the dead-letter service exposed to external
// tooling.
type DeadLetterOps interface {
	GetQueueMetrics(ctx context.Context) (map[string]int, error)
	Stats(ctx context.Context) (deadletter.Stats, error)
	RetryFailedMessagesByType(ctx context.Context, routingKey string, maxAge time.Duration) (int, error)
}

// OpsServer is the operational HTTP surface: read-only status and queue
// endpoints plus a manual bulk-retry trigger.
type OpsServer struct {
	*Server
	status      StatusProvider
	deadletters DeadLetterOps
	logger      zerolog.Logger
}

// NewOpsServer creates an OpsServer and registers its routes.
func NewOpsServer(logger zerolog.Logger, httpPort string, status StatusProvider, deadletters DeadLetterOps) *OpsServer {
	s := &OpsServer{
		Server:      NewServer(logger, httpPort),
		status:      status,
		deadletters: deadletters,
		logger:      logger.With().Str("component", "OpsServer").Logger(),
	}

	mux := s.Mux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/queues", s.handleQueues)
	mux.HandleFunc("/deadletters/stats", s.handleDeadLetterStats)
	mux.HandleFunc("/deadletters/retry", s.handleDeadLetterRetry)
	return s
}

func (s *OpsServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := s.status.GetSystemStatus(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to assemble system status.")
		http.Error(w, "failed to assemble system status", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, status)
}

func (s *OpsServer) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	depths, err := s.deadletters.GetQueueMetrics(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read queue metrics.")
		http.Error(w, "failed to read queue metrics", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, depths)
}

func (s *OpsServer) handleDeadLetterStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.deadletters.Stats(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read dead-letter stats.")
		http.Error(w, "failed to read dead-letter stats", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, stats)
}

// handleDeadLetterRetry triggers a bulk retry for one routing key, e.g.
// POST /deadletters/retry?type=quest.completed&maxAge=24h
func (s *OpsServer) handleDeadLetterRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	routingKey := r.URL.Query().Get("type")
	if routingKey == "" {
		http.Error(w, "type query parameter is required", http.StatusBadRequest)
		return
	}

	var maxAge time.Duration
	if raw := r.URL.Query().Get("maxAge"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			http.Error(w, "invalid maxAge duration", http.StatusBadRequest)
			return
		}
		maxAge = parsed
	}

	retried, err := s.deadletters.RetryFailedMessagesByType(r.Context(), routingKey, maxAge)
	if err != nil {
		s.logger.Error().Err(err).Str("routing_key", routingKey).Msg("Bulk retry failed.")
		http.Error(w, "bulk retry failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]int{"retried": retried})
}

func (s *OpsServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response.")
	}
}
