package microservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questline/go-eventbus/pkg/deadletter"
	"github.com/questline/go-eventbus/pkg/monitoring"
)

type fakeStatusProvider struct {
	status monitoring.SystemStatus
	err    error
}

func (f *fakeStatusProvider) GetSystemStatus(context.Context) (monitoring.SystemStatus, error) {
	return f.status, f.err
}

type fakeDeadLetterOps struct {
	depths  map[string]int
	stats   deadletter.Stats
	retried int

	lastRoutingKey string
	lastMaxAge     time.Duration
}

func (f *fakeDeadLetterOps) GetQueueMetrics(context.Context) (map[string]int, error) {
	return f.depths, nil
}

func (f *fakeDeadLetterOps) Stats(context.Context) (deadletter.Stats, error) {
	return f.stats, nil
}

func (f *fakeDeadLetterOps) RetryFailedMessagesByType(_ context.Context, routingKey string, maxAge time.Duration) (int, error) {
	f.lastRoutingKey = routingKey
	f.lastMaxAge = maxAge
	return f.retried, nil
}

func newOpsFixture(t *testing.T) (*httptest.Server, *fakeDeadLetterOps) {
	t.Helper()

	dls := &fakeDeadLetterOps{
		depths:  map[string]int{"events.quest.dlq": 3},
		stats:   deadletter.Stats{CountByType: map[string]int64{"quest.completed": 3}},
		retried: 3,
	}
	status := &fakeStatusProvider{status: monitoring.SystemStatus{
		Health: monitoring.HealthStatus{Healthy: true},
	}}
	ops := NewOpsServer(zerolog.Nop(), ":0", status, dls)
	srv := httptest.NewServer(ops.Mux())
	t.Cleanup(srv.Close)
	return srv, dls
}

func TestHealthzEndpoint(t *testing.T) {
	srv, _ := newOpsFixture(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newOpsFixture(t)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status monitoring.SystemStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Health.Healthy)
}

func TestQueuesEndpoint(t *testing.T) {
	srv, _ := newOpsFixture(t)

	resp, err := http.Get(srv.URL + "/queues")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var depths map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&depths))
	assert.Equal(t, 3, depths["events.quest.dlq"])
}

func TestDeadLetterStatsEndpoint(t *testing.T) {
	srv, _ := newOpsFixture(t)

	resp, err := http.Get(srv.URL + "/deadletters/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats deadletter.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(3), stats.CountByType["quest.completed"])
}

func TestDeadLetterRetryEndpoint(t *testing.T) {
	srv, dls := newOpsFixture(t)

	resp, err := http.Post(srv.URL+"/deadletters/retry?type=quest.completed&maxAge=24h", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 3, result["retried"])
	assert.Equal(t, "quest.completed", dls.lastRoutingKey)
	assert.Equal(t, 24*time.Hour, dls.lastMaxAge)
}

func TestDeadLetterRetryRequiresType(t *testing.T) {
	srv, _ := newOpsFixture(t)

	resp, err := http.Post(srv.URL+"/deadletters/retry", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeadLetterRetryRejectsGet(t *testing.T) {
	srv, _ := newOpsFixture(t)

	resp, err := http.Get(srv.URL + "/deadletters/retry?type=quest.completed")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerStartAndShutdown(t *testing.T) {
	s := NewServer(zerolog.Nop(), ":0")
	require.NoError(t, s.Start())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1%s/healthz", s.GetHTTPPort()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
