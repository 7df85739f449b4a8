package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questline/go-eventbus/pkg/breaker"
	"github.com/questline/go-eventbus/pkg/eventbus"
	"github.com/questline/go-eventbus/pkg/types"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *frameRecorder) record(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *frameRecorder) all() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

type gatewayFixture struct {
	gateway     *Gateway
	bus         *eventbus.Bus
	broadcaster *InMemoryBroadcaster
	presence    *InMemoryPresence
	recorder    *frameRecorder
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	transport := eventbus.NewInMemoryTransport(eventbus.NewTopologyDefaults(), zerolog.Nop())
	bus, err := eventbus.NewBus(nil, transport, breaker.New(nil, zerolog.Nop()), nil, nil, zerolog.Nop())
	require.NoError(t, err)

	broadcaster := NewInMemoryBroadcaster()
	recorder := &frameRecorder{}
	require.NoError(t, broadcaster.Subscribe(context.Background(), recorder.record))

	presence := NewInMemoryPresence()
	cfg := NewConfigDefaults()
	cfg.TokenSecret = testSecret
	g, err := NewGateway(cfg, bus, broadcaster, presence, nil, zerolog.Nop())
	require.NoError(t, err)

	return &gatewayFixture{gateway: g, bus: bus, broadcaster: broadcaster, presence: presence, recorder: recorder}
}

func TestHandleEventBroadcastsToUserAndCategoryGroups(t *testing.T) {
	f := newGatewayFixture(t)
	require.NoError(t, f.presence.SetOnline(context.Background(), "u-9"))

	env := types.NewEnvelope("achievement.unlocked", json.RawMessage(`{"badge":"gold"}`))
	env.Headers = map[string]string{types.HeaderTargetUser: "u-9"}
	require.NoError(t, f.gateway.handleEvent(context.Background(), env))

	frames := f.recorder.all()
	require.Len(t, frames, 2)
	groups := []string{frames[0].Group, frames[1].Group}
	assert.ElementsMatch(t, []string{"user:u-9", "achievements"}, groups)
	for _, frame := range frames {
		assert.Equal(t, "achievements:new", frame.Event)
		assert.JSONEq(t, `{"badge":"gold"}`, string(frame.Payload))
	}
}

func TestHandleEventSkipsEventsWithoutTargetUser(t *testing.T) {
	f := newGatewayFixture(t)

	env := types.NewEnvelope("achievement.unlocked", json.RawMessage(`{}`))
	require.NoError(t, f.gateway.handleEvent(context.Background(), env))

	assert.Empty(t, f.recorder.all())
}

func TestHandleEventSkipsUserGroupForOfflineUser(t *testing.T) {
	f := newGatewayFixture(t)

	env := types.NewEnvelope("notification.sent", json.RawMessage(`{}`))
	env.Headers = map[string]string{types.HeaderTargetUser: "u-gone"}
	require.NoError(t, f.gateway.handleEvent(context.Background(), env))

	frames := f.recorder.all()
	require.Len(t, frames, 1)
	assert.Equal(t, "notifications", frames[0].Group)
}

func TestHandleEventMapsProgressToUpdateFrames(t *testing.T) {
	f := newGatewayFixture(t)
	require.NoError(t, f.presence.SetOnline(context.Background(), "u-3"))

	env := types.NewEnvelope("quest.progress", json.RawMessage(`{"pct":50}`))
	env.Headers = map[string]string{types.HeaderTargetUser: "u-3"}
	require.NoError(t, f.gateway.handleEvent(context.Background(), env))

	frames := f.recorder.all()
	require.Len(t, frames, 2)
	assert.Equal(t, "quests:update", frames[0].Event)
}

func readFrame(t *testing.T, conn *websocket.Conn) clientFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame clientFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestGatewayEndToEnd(t *testing.T) {
	f := newGatewayFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.gateway.Start(ctx))
	defer f.gateway.Stop()
	require.NoError(t, f.bus.Start(ctx))

	srv := httptest.NewServer(f.gateway)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	token := signToken(t, testSecret, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("authenticate:"+token)))
	frame := readFrame(t, conn)
	require.Equal(t, "auth:ok", frame.Event)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("subscribe:quests")))
	frame = readFrame(t, conn)
	require.Equal(t, "subscribe:ok", frame.Event)

	env := types.NewEnvelope("quest.completed", json.RawMessage(`{"quest":"q-1"}`))
	env.Headers = map[string]string{types.HeaderTargetUser: "user-42"}
	f.bus.PublishEnvelope(ctx, env)

	frame = readFrame(t, conn)
	assert.Equal(t, "quests:new", frame.Event)
	assert.JSONEq(t, `{"quest":"q-1"}`, string(frame.Payload))
}

func TestGatewayRejectsUnauthenticatedSubscribe(t *testing.T) {
	f := newGatewayFixture(t)

	srv := httptest.NewServer(f.gateway)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("subscribe:quests")))
	frame := readFrame(t, conn)
	assert.Equal(t, "subscribe:error", frame.Event)
}
