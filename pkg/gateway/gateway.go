// Package gateway is the realtime fan-out edge of the event system. It
// bridges bus events to websocket clients: events carrying a target-user id
// are re-emitted through a shared broadcast layer to the user's group and
// the matching category group, on whichever instance the user is connected.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/questline/go-eventbus/pkg/eventbus"
	"github.com/questline/go-eventbus/pkg/metrics"
	"github.com/questline/go-eventbus/pkg/types"
)

// Metric names emitted by the gateway.
const (
	MetricConnections     = "gateway.connections"
	MetricGroups          = "gateway.groups"
	MetricOnlineUsers     = "gateway.users.online"
	MetricFramesBroadcast = "gateway.frames.broadcast"
)

// busPatterns are the routing patterns the gateway taps for user-facing
// events.
var busPatterns = []string{"achievement.#", "quest.#", "notification.#"}

// categoryByDomain maps an event domain to the client-facing category group.
var categoryByDomain = map[string]string{
	"achievement":  "achievements",
	"quest":        "quests",
	"notification": "notifications",
}

// BusSubscriber is the slice of the bus the gateway needs.
type BusSubscriber interface {
	SubscribeEnvelope(pattern string, handler eventbus.EnvelopeHandler) *eventbus.Registration
}

// Config holds the gateway configuration.
type Config struct {
	// TokenSecret signs and verifies client bearer tokens.
	TokenSecret string `env:"GATEWAY_TOKEN_SECRET"`
	// SendBuffer is the per-client outbound frame buffer.
	SendBuffer int `env:"GATEWAY_SEND_BUFFER"`
	// GaugeInterval is how often connection and group gauges are reported.
	GaugeInterval time.Duration `env:"GATEWAY_GAUGE_INTERVAL"`
}

// NewConfigDefaults provides a config with sensible defaults. The token
// secret has no default and must be supplied.
func NewConfigDefaults() *Config {
	return &Config{
		SendBuffer:    64,
		GaugeInterval: 30 * time.Second,
	}
}

// Gateway subscribes to the bus, pushes matching events through the shared
// broadcaster, and serves the websocket endpoint.
type Gateway struct {
	cfg         Config
	hub         *Hub
	auth        *Authenticator
	broadcaster Broadcaster
	presence    Presence
	bus         BusSubscriber
	metrics     metrics.Collector
	logger      zerolog.Logger

	upgrader      websocket.Upgrader
	registrations []*eventbus.Registration

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewGateway creates a Gateway.
func NewGateway(
	cfg *Config,
	bus BusSubscriber,
	broadcaster Broadcaster,
	presence Presence,
	collector metrics.Collector,
	logger zerolog.Logger,
) (*Gateway, error) {
	if cfg == nil {
		cfg = NewConfigDefaults()
	}
	if presence == nil {
		presence = NewInMemoryPresence()
	}
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	auth, err := NewAuthenticator(cfg.TokenSecret)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:         *cfg,
		hub:         NewHub(logger),
		auth:        auth,
		broadcaster: broadcaster,
		presence:    presence,
		bus:         bus,
		metrics:     collector,
		logger:      logger.With().Str("component", "Gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		stopChan: make(chan struct{}),
	}
	g.hub.SetPresenceHooks(g.userOnline, g.userOffline)
	return g, nil
}

func (g *Gateway) userOnline(userID string) {
	if err := g.presence.SetOnline(context.Background(), userID); err != nil {
		g.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to record presence.")
	}
}

func (g *Gateway) userOffline(userID string) {
	if err := g.presence.SetOffline(context.Background(), userID); err != nil {
		g.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to clear presence.")
	}
}

// Start wires the broadcaster into the hub, subscribes the bus patterns, and
// launches the gauge loop.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.broadcaster.Subscribe(ctx, g.hub.Deliver); err != nil {
		return err
	}

	for _, pattern := range busPatterns {
		g.registrations = append(g.registrations, g.bus.SubscribeEnvelope(pattern, g.handleEvent))
	}
	g.logger.Info().Strs("patterns", busPatterns).Msg("Gateway subscribed to bus.")

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.GaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stopChan:
				return
			case <-ticker.C:
				g.refreshPresence(ctx)
				g.reportGauges(ctx)
			}
		}
	}()
	return nil
}

// Stop unsubscribes from the bus and halts the gauge loop. Open client
// connections are closed by their own pumps when the server shuts down.
func (g *Gateway) Stop() {
	for _, reg := range g.registrations {
		reg.Unsubscribe()
	}
	g.stopOnce.Do(func() {
		close(g.stopChan)
	})
	g.wg.Wait()
	g.logger.Info().Msg("Gateway stopped.")
}

// ServeHTTP upgrades the request to a websocket connection and runs the
// client until it disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Websocket upgrade failed.")
		return
	}
	client := newClient(g.hub, g.auth, conn, g.cfg.SendBuffer, g.logger)
	go client.run()
}

// handleEvent re-emits one bus event to the target user's group and the
// matching category group. Events without a target-user id are not
// user-facing and are skipped.
func (g *Gateway) handleEvent(ctx context.Context, env types.Envelope) error {
	target := env.Headers[types.HeaderTargetUser]
	if target == "" {
		return nil
	}

	domain, event, _ := strings.Cut(env.RoutingKey, ".")
	category, ok := categoryByDomain[domain]
	if !ok {
		return nil
	}
	frameEvent := category + ":" + frameKind(event)

	groups := []string{category}
	online, err := g.presence.IsOnline(ctx, target)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", target).Msg("Presence lookup failed, assuming online.")
		online = true
	}
	if online {
		groups = append(groups, userGroupPrefix+target)
	}

	for _, group := range groups {
		frame := Frame{Group: group, Event: frameEvent, Payload: env.Payload}
		if err := g.broadcaster.Broadcast(ctx, frame); err != nil {
			// A broadcast failure only degrades the realtime channel; the
			// event itself was already delivered. Never fail the handler.
			g.logger.Warn().Err(err).Str("group", group).Msg("Broadcast failed.")
		}
	}
	g.metrics.IncrementCounter(MetricFramesBroadcast, map[string]string{"routing_key": env.RoutingKey})
	return nil
}

// frameKind distinguishes progress updates from newly created things.
func frameKind(event string) string {
	switch event {
	case "updated", "progress", "changed":
		return "update"
	default:
		return "new"
	}
}

// refreshPresence extends the presence expiry for every locally connected
// user, so entries only lapse when an instance dies without cleanup.
func (g *Gateway) refreshPresence(ctx context.Context) {
	for _, userID := range g.hub.OnlineUsers() {
		if err := g.presence.SetOnline(ctx, userID); err != nil {
			g.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to refresh presence.")
			return
		}
	}
}

func (g *Gateway) reportGauges(ctx context.Context) {
	g.metrics.RecordGauge(MetricConnections, float64(g.hub.Connections()), nil)
	g.metrics.RecordGauge(MetricGroups, float64(g.hub.GroupCount()), nil)
	if online, err := g.presence.OnlineCount(ctx); err == nil {
		g.metrics.RecordGauge(MetricOnlineUsers, float64(online), nil)
	}
}

// Hub exposes the connection hub, for status reporting.
func (g *Gateway) Hub() *Hub { return g.hub }
