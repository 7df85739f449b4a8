package gateway

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// clientFrame is the wire shape of one server-to-client event.
type clientFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hub tracks the websocket clients connected to this instance and their
// group memberships. Frames are delivered to every member of the target
// group; a client whose send buffer is full is skipped rather than allowed
// to stall the others.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	groups  map[string]map[*Client]struct{}

	// Presence hooks, fired when a user's first connection arrives and when
	// their last one leaves.
	onOnline  func(userID string)
	onOffline func(userID string)
}

// userGroupPrefix scopes per-user delivery groups.
const userGroupPrefix = "user:"

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "GatewayHub").Logger(),
		clients: make(map[*Client]struct{}),
		groups:  make(map[string]map[*Client]struct{}),
	}
}

// SetPresenceHooks installs the callbacks fired on a user's first connect
// and last disconnect. Must be called before the hub accepts clients.
func (h *Hub) SetPresenceHooks(online, offline func(userID string)) {
	h.mu.Lock()
	h.onOnline = online
	h.onOffline = offline
	h.mu.Unlock()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()

	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)

	var wentOffline []string
	for name, members := range h.groups {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, name)
			if userID, ok := strings.CutPrefix(name, userGroupPrefix); ok {
				wentOffline = append(wentOffline, userID)
			}
		}
	}
	close(c.send)
	offline := h.onOffline
	h.mu.Unlock()

	if offline != nil {
		for _, userID := range wentOffline {
			offline(userID)
		}
	}
}

// joinUser places the client in its per-user group and fires the online
// hook when this is the user's first connection.
func (h *Hub) joinUser(c *Client, userID string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	group := userGroupPrefix + userID
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Client]struct{})
		h.groups[group] = members
	}
	first := len(members) == 0
	members[c] = struct{}{}
	online := h.onOnline
	h.mu.Unlock()

	if first && online != nil {
		online(userID)
	}
}

// join adds the client to a group, creating the group on first member.
func (h *Hub) join(c *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Client]struct{})
		h.groups[group] = members
	}
	members[c] = struct{}{}
}

// Deliver sends the frame to every local member of its group.
func (h *Hub) Deliver(frame Frame) {
	data, err := json.Marshal(clientFrame{Event: frame.Event, Payload: frame.Payload})
	if err != nil {
		h.logger.Error().Err(err).Str("event", frame.Event).Msg("Failed to marshal client frame.")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.groups[frame.Group] {
		select {
		case c.send <- data:
		default:
			// Slow client, drop the frame instead of blocking the group.
			h.logger.Warn().Str("group", frame.Group).Msg("Client send buffer full, dropping frame.")
		}
	}
}

// Connections reports the number of connected clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GroupCount reports the number of non-empty groups.
func (h *Hub) GroupCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups)
}

// OnlineUsers lists the users with at least one local connection.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var users []string
	for name, members := range h.groups {
		if len(members) == 0 {
			continue
		}
		if userID, ok := strings.CutPrefix(name, userGroupPrefix); ok {
			users = append(users, userID)
		}
	}
	return users
}

// members reports a group's local member count. Test helper.
func (h *Hub) members(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}
