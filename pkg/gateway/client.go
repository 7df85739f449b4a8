package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// allowedCategories are the groups a client may explicitly subscribe to.
var allowedCategories = map[string]struct{}{
	"achievements":  {},
	"quests":        {},
	"notifications": {},
}

// Client is one websocket connection. It is anonymous until it presents a
// valid token; only then may it join its user group and category groups.
//
// Protocol, client to server, text messages:
//
//	authenticate:<token>
//	subscribe:<category>
//
// Server to client messages are JSON frames with event and payload fields.
type Client struct {
	hub    *Hub
	auth   *Authenticator
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	mu     sync.Mutex
	userID string
}

func newClient(hub *Hub, auth *Authenticator, conn *websocket.Conn, sendBuffer int, logger zerolog.Logger) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Client{
		hub:    hub,
		auth:   auth,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger.With().Str("component", "GatewayClient").Logger(),
	}
}

// run registers the client and pumps messages until the connection drops.
// It blocks until the read side ends.
func (c *Client) run() {
	c.hub.register(c)
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("Websocket closed unexpectedly.")
			}
			return
		}
		c.handleCommand(string(msg))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleCommand(msg string) {
	cmd, arg, _ := strings.Cut(msg, ":")
	switch cmd {
	case "authenticate":
		c.authenticate(arg)
	case "subscribe":
		c.subscribe(arg)
	default:
		c.reply("error", map[string]string{"reason": "unknown command"})
	}
}

func (c *Client) authenticate(token string) {
	identity, err := c.auth.Authenticate(token)
	if err != nil {
		c.reply("auth:error", map[string]string{"reason": "invalid token"})
		return
	}

	c.mu.Lock()
	c.userID = identity.UserID
	c.mu.Unlock()

	c.hub.joinUser(c, identity.UserID)
	c.reply("auth:ok", map[string]string{"userId": identity.UserID})
}

func (c *Client) subscribe(category string) {
	if !c.authenticated() {
		c.reply("subscribe:error", map[string]string{"reason": "not authenticated"})
		return
	}
	if _, ok := allowedCategories[category]; !ok {
		c.reply("subscribe:error", map[string]string{"reason": "unknown category"})
		return
	}
	c.hub.join(c, category)
	c.reply("subscribe:ok", map[string]string{"category": category})
}

func (c *Client) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID != ""
}

func (c *Client) reply(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(clientFrame{Event: event, Payload: raw})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
