package gateway

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHubClient(h *Hub, buffer int) *Client {
	c := &Client{hub: h, send: make(chan []byte, buffer)}
	h.register(c)
	return c
}

func TestHubDeliversToGroupMembers(t *testing.T) {
	h := NewHub(zerolog.Nop())
	inGroup := newHubClient(h, 4)
	outside := newHubClient(h, 4)
	h.join(inGroup, "quests")

	h.Deliver(Frame{Group: "quests", Event: "quests:new", Payload: json.RawMessage(`{"q":1}`)})

	require.Len(t, inGroup.send, 1)
	assert.Len(t, outside.send, 0)

	var frame clientFrame
	require.NoError(t, json.Unmarshal(<-inGroup.send, &frame))
	assert.Equal(t, "quests:new", frame.Event)
	assert.JSONEq(t, `{"q":1}`, string(frame.Payload))
}

func TestHubUnregisterLeavesAllGroups(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := newHubClient(h, 4)
	h.join(c, "quests")
	h.join(c, "user:u-1")

	require.Equal(t, 1, h.Connections())
	require.Equal(t, 2, h.GroupCount())

	h.unregister(c)

	assert.Equal(t, 0, h.Connections())
	assert.Equal(t, 0, h.GroupCount())
	// Send channel is closed so the write pump exits.
	_, open := <-c.send
	assert.False(t, open)
}

func TestHubJoinIgnoresUnknownClient(t *testing.T) {
	h := NewHub(zerolog.Nop())
	stranger := &Client{hub: h, send: make(chan []byte, 1)}

	h.join(stranger, "quests")

	assert.Equal(t, 0, h.members("quests"))
}

func TestHubDropsFramesForSlowClient(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := newHubClient(h, 1)
	h.join(c, "notifications")

	h.Deliver(Frame{Group: "notifications", Event: "notifications:new"})
	h.Deliver(Frame{Group: "notifications", Event: "notifications:new"})

	// Buffer holds one frame, the second was dropped rather than blocking.
	assert.Len(t, c.send, 1)
}

func TestHubDoubleUnregisterIsSafe(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := newHubClient(h, 1)

	h.unregister(c)
	h.unregister(c)

	assert.Equal(t, 0, h.Connections())
}
