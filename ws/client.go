package ws

import (
	"encoding/json"
	"time"

	"github.com/corvidchat/corvid/globals"
	"github.com/corvidchat/corvid/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize  = 4096
	pongWait        = 2 * time.Minute
	pingPeriod      = time.Minute
	writeWait       = 10 * time.Second
	sendChannelSize = 256
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	// connection identifier, used as the presence handle
	id string

	user *types.User
}

func NewClient(hub *Hub, conn *websocket.Conn, user *types.User) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		Send: make(chan []byte, sendChannelSize),
		id:   uuid.NewString(),
		user: user,
	}
}

// ServeClient runs the full lifecycle of one authenticated connection:
// registration, the connect sequence, the read pump (blocking), and the
// disconnect sequence. It returns when the connection is gone.
func (h *Hub) ServeClient(conn *websocket.Conn, user *types.User) {
	c := NewClient(h, conn, user)
	h.Register <- c
	c.onConnect()
	go c.WriteLoop()
	c.ReadLoop()
	c.onDisconnect()
	h.Unregister <- c
}

// onConnect registers presence, persists the ONLINE status, joins the private
// user channel (done by the hub on register) and every chat room the user
// belongs to, and announces the user to everyone else.
func (c *Client) onConnect() {
	h := c.hub
	h.Presence.Connect(c.user.Id, c.id)
	if err := h.Persister.UpdateUserStatus(c.user.Id, types.StatusOnline, time.Now()); err != nil {
		globals.AppLogger.Error("could not persist online status", "user", c.user.Id, "error", err)
	}
	c.user.Status = types.StatusOnline
	// room joins at session start query the store directly, not the cache
	chatIds, err := h.Persister.ChatIdsForUser(c.user.Id)
	if err != nil {
		globals.AppLogger.Error("could not load chat memberships", "user", c.user.Id, "error", err)
	}
	for _, chatId := range chatIds {
		h.JoinRoom(c, chatId)
	}
	h.BroadcastAll(types.EventUserOnline, types.PresencePayload{UserId: c.user.Id, Status: types.StatusOnline}, c)
}

// onDisconnect clears presence and typing state, persists OFFLINE with the
// last-seen timestamp and announces the departure. In-flight store writes
// are not rolled back; only delivery to this connection stops.
func (c *Client) onDisconnect() {
	h := c.hub
	h.Presence.Disconnect(c.user.Id)
	for _, chatId := range h.Typing.StopAll(c.user.Id) {
		h.BroadcastToRoom(chatId, types.EventTypingStop, types.TypingEventPayload{ChatId: chatId, UserId: c.user.Id}, c)
	}
	if err := h.Persister.UpdateUserStatus(c.user.Id, types.StatusOffline, time.Now()); err != nil {
		globals.AppLogger.Error("could not persist offline status", "user", c.user.Id, "error", err)
	}
	h.BroadcastAll(types.EventUserOffline, types.PresencePayload{UserId: c.user.Id, Status: types.StatusOffline}, c)
}

// queue hands an outbound frame to the write pump without ever blocking the
// hub loop; a client that cannot drain its buffer loses frames.
func (c *Client) queue(data []byte) {
	select {
	case c.Send <- data:
	default:
		globals.AppLogger.Warn("send buffer full, dropping event", "user", c.user.Id)
	}
}

func (c *Client) sendEvent(event string, payload interface{}) {
	data, err := types.NewWireEvent(event, payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal event", "event", event, "error", err)
		return
	}
	c.queue(data)
}

func (c *Client) sendError(message string) {
	c.sendEvent(types.EventError, types.ErrorPayload{Message: message})
}

func (c *Client) sendSuccess(message string) {
	c.sendEvent(types.EventSuccess, types.SuccessPayload{Message: message})
}

// ReadLoop pumps messages from the websocket connection to the hub.
//
// The application runs ReadLoop in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) ReadLoop() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { _ = c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				globals.AppLogger.Debug("ws closed unexpectedly", "user", c.user.Id, "error", err)
			}
			return
		}

		message := types.WebsocketMessage{}
		if err := json.Unmarshal(raw, &message); err != nil {
			// a malformed frame is a validation failure, not a reason to
			// drop the connection
			c.sendError("malformed message")
			continue
		}
		c.dispatch(message.Event, message.Data)
	}
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
