package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/corvidchat/corvid/config"
	"github.com/corvidchat/corvid/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{}

func newTestHub(t *testing.T, store *fakeStore, typingExpiry string) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		CacheConfig:  config.CacheConfig{TTL: "1m"},
		TypingConfig: config.TypingConfig{Expiry: typingExpiry, SweepSpec: "@every 1s"},
	}
	hub, err := NewHub(cfg, store)
	require.NoError(t, err)
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := store.GetUser(r.URL.Query().Get("user"))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.ServeClient(conn, user)
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, userId string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + userId
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitJoined blocks until n connections are subscribed to the chat room. The
// handshake completes before the hub processes the registration, so tests
// must not broadcast into a room before the subscribers are actually there.
func waitJoined(t *testing.T, hub *Hub, chatId string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		hub.RLock()
		defer hub.RUnlock()
		return len(hub.rooms[chatId]) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(types.WebsocketMessage{Event: event, Data: data}))
}

// waitFor reads frames until one with the given event arrives, skipping
// everything else (presence chatter in particular).
func waitFor(t *testing.T, conn *websocket.Conn, event string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", event)
		msg := types.WebsocketMessage{}
		require.NoError(t, json.Unmarshal(raw, &msg))
		if msg.Event == event {
			data := map[string]interface{}{}
			require.NoError(t, json.Unmarshal(msg.Data, &data))
			return data
		}
	}
	t.Fatalf("timed out waiting for %s", event)
	return nil
}

// collectUntil returns the event names received up to and including the stop
// event.
func collectUntil(t *testing.T, conn *websocket.Conn, stop string) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	events := make([]string, 0)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", stop)
		msg := types.WebsocketMessage{}
		require.NoError(t, json.Unmarshal(raw, &msg))
		events = append(events, msg.Event)
		if msg.Event == stop {
			return events
		}
	}
	t.Fatalf("timed out waiting for %s", stop)
	return nil
}

// assertNoEvent fails if the event arrives within the window.
func assertNoEvent(t *testing.T, conn *websocket.Conn, event string, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return // timeout: nothing arrived
		}
		msg := types.WebsocketMessage{}
		if json.Unmarshal(raw, &msg) == nil && msg.Event == event {
			t.Fatalf("unexpected %s", event)
		}
	}
}

func TestSendMessageFanout(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice", "bob")
	hub, srv := newTestHub(t, store, "10s")

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	waitJoined(t, hub, "c1", 2)

	sendEvent(t, alice, types.EventMessageSend, map[string]interface{}{"chat_id": "c1", "content": "hello"})

	data := waitFor(t, bob, types.EventMessageNew)
	assert.Equal(t, "hello", data["content"])
	assert.Equal(t, "c1", data["chat_id"])
	assert.Equal(t, "alice", data["sender_id"])

	// the sender receives their own message too
	data = waitFor(t, alice, types.EventMessageNew)
	assert.Equal(t, "hello", data["content"])

	assert.Equal(t, 1, store.messagesInChat("c1"))
}

func TestNonMemberSendRejected(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice")
	store.seed("c2", "carol")
	_, srv := newTestHub(t, store, "10s")

	carol := dial(t, srv, "carol")

	sendEvent(t, carol, types.EventMessageSend, map[string]interface{}{"chat_id": "c1", "content": "let me in"})

	data := waitFor(t, carol, types.EventError)
	assert.Contains(t, data["message"], "not a member")
	assert.Equal(t, 0, store.messagesInChat("c1"))
}

// Sending a message clears the sender's typing state, and the typing:stop is
// emitted before the message itself.
func TestTypingStopPrecedesMessage(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice", "bob")
	hub, srv := newTestHub(t, store, "10s")

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	waitJoined(t, hub, "c1", 2)

	sendEvent(t, alice, types.EventTypingStart, map[string]interface{}{"chat_id": "c1"})
	data := waitFor(t, bob, types.EventTypingStart)
	assert.Equal(t, "alice", data["user_id"])

	sendEvent(t, alice, types.EventMessageSend, map[string]interface{}{"chat_id": "c1", "content": "done typing"})

	events := collectUntil(t, bob, types.EventMessageNew)
	stopIdx := -1
	for i, e := range events {
		if e == types.EventTypingStop {
			stopIdx = i
		}
	}
	require.NotEqual(t, -1, stopIdx, "typing:stop missing, got %v", events)
	assert.Less(t, stopIdx, len(events)-1)
}

// An abandoned typing indicator expires on its own, with exactly one
// typing:stop.
func TestTypingExpiry(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice", "bob")
	hub, srv := newTestHub(t, store, "150ms")

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	waitJoined(t, hub, "c1", 2)

	sendEvent(t, alice, types.EventTypingStart, map[string]interface{}{"chat_id": "c1"})
	waitFor(t, bob, types.EventTypingStart)

	data := waitFor(t, bob, types.EventTypingStop)
	assert.Equal(t, "alice", data["user_id"])
	assert.Equal(t, "c1", data["chat_id"])

	assertNoEvent(t, bob, types.EventTypingStop, 400*time.Millisecond)
}

func TestReactionToggle(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice", "bob")
	hub, srv := newTestHub(t, store, "10s")

	alice := dial(t, srv, "alice")
	waitJoined(t, hub, "c1", 1)

	sendEvent(t, alice, types.EventMessageSend, map[string]interface{}{"chat_id": "c1", "content": "react to this"})
	msg := waitFor(t, alice, types.EventMessageNew)
	messageId := msg["id"].(string)

	sendEvent(t, alice, types.EventReactionToggle, map[string]interface{}{"message_id": messageId, "emoji": "👍"})
	waitFor(t, alice, types.EventReactionAdded)
	data := waitFor(t, alice, types.EventReactionUpdated)
	counts := data["counts"].(map[string]interface{})
	assert.Equal(t, float64(1), counts["👍"])

	// the same toggle again removes the reaction
	sendEvent(t, alice, types.EventReactionToggle, map[string]interface{}{"message_id": messageId, "emoji": "👍"})
	waitFor(t, alice, types.EventReactionRemoved)
	data = waitFor(t, alice, types.EventReactionUpdated)
	assert.Empty(t, data["counts"])
}

// The first edit records the original content, later edits leave it alone.
func TestEditPreservesOriginalOnce(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice")
	hub, srv := newTestHub(t, store, "10s")

	alice := dial(t, srv, "alice")
	waitJoined(t, hub, "c1", 1)

	sendEvent(t, alice, types.EventMessageSend, map[string]interface{}{"chat_id": "c1", "content": "first"})
	msg := waitFor(t, alice, types.EventMessageNew)
	messageId := msg["id"].(string)

	sendEvent(t, alice, types.EventMessageEdit, map[string]interface{}{"message_id": messageId, "content": "second"})
	data := waitFor(t, alice, types.EventMessageEdited)
	assert.Equal(t, "second", data["content"])
	assert.Equal(t, "first", data["original_content"])

	sendEvent(t, alice, types.EventMessageEdit, map[string]interface{}{"message_id": messageId, "content": "third"})
	data = waitFor(t, alice, types.EventMessageEdited)
	assert.Equal(t, "third", data["content"])
	assert.Equal(t, "first", data["original_content"])

	stored := store.message(messageId)
	require.NotNil(t, stored)
	assert.Equal(t, "first", stored.OriginalContent)
	assert.True(t, stored.IsEdited)
}

func TestEditByNonOwnerRejected(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice", "bob")
	_ = store.StoreMessage(&types.Message{Id: "m1", ChatId: "c1", SenderId: "alice", Content: "mine", Type: types.MessageTypeText, CreatedAt: time.Now()})
	_, srv := newTestHub(t, store, "10s")

	bob := dial(t, srv, "bob")
	sendEvent(t, bob, types.EventMessageEdit, map[string]interface{}{"message_id": "m1", "content": "hijacked"})

	data := waitFor(t, bob, types.EventError)
	assert.Contains(t, data["message"], "owner")
	assert.Equal(t, "mine", store.message("m1").Content)
}

// mark_read without explicit ids marks everything unread in the chat.
func TestMarkReadWholeChat(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice", "bob")
	now := time.Now()
	_ = store.StoreMessage(&types.Message{Id: "m1", ChatId: "c1", SenderId: "bob", Content: "a", Type: types.MessageTypeText, CreatedAt: now})
	_ = store.StoreMessage(&types.Message{Id: "m2", ChatId: "c1", SenderId: "bob", Content: "b", Type: types.MessageTypeText, CreatedAt: now})
	hub, srv := newTestHub(t, store, "10s")

	alice := dial(t, srv, "alice")
	waitJoined(t, hub, "c1", 1)

	sendEvent(t, alice, types.EventMarkRead, map[string]interface{}{"chat_id": "c1"})
	data := waitFor(t, alice, types.EventMessagesRead)
	assert.Equal(t, "alice", data["user_id"])
	assert.Equal(t, float64(2), data["count"])

	// repeating is a no-op
	sendEvent(t, alice, types.EventMarkRead, map[string]interface{}{"chat_id": "c1"})
	waitFor(t, alice, types.EventSuccess)
}

// Forwarding skips target chats the sender is not a member of and reports
// only the successful count.
func TestForwardPartialSuccess(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice", "bob")
	store.seed("c2", "alice")
	store.seed("c3", "bob")
	_ = store.StoreMessage(&types.Message{Id: "m1", ChatId: "c1", SenderId: "bob", Content: "original", Type: types.MessageTypeText, CreatedAt: time.Now()})
	hub, srv := newTestHub(t, store, "10s")

	alice := dial(t, srv, "alice")
	waitJoined(t, hub, "c2", 1)

	sendEvent(t, alice, types.EventMessageForward, map[string]interface{}{
		"message_id":      "m1",
		"target_chat_ids": []string{"c2", "c3"},
	})

	// the confirmation and the fanout travel on different paths, so the
	// arrival order is not fixed
	seen := make(map[string]map[string]interface{})
	deadline := time.Now().Add(2 * time.Second)
	for len(seen) < 2 && time.Now().Before(deadline) {
		require.NoError(t, alice.SetReadDeadline(deadline))
		_, raw, err := alice.ReadMessage()
		require.NoError(t, err)
		msg := types.WebsocketMessage{}
		require.NoError(t, json.Unmarshal(raw, &msg))
		if msg.Event == types.EventMessageNew || msg.Event == types.EventSuccess {
			data := map[string]interface{}{}
			require.NoError(t, json.Unmarshal(msg.Data, &data))
			seen[msg.Event] = data
		}
	}
	require.Len(t, seen, 2)

	data := seen[types.EventMessageNew]
	assert.Equal(t, "c2", data["chat_id"])
	assert.Equal(t, "alice", data["sender_id"])
	assert.Equal(t, types.ForwardedPrefix+"original", data["content"])
	assert.Equal(t, true, data["is_forwarded"])
	assert.Contains(t, seen[types.EventSuccess]["message"], "forwarded to 1 chats")

	assert.Equal(t, 1, store.messagesInChat("c2"))
	assert.Equal(t, 0, store.messagesInChat("c3"))
}

func TestPinRequiresRole(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice", "bob")
	_ = store.StoreMessage(&types.Message{Id: "m1", ChatId: "c1", SenderId: "bob", Content: "pin me", Type: types.MessageTypeText, CreatedAt: time.Now()})
	hub, srv := newTestHub(t, store, "10s")

	alice := dial(t, srv, "alice")
	waitJoined(t, hub, "c1", 1)

	sendEvent(t, alice, types.EventMessagePin, map[string]interface{}{"message_id": "m1"})
	data := waitFor(t, alice, types.EventError)
	assert.Contains(t, data["message"], "insufficient role")

	store.setRole("c1", "alice", types.RoleModerator)
	sendEvent(t, alice, types.EventMessagePin, map[string]interface{}{"message_id": "m1"})
	data = waitFor(t, alice, types.EventMessagePinned)
	assert.Equal(t, true, data["is_pinned"])
	assert.Equal(t, "alice", data["pinned_by"])

	// pin is a toggle
	sendEvent(t, alice, types.EventMessagePin, map[string]interface{}{"message_id": "m1"})
	data = waitFor(t, alice, types.EventMessagePinned)
	assert.Nil(t, data["is_pinned"])
}

func TestStatusChange(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice", "bob")
	hub, srv := newTestHub(t, store, "10s")

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	waitJoined(t, hub, "c1", 2)

	sendEvent(t, alice, types.EventStatusChange, map[string]interface{}{"status": types.StatusAway})
	data := waitFor(t, bob, types.EventUserStatusChanged)
	assert.Equal(t, "alice", data["user_id"])
	assert.Equal(t, types.StatusAway, data["status"])

	// OFFLINE is reserved for the server
	sendEvent(t, alice, types.EventStatusChange, map[string]interface{}{"status": types.StatusOffline})
	data = waitFor(t, alice, types.EventError)
	assert.Contains(t, data["message"], "invalid status")
}

// A second connection for the same user replaces the presence entry, there is
// never more than one.
func TestPresenceSingleEntry(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice")
	hub, srv := newTestHub(t, store, "10s")

	dial(t, srv, "alice")
	assert.Eventually(t, func() bool { return hub.Presence.Count() == 1 }, time.Second, 10*time.Millisecond)

	second := dial(t, srv, "alice")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, hub.Presence.Count())

	// disconnect is unconditional: closing either connection clears the entry
	second.Close()
	assert.Eventually(t, func() bool { return hub.Presence.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice")
	hub, srv := newTestHub(t, store, "10s")

	alice := dial(t, srv, "alice")
	waitJoined(t, hub, "c1", 1)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	data := waitFor(t, alice, types.EventError)
	assert.Contains(t, data["message"], "malformed")

	// the connection survives and keeps working
	sendEvent(t, alice, types.EventMessageSend, map[string]interface{}{"chat_id": "c1", "content": "still here"})
	data = waitFor(t, alice, types.EventMessageNew)
	assert.Equal(t, "still here", data["content"])
}

func TestUnknownEvent(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice")
	_, srv := newTestHub(t, store, "10s")

	alice := dial(t, srv, "alice")

	sendEvent(t, alice, "message:frobnicate", map[string]interface{}{})
	data := waitFor(t, alice, types.EventError)
	assert.Contains(t, data["message"], "unknown event")
}

func TestReplyValidation(t *testing.T) {
	store := newFakeStore()
	store.seed("c1", "alice")
	store.seed("c2", "alice")
	_ = store.StoreMessage(&types.Message{Id: "m1", ChatId: "c2", SenderId: "alice", Content: "elsewhere", Type: types.MessageTypeText, CreatedAt: time.Now()})
	_, srv := newTestHub(t, store, "10s")

	alice := dial(t, srv, "alice")

	// reply target must exist
	sendEvent(t, alice, types.EventMessageSend, map[string]interface{}{"chat_id": "c1", "content": "re", "reply_to_id": "nope"})
	data := waitFor(t, alice, types.EventError)
	assert.Contains(t, data["message"], "reply target not found")

	// and belong to the same chat
	sendEvent(t, alice, types.EventMessageSend, map[string]interface{}{"chat_id": "c1", "content": "re", "reply_to_id": "m1"})
	data = waitFor(t, alice, types.EventError)
	assert.Contains(t, data["message"], "another chat")
}
