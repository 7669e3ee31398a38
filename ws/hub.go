package ws

import (
	"sync"
	"time"

	"github.com/corvidchat/corvid/cache"
	"github.com/corvidchat/corvid/config"
	"github.com/corvidchat/corvid/globals"
	"github.com/corvidchat/corvid/persistence"
	"github.com/corvidchat/corvid/presence"
	"github.com/corvidchat/corvid/types"
)

const (
	broadcastChannelSize = 1000
	controlChannelSize   = 64
)

type roomEvent struct {
	chatId  string
	data    []byte
	exclude *Client
}

type userEvent struct {
	userId string
	data   []byte
}

type globalEvent struct {
	data    []byte
	exclude *Client
}

type subscription struct {
	client *Client
	chatId string
}

type forcedSub struct {
	userId string
	chatId string
	leave  bool
}

// Hub is the single fanout point: every outbound event passes through its
// run loop, which preserves emission order within a chat room. It owns the
// room subscriptions, the per-user channels and the ephemeral registries.
type Hub struct {
	// Registered clients.
	clients map[*Client]struct{}

	// chat id -> subscribed clients
	rooms map[string]map[*Client]struct{}

	// user id -> that user's connections (the private user channel)
	userChannels map[string]map[*Client]struct{}

	// Register a new client to the hub.
	Register chan *Client

	// Unregister a client from the hub.
	Unregister chan *Client

	broadcast chan globalEvent
	roomCh    chan roomEvent
	userCh    chan userEvent
	joinCh    chan subscription
	leaveCh   chan subscription
	forceCh   chan forcedSub

	// global configuration
	Cfg *config.Config

	// persistence
	Persister persistence.Persister

	// ephemeral state
	Presence *presence.Registry
	Typing   *presence.TypingRegistry
	Members  *cache.Membership

	// mutex for manipulating the clients and subscription maps
	sync.RWMutex
}

func NewHub(cfg *config.Config, persister persistence.Persister) (*Hub, error) {
	hub := &Hub{
		clients:      make(map[*Client]struct{}),
		rooms:        make(map[string]map[*Client]struct{}),
		userChannels: make(map[string]map[*Client]struct{}),
		Register:     make(chan *Client),
		Unregister:   make(chan *Client),
		broadcast:    make(chan globalEvent, broadcastChannelSize),
		roomCh:       make(chan roomEvent, broadcastChannelSize),
		userCh:       make(chan userEvent, broadcastChannelSize),
		joinCh:       make(chan subscription, controlChannelSize),
		leaveCh:      make(chan subscription, controlChannelSize),
		forceCh:      make(chan forcedSub, controlChannelSize),
		Cfg:          cfg,
		Persister:    persister,
		Presence:     presence.NewRegistry(),
	}
	members, err := cache.New(cfg.CacheEntries(), cfg.MembershipTTL(), func(userId, chatId string) (bool, error) {
		return persister.IsMember(userId, chatId)
	})
	if err != nil {
		return nil, err
	}
	hub.Members = members
	hub.Typing = presence.NewTypingRegistry(cfg.TypingExpiry(), cfg.SweepSpec(), func(userId, chatId string) {
		hub.BroadcastToRoom(chatId, types.EventTypingStop, types.TypingEventPayload{ChatId: chatId, UserId: userId}, nil)
	})
	return hub, nil
}

// NoClients returns the number of clients registered.
func (h *Hub) NoClients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

// Run is the main hub event loop handling register, unregister, subscription
// and broadcast events.
func (h *Hub) Run() {
	if err := h.Typing.Run(); err != nil {
		globals.AppLogger.Error("could not start typing sweep", "error", err)
	}
	defer h.Typing.Close()
	for {
		select {
		case client := <-h.Register:
			h.Lock()
			h.clients[client] = struct{}{}
			h.subscribeUser(client)
			h.Unlock()

		case client := <-h.Unregister:
			h.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, room := range h.rooms {
					delete(room, client)
				}
				h.unsubscribeUser(client)
				close(client.Send)
			}
			h.Unlock()

		case sub := <-h.joinCh:
			h.Lock()
			h.subscribeRoom(sub.client, sub.chatId)
			h.Unlock()

		case sub := <-h.leaveCh:
			h.Lock()
			if room, ok := h.rooms[sub.chatId]; ok {
				delete(room, sub.client)
			}
			h.Unlock()

		case f := <-h.forceCh:
			h.Lock()
			for client := range h.userChannels[f.userId] {
				if f.leave {
					if room, ok := h.rooms[f.chatId]; ok {
						delete(room, client)
					}
				} else {
					h.subscribeRoom(client, f.chatId)
				}
			}
			h.Unlock()

		case evt := <-h.roomCh:
			h.RLock()
			for client := range h.rooms[evt.chatId] {
				if client == evt.exclude {
					continue
				}
				client.queue(evt.data)
			}
			h.RUnlock()

		case evt := <-h.userCh:
			h.RLock()
			for client := range h.userChannels[evt.userId] {
				client.queue(evt.data)
			}
			h.RUnlock()

		case evt := <-h.broadcast:
			h.RLock()
			for client := range h.clients {
				if client == evt.exclude {
					continue
				}
				client.queue(evt.data)
			}
			h.RUnlock()
		}
	}
}

// subscribeRoom must be called with the lock held.
func (h *Hub) subscribeRoom(c *Client, chatId string) {
	room, ok := h.rooms[chatId]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[chatId] = room
	}
	room[c] = struct{}{}
}

// subscribeUser must be called with the lock held.
func (h *Hub) subscribeUser(c *Client) {
	channel, ok := h.userChannels[c.user.Id]
	if !ok {
		channel = make(map[*Client]struct{})
		h.userChannels[c.user.Id] = channel
	}
	channel[c] = struct{}{}
}

// unsubscribeUser must be called with the lock held.
func (h *Hub) unsubscribeUser(c *Client) {
	if channel, ok := h.userChannels[c.user.Id]; ok {
		delete(channel, c)
		if len(channel) == 0 {
			delete(h.userChannels, c.user.Id)
		}
	}
}

// JoinRoom subscribes the client to the chat room. Membership must have been
// verified by the caller.
func (h *Hub) JoinRoom(c *Client, chatId string) {
	h.joinCh <- subscription{client: c, chatId: chatId}
}

// LeaveRoom unsubscribes the client from the chat room.
func (h *Hub) LeaveRoom(c *Client, chatId string) {
	h.leaveCh <- subscription{client: c, chatId: chatId}
}

// ForceJoin subscribes every live connection of userId to the chat room.
// Used when a membership is created outside the connection (invite accept,
// chat creation via REST).
func (h *Hub) ForceJoin(userId, chatId string) {
	h.forceCh <- forcedSub{userId: userId, chatId: chatId}
}

// ForceLeave unsubscribes every live connection of userId from the chat
// room.
func (h *Hub) ForceLeave(userId, chatId string) {
	h.forceCh <- forcedSub{userId: userId, chatId: chatId, leave: true}
}

// BroadcastToRoom emits an event to every connection subscribed to the chat
// room, except the excluded one (may be nil).
func (h *Hub) BroadcastToRoom(chatId, event string, payload interface{}, exclude *Client) {
	data, err := types.NewWireEvent(event, payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal event", "event", event, "error", err)
		return
	}
	h.roomCh <- roomEvent{chatId: chatId, data: data, exclude: exclude}
}

// BroadcastToUser emits an event on the private user channel.
func (h *Hub) BroadcastToUser(userId, event string, payload interface{}) {
	data, err := types.NewWireEvent(event, payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal event", "event", event, "error", err)
		return
	}
	h.userCh <- userEvent{userId: userId, data: data}
}

// BroadcastAll emits an event to every connection, except the excluded one
// (may be nil).
func (h *Hub) BroadcastAll(event string, payload interface{}, exclude *Client) {
	data, err := types.NewWireEvent(event, payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal event", "event", event, "error", err)
		return
	}
	h.broadcast <- globalEvent{data: data, exclude: exclude}
}

// NotifyRoom is BroadcastToRoom without an excluded connection, for callers
// outside the ws package.
func (h *Hub) NotifyRoom(chatId, event string, payload interface{}) {
	h.BroadcastToRoom(chatId, event, payload, nil)
}

// NotifyUser is BroadcastToUser, for callers outside the ws package.
func (h *Hub) NotifyUser(userId, event string, payload interface{}) {
	h.BroadcastToUser(userId, event, payload)
}

// touchChat updates the chat's last-activity timestamp, logging instead of
// failing: activity stamps are advisory.
func (h *Hub) touchChat(chatId string) {
	if err := h.Persister.TouchChat(chatId, time.Now()); err != nil {
		globals.AppLogger.Error("could not update chat activity", "chat", chatId, "error", err)
	}
}
