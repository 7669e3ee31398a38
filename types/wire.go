package types

import "encoding/json"

// Client-originated events.
const (
	EventMessageSend    = "message:send"
	EventMessageEdit    = "message:edit"
	EventMessageDelete  = "message:delete"
	EventChatJoin       = "chat:join"
	EventChatLeave      = "chat:leave"
	EventMarkRead       = "messages:mark_read"
	EventReactionToggle = "reaction:toggle"
	EventMessagePin     = "message:pin"
	EventMessageForward = "message:forward"
	EventStatusChange   = "status:change"
	EventProfileUpdated = "profile:updated"
)

// Server-originated events. typing:start and typing:stop travel in both
// directions.
const (
	EventMessageNew         = "message:new"
	EventMessageEdited      = "message:edited"
	EventMessageDeleted     = "message:deleted"
	EventTypingStart        = "typing:start"
	EventTypingStop         = "typing:stop"
	EventReactionUpdated    = "reaction:updated"
	EventReactionAdded      = "reaction:added"
	EventReactionRemoved    = "reaction:removed"
	EventMessagePinned      = "message:pinned"
	EventMessagesRead       = "messages:read"
	EventUnreadUpdate       = "unread:update"
	EventUserOnline         = "user:online"
	EventUserOffline        = "user:offline"
	EventUserStatusChanged  = "user:status_changed"
	EventUserProfileUpdated = "user:profile_updated"
	EventChatJoined         = "chat:joined"
	EventChatLeft           = "chat:left"
	EventGroupNewRequest    = "group:new_request"
	EventError              = "error"
	EventSuccess            = "success"
)

// JSON-serialized WebsocketMessage is what is actually sent via the
// websocket connection.
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewWireEvent marshals an event envelope ready to be written to a
// connection.
func NewWireEvent(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: data})
}

// Inbound payloads, weak-decoded from the envelope data.

type SendMessagePayload struct {
	ChatId    string `mapstructure:"chat_id"`
	Content   string `mapstructure:"content"`
	Type      string `mapstructure:"type"`
	ReplyToId string `mapstructure:"reply_to_id"`
	FileUrl   string `mapstructure:"file_url"`
	MimeType  string `mapstructure:"mime_type"`
	FileSize  int64  `mapstructure:"file_size"`
}

type EditMessagePayload struct {
	MessageId string `mapstructure:"message_id"`
	Content   string `mapstructure:"content"`
}

type DeleteMessagePayload struct {
	MessageId string `mapstructure:"message_id"`
}

type TypingPayload struct {
	ChatId string `mapstructure:"chat_id"`
}

type ChatPayload struct {
	ChatId string `mapstructure:"chat_id"`
}

type MarkReadPayload struct {
	ChatId     string   `mapstructure:"chat_id"`
	MessageIds []string `mapstructure:"message_ids"`
}

type ReactionPayload struct {
	MessageId string `mapstructure:"message_id"`
	Emoji     string `mapstructure:"emoji"`
}

type PinPayload struct {
	MessageId string `mapstructure:"message_id"`
}

type ForwardPayload struct {
	MessageId     string   `mapstructure:"message_id"`
	TargetChatIds []string `mapstructure:"target_chat_ids"`
}

type StatusPayload struct {
	Status string `mapstructure:"status"`
}

type ProfilePayload struct {
	Nickname  string `mapstructure:"nickname"`
	AvatarUrl string `mapstructure:"avatar_url"`
}

// Outbound payloads.

type ErrorPayload struct {
	Message string `json:"message"`
}

type SuccessPayload struct {
	Message string `json:"message"`
}

type TypingEventPayload struct {
	ChatId string `json:"chat_id"`
	UserId string `json:"user_id"`
}

type PresencePayload struct {
	UserId string `json:"user_id"`
	Status string `json:"status"`
}

type MessageRefPayload struct {
	MessageId string `json:"message_id"`
	ChatId    string `json:"chat_id"`
}

type ReactionUpdatePayload struct {
	MessageId string         `json:"message_id"`
	ChatId    string         `json:"chat_id"`
	UserId    string         `json:"user_id"`
	Emoji     string         `json:"emoji"`
	Counts    map[string]int `json:"counts"`
}

type ReadPayload struct {
	ChatId     string   `json:"chat_id"`
	UserId     string   `json:"user_id"`
	Count      int      `json:"count"`
	MessageIds []string `json:"message_ids,omitempty"`
}

type ChatRefPayload struct {
	ChatId string `json:"chat_id"`
	UserId string `json:"user_id"`
}

// GroupRequestPayload travels on the private user channel for incoming chat
// invites and friend requests. Kind is "chat" or "friend".
type GroupRequestPayload struct {
	Kind       string `json:"kind"`
	InviteId   string `json:"invite_id,omitempty"`
	ChatId     string `json:"chat_id,omitempty"`
	FromUserId string `json:"from_user_id"`
}

type ProfileEventPayload struct {
	UserId    string `json:"user_id"`
	Nickname  string `json:"nickname"`
	AvatarUrl string `json:"avatar_url"`
}
