package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/corvidchat/corvid/globals"
	"github.com/corvidchat/corvid/persistence"
	"github.com/corvidchat/corvid/types"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// Event failure taxonomy. Every kind surfaces as a targeted error event on
// the originating connection and never crosses the connection boundary.
const (
	errKindValidation    = "validation"
	errKindAuthorization = "authorization"
	errKindNotFound      = "not_found"
	errKindStore         = "store"
)

type eventError struct {
	kind    string
	message string
}

func errValidation(message string) *eventError {
	return &eventError{kind: errKindValidation, message: message}
}

func errAuthorization(message string) *eventError {
	return &eventError{kind: errKindAuthorization, message: message}
}

func errNotFound(message string) *eventError {
	return &eventError{kind: errKindNotFound, message: message}
}

// errStore logs the underlying failure with context and returns a generic
// error event, the store detail never reaches the client.
func errStore(op string, err error, args ...interface{}) *eventError {
	globals.AppLogger.Error("store error", append([]interface{}{"op", op, "error", err}, args...)...)
	return &eventError{kind: errKindStore, message: "internal error"}
}

// dispatch routes one inbound frame to its handler. Handler failures are
// answered with a targeted error event; nothing thrown here may take down
// the connection or the hub.
func (c *Client) dispatch(event string, data json.RawMessage) {
	raw := make(map[string]interface{})
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			c.sendError("malformed event payload")
			return
		}
	}
	decode := func(out interface{}) bool {
		if err := mapstructure.WeakDecode(raw, out); err != nil {
			c.sendError("malformed event payload")
			return false
		}
		return true
	}

	var evtErr *eventError
	switch event {
	case types.EventMessageSend:
		p := types.SendMessagePayload{}
		if !decode(&p) {
			return
		}
		evtErr = c.handleSendMessage(p)

	case types.EventMessageEdit:
		p := types.EditMessagePayload{}
		if !decode(&p) {
			return
		}
		evtErr = c.handleEditMessage(p)

	case types.EventMessageDelete:
		p := types.DeleteMessagePayload{}
		if !decode(&p) {
			return
		}
		evtErr = c.handleDeleteMessage(p)

	case types.EventTypingStart:
		p := types.TypingPayload{}
		if !decode(&p) {
			return
		}
		evtErr = c.handleTyping(p, true)

	case types.EventTypingStop:
		p := types.TypingPayload{}
		if !decode(&p) {
			return
		}
		evtErr = c.handleTyping(p, false)

	case types.EventChatJoin:
		p := types.ChatPayload{}
		if !decode(&p) {
			return
		}
		evtErr = c.handleChatJoin(p)

	case types.EventChatLeave:
		p := types.ChatPayload{}
		if !decode(&p) {
			return
		}
		evtErr = c.handleChatLeave(p)

	case types.EventMarkRead:
		p := types.MarkReadPayload{}
		if !decode(&p) {
			return
		}
		evtErr = c.handleMarkRead(p)

	case types.EventReactionToggle:
		p := types.ReactionPayload{}
		if !decode(&p) {
			return
		}
		evtErr = c.handleToggleReaction(p)

	case types.EventMessagePin:
		p := types.PinPayload{}
		if !decode(&p) {
			return
		}
		evtErr = c.handlePin(p)

	case types.EventMessageForward:
		p := types.ForwardPayload{}
		if !decode(&p) {
			return
		}
		evtErr = c.handleForward(p)

	case types.EventStatusChange:
		p := types.StatusPayload{}
		if !decode(&p) {
			return
		}
		evtErr = c.handleStatusChange(p)

	case types.EventProfileUpdated:
		p := types.ProfilePayload{}
		if !decode(&p) {
			return
		}
		evtErr = c.handleProfileUpdated(p)

	default:
		c.sendError("unknown event: " + event)
		return
	}
	if evtErr != nil {
		c.sendError(evtErr.message)
	}
}

// requireAccess checks chat membership via the cache, falling back to the
// store on miss.
func (c *Client) requireAccess(chatId string) *eventError {
	if chatId == "" {
		return errValidation("missing chat_id")
	}
	ok, err := c.hub.Members.HasAccess(c.user.Id, chatId)
	if err != nil {
		return errStore("membership lookup", err, "user", c.user.Id, "chat", chatId)
	}
	if !ok {
		return errAuthorization("access denied: not a member of this chat")
	}
	return nil
}

func (c *Client) getEntry(messageId string) (types.Entry, *eventError) {
	if messageId == "" {
		return types.Entry{}, errValidation("missing message_id")
	}
	entry, err := c.hub.Persister.GetEntry(messageId)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return types.Entry{}, errNotFound("message not found")
		}
		return types.Entry{}, errStore("message lookup", err, "message", messageId)
	}
	return entry, nil
}

func (c *Client) handleSendMessage(p types.SendMessagePayload) *eventError {
	if p.Content == "" && p.FileUrl == "" {
		return errValidation("missing content")
	}
	if p.Type == "" {
		p.Type = types.MessageTypeText
	}
	if evtErr := c.requireAccess(p.ChatId); evtErr != nil {
		return evtErr
	}
	if p.ReplyToId != "" {
		target, evtErr := c.getEntry(p.ReplyToId)
		if evtErr != nil {
			if evtErr.kind == errKindNotFound {
				return errNotFound("reply target not found")
			}
			return evtErr
		}
		if target.ChatId() != p.ChatId {
			return errValidation("reply target belongs to another chat")
		}
	}

	now := time.Now()
	var entry types.Entry
	if p.Type == types.MessageTypeText {
		msg := &types.Message{
			Id:        uuid.NewString(),
			ChatId:    p.ChatId,
			SenderId:  c.user.Id,
			Content:   p.Content,
			Type:      p.Type,
			ReplyToId: p.ReplyToId,
			CreatedAt: now,
		}
		if err := c.hub.Persister.StoreMessage(msg); err != nil {
			return errStore("store message", err, "chat", p.ChatId, "user", c.user.Id)
		}
		entry = types.TextEntry(msg)
	} else {
		if p.FileUrl == "" {
			return errValidation("missing file_url for media message")
		}
		msg := &types.MediaMessage{
			Id:        uuid.NewString(),
			ChatId:    p.ChatId,
			SenderId:  c.user.Id,
			Content:   p.Content,
			Type:      p.Type,
			FileUrl:   p.FileUrl,
			MimeType:  p.MimeType,
			FileSize:  p.FileSize,
			ReplyToId: p.ReplyToId,
			CreatedAt: now,
		}
		if err := c.hub.Persister.StoreMediaMessage(msg); err != nil {
			return errStore("store media message", err, "chat", p.ChatId, "user", c.user.Id)
		}
		entry = types.MediaEntry(msg)
	}
	c.hub.touchChat(p.ChatId)

	// sending clears the sender's typing indicator, the stop is emitted
	// before the message itself
	if c.hub.Typing.Stop(c.user.Id, p.ChatId) {
		c.hub.BroadcastToRoom(p.ChatId, types.EventTypingStop, types.TypingEventPayload{ChatId: p.ChatId, UserId: c.user.Id}, nil)
	}
	c.hub.BroadcastToRoom(p.ChatId, types.EventMessageNew, entry.Payload(), nil)
	return nil
}

func (c *Client) handleEditMessage(p types.EditMessagePayload) *eventError {
	if p.Content == "" {
		return errValidation("missing content")
	}
	entry, evtErr := c.getEntry(p.MessageId)
	if evtErr != nil {
		return evtErr
	}
	if entry.SenderId() != c.user.Id {
		return errAuthorization("not the message owner")
	}
	now := time.Now()
	switch entry.Kind {
	case types.EntryMedia:
		m := entry.Media
		if !m.IsEdited {
			// the original content survives the first edit only
			m.OriginalContent = m.Content
		}
		m.Content = p.Content
		m.IsEdited = true
		m.EditedAt = &now
	default:
		m := entry.Text
		if !m.IsEdited {
			m.OriginalContent = m.Content
		}
		m.Content = p.Content
		m.IsEdited = true
		m.EditedAt = &now
	}
	if err := c.hub.Persister.UpdateEntry(entry); err != nil {
		return errStore("update message", err, "message", p.MessageId)
	}
	c.hub.BroadcastToRoom(entry.ChatId(), types.EventMessageEdited, entry.Payload(), nil)
	return nil
}

func (c *Client) handleDeleteMessage(p types.DeleteMessagePayload) *eventError {
	entry, evtErr := c.getEntry(p.MessageId)
	if evtErr != nil {
		return evtErr
	}
	// the configured admin user may delete anything
	if entry.SenderId() != c.user.Id && c.user.Username != c.hub.Cfg.AdminUser {
		return errAuthorization("not the message owner")
	}
	if err := c.hub.Persister.DeleteEntry(entry); err != nil {
		return errStore("delete message", err, "message", p.MessageId)
	}
	chatId := entry.ChatId()
	c.hub.BroadcastToRoom(chatId, types.EventMessageDeleted, types.MessageRefPayload{MessageId: entry.Id(), ChatId: chatId}, nil)
	// hint for clients to recount their unread badges
	c.hub.BroadcastToRoom(chatId, types.EventUnreadUpdate, types.ChatRefPayload{ChatId: chatId}, nil)
	return nil
}

func (c *Client) handleTyping(p types.TypingPayload, start bool) *eventError {
	if evtErr := c.requireAccess(p.ChatId); evtErr != nil {
		return evtErr
	}
	payload := types.TypingEventPayload{ChatId: p.ChatId, UserId: c.user.Id}
	if start {
		c.hub.Typing.Start(c.user.Id, p.ChatId)
		c.hub.BroadcastToRoom(p.ChatId, types.EventTypingStart, payload, c)
	} else if c.hub.Typing.Stop(c.user.Id, p.ChatId) {
		c.hub.BroadcastToRoom(p.ChatId, types.EventTypingStop, payload, c)
	}
	return nil
}

func (c *Client) handleChatJoin(p types.ChatPayload) *eventError {
	if evtErr := c.requireAccess(p.ChatId); evtErr != nil {
		return evtErr
	}
	c.hub.JoinRoom(c, p.ChatId)
	c.hub.BroadcastToRoom(p.ChatId, types.EventChatJoined, types.ChatRefPayload{ChatId: p.ChatId, UserId: c.user.Id}, nil)
	return nil
}

func (c *Client) handleChatLeave(p types.ChatPayload) *eventError {
	if p.ChatId == "" {
		return errValidation("missing chat_id")
	}
	c.hub.LeaveRoom(c, p.ChatId)
	c.hub.BroadcastToRoom(p.ChatId, types.EventChatLeft, types.ChatRefPayload{ChatId: p.ChatId, UserId: c.user.Id}, c)
	return nil
}

func (c *Client) handleMarkRead(p types.MarkReadPayload) *eventError {
	if evtErr := c.requireAccess(p.ChatId); evtErr != nil {
		return evtErr
	}
	ids := p.MessageIds
	if len(ids) == 0 {
		var err error
		ids, err = c.hub.Persister.UnreadMessageIds(p.ChatId, c.user.Id)
		if err != nil {
			return errStore("unread lookup", err, "chat", p.ChatId, "user", c.user.Id)
		}
	}
	if len(ids) == 0 {
		c.sendSuccess("nothing to mark read")
		return nil
	}
	now := time.Now()
	receipts := make([]*types.ReadReceipt, 0, len(ids))
	for _, id := range ids {
		receipts = append(receipts, &types.ReadReceipt{MessageId: id, UserId: c.user.Id, ReadAt: now})
	}
	n, err := c.hub.Persister.MarkRead(receipts)
	if err != nil {
		return errStore("mark read", err, "chat", p.ChatId, "user", c.user.Id)
	}
	c.hub.BroadcastToRoom(p.ChatId, types.EventMessagesRead, types.ReadPayload{
		ChatId:     p.ChatId,
		UserId:     c.user.Id,
		Count:      n,
		MessageIds: ids,
	}, nil)
	return nil
}

func (c *Client) handleToggleReaction(p types.ReactionPayload) *eventError {
	if p.Emoji == "" {
		return errValidation("missing emoji")
	}
	entry, evtErr := c.getEntry(p.MessageId)
	if evtErr != nil {
		return evtErr
	}
	chatId := entry.ChatId()
	existing, err := c.hub.Persister.FindReaction(entry.Id(), c.user.Id, p.Emoji)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return errStore("reaction lookup", err, "message", entry.Id())
	}
	var event string
	if existing != nil {
		if err := c.hub.Persister.RemoveReaction(existing.Id); err != nil {
			return errStore("remove reaction", err, "message", entry.Id())
		}
		event = types.EventReactionRemoved
	} else {
		reaction := &types.Reaction{
			Id:        uuid.NewString(),
			MessageId: entry.Id(),
			UserId:    c.user.Id,
			Emoji:     p.Emoji,
			CreatedAt: time.Now(),
		}
		if err := c.hub.Persister.AddReaction(reaction); err != nil {
			return errStore("add reaction", err, "message", entry.Id())
		}
		event = types.EventReactionAdded
	}
	counts, err := c.hub.Persister.ReactionCounts(entry.Id())
	if err != nil {
		return errStore("reaction counts", err, "message", entry.Id())
	}
	payload := types.ReactionUpdatePayload{
		MessageId: entry.Id(),
		ChatId:    chatId,
		UserId:    c.user.Id,
		Emoji:     p.Emoji,
		Counts:    counts,
	}
	c.hub.BroadcastToRoom(chatId, event, payload, nil)
	c.hub.BroadcastToRoom(chatId, types.EventReactionUpdated, payload, nil)
	return nil
}

func (c *Client) handlePin(p types.PinPayload) *eventError {
	entry, evtErr := c.getEntry(p.MessageId)
	if evtErr != nil {
		return evtErr
	}
	member, err := c.hub.Persister.GetMember(c.user.Id, entry.ChatId())
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return errAuthorization("access denied: not a member of this chat")
		}
		return errStore("member lookup", err, "chat", entry.ChatId(), "user", c.user.Id)
	}
	if !member.CanPin() {
		return errAuthorization("insufficient role to pin messages")
	}
	now := time.Now()
	switch entry.Kind {
	case types.EntryMedia:
		m := entry.Media
		if m.IsPinned {
			m.IsPinned = false
			m.PinnedBy = ""
			m.PinnedAt = nil
		} else {
			m.IsPinned = true
			m.PinnedBy = c.user.Id
			m.PinnedAt = &now
		}
	default:
		m := entry.Text
		if m.IsPinned {
			m.IsPinned = false
			m.PinnedBy = ""
			m.PinnedAt = nil
		} else {
			m.IsPinned = true
			m.PinnedBy = c.user.Id
			m.PinnedAt = &now
		}
	}
	if err := c.hub.Persister.UpdateEntry(entry); err != nil {
		return errStore("update pin state", err, "message", entry.Id())
	}
	c.hub.BroadcastToRoom(entry.ChatId(), types.EventMessagePinned, entry.Payload(), nil)
	return nil
}

func (c *Client) handleForward(p types.ForwardPayload) *eventError {
	if len(p.TargetChatIds) == 0 {
		return errValidation("missing target_chat_ids")
	}
	src, evtErr := c.getEntry(p.MessageId)
	if evtErr != nil {
		return evtErr
	}
	forwarded := 0
	for _, chatId := range p.TargetChatIds {
		ok, err := c.hub.Members.HasAccess(c.user.Id, chatId)
		if err != nil {
			globals.AppLogger.Error("membership lookup failed during forward", "chat", chatId, "error", err)
			continue
		}
		if !ok {
			// not a member: skipped silently, not reported as a failure
			continue
		}
		entry := forwardedEntry(src, chatId, c.user.Id, time.Now())
		var storeErr error
		if entry.Kind == types.EntryMedia {
			storeErr = c.hub.Persister.StoreMediaMessage(entry.Media)
		} else {
			storeErr = c.hub.Persister.StoreMessage(entry.Text)
		}
		if storeErr != nil {
			// partial success: earlier targets stand, later ones are still
			// attempted
			globals.AppLogger.Error("could not store forwarded message", "chat", chatId, "error", storeErr)
			continue
		}
		c.hub.touchChat(chatId)
		c.hub.BroadcastToRoom(chatId, types.EventMessageNew, entry.Payload(), nil)
		forwarded++
	}
	c.sendSuccess(fmt.Sprintf("forwarded to %d chats", forwarded))
	return nil
}

// forwardedEntry duplicates a message into another chat with a fresh id and
// the forwarded marker, stripping per-chat state (replies, pins, edits).
func forwardedEntry(src types.Entry, chatId, senderId string, now time.Time) types.Entry {
	if src.Kind == types.EntryMedia {
		m := *src.Media
		m.Id = uuid.NewString()
		m.ChatId = chatId
		m.SenderId = senderId
		m.ReplyToId = ""
		m.IsForwarded = true
		if m.Content != "" && !strings.HasPrefix(m.Content, types.ForwardedPrefix) {
			m.Content = types.ForwardedPrefix + m.Content
		}
		m.IsPinned = false
		m.PinnedBy = ""
		m.PinnedAt = nil
		m.IsEdited = false
		m.EditedAt = nil
		m.OriginalContent = ""
		m.CreatedAt = now
		return types.MediaEntry(&m)
	}
	m := *src.Text
	m.Id = uuid.NewString()
	m.ChatId = chatId
	m.SenderId = senderId
	m.ReplyToId = ""
	m.IsForwarded = true
	if !strings.HasPrefix(m.Content, types.ForwardedPrefix) {
		m.Content = types.ForwardedPrefix + m.Content
	}
	m.IsPinned = false
	m.PinnedBy = ""
	m.PinnedAt = nil
	m.IsEdited = false
	m.EditedAt = nil
	m.OriginalContent = ""
	m.CreatedAt = now
	return types.TextEntry(&m)
}

func (c *Client) handleStatusChange(p types.StatusPayload) *eventError {
	if _, ok := types.ValidStatuses[p.Status]; !ok {
		return errValidation("invalid status: " + p.Status)
	}
	if err := c.hub.Persister.UpdateUserStatus(c.user.Id, p.Status, time.Now()); err != nil {
		return errStore("update status", err, "user", c.user.Id)
	}
	c.user.Status = p.Status
	// status changes go to every connection, not scoped to chat rooms
	c.hub.BroadcastAll(types.EventUserStatusChanged, types.PresencePayload{UserId: c.user.Id, Status: p.Status}, nil)
	return nil
}

func (c *Client) handleProfileUpdated(p types.ProfilePayload) *eventError {
	if p.Nickname == "" && p.AvatarUrl == "" {
		return errValidation("nothing to update")
	}
	if p.Nickname != "" {
		c.user.Nickname = p.Nickname
	}
	if p.AvatarUrl != "" {
		c.user.AvatarUrl = p.AvatarUrl
	}
	if err := c.hub.Persister.UpdateUser(c.user); err != nil {
		return errStore("update profile", err, "user", c.user.Id)
	}
	c.hub.BroadcastAll(types.EventUserProfileUpdated, types.ProfileEventPayload{
		UserId:    c.user.Id,
		Nickname:  c.user.Nickname,
		AvatarUrl: c.user.AvatarUrl,
	}, nil)
	return nil
}
