// Package api implements the REST surface: account management, chat and
// membership administration, message history, invites and friends. Realtime
// side effects (room subscriptions, fanout events) are delegated to the
// Notifier so the package stays independent of the websocket layer.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/corvidchat/corvid/auth"
	"github.com/corvidchat/corvid/config"
	"github.com/corvidchat/corvid/globals"
	"github.com/corvidchat/corvid/persistence"
	"github.com/corvidchat/corvid/types"
	"github.com/folkengine/goname"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Notifier is the realtime side of the REST handlers, implemented by the
// websocket hub.
type Notifier interface {
	NotifyRoom(chatId, event string, payload interface{})
	NotifyUser(userId, event string, payload interface{})
	ForceJoin(userId, chatId string)
	ForceLeave(userId, chatId string)
}

type Handler struct {
	Cfg       *config.Config
	Persister persistence.Persister
	Notifier  Notifier
}

func NewHandler(cfg *config.Config, persister persistence.Persister, notifier Notifier) *Handler {
	return &Handler{Cfg: cfg, Persister: persister, Notifier: notifier}
}

// AddRoutes registers all REST routes on the router.
func (h *Handler) AddRoutes(r *mux.Router) {
	r.HandleFunc("/register", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/me", h.Authenticated(h.Me)).Methods(http.MethodGet)
	r.HandleFunc("/users", h.Authenticated(h.ListUsers)).Methods(http.MethodGet)
	r.HandleFunc("/chats", h.Authenticated(h.ListChats)).Methods(http.MethodGet)
	r.HandleFunc("/chats", h.Authenticated(h.CreateChat)).Methods(http.MethodPost)
	r.HandleFunc("/chats/{id}/messages", h.Authenticated(h.ListMessages)).Methods(http.MethodGet)
	r.HandleFunc("/chats/{id}/messages", h.Authenticated(h.PostMessage)).Methods(http.MethodPost)
	r.HandleFunc("/chats/{id}/members", h.Authenticated(h.ListMembers)).Methods(http.MethodGet)
	r.HandleFunc("/chats/{id}/leave", h.Authenticated(h.LeaveChat)).Methods(http.MethodPost)
	r.HandleFunc("/invites", h.Authenticated(h.CreateInvite)).Methods(http.MethodPost)
	r.HandleFunc("/invites/{id}/accept", h.Authenticated(h.AcceptInvite)).Methods(http.MethodPost)
	r.HandleFunc("/invites/{id}/decline", h.Authenticated(h.DeclineInvite)).Methods(http.MethodPost)
	r.HandleFunc("/friends", h.Authenticated(h.ListFriends)).Methods(http.MethodGet)
	r.HandleFunc("/friends", h.Authenticated(h.RequestFriend)).Methods(http.MethodPost)
	r.HandleFunc("/friends/{id}/accept", h.Authenticated(h.AcceptFriend)).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		globals.AppLogger.Error("could not write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

type credentialsRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Nickname  string `json:"nickname"`
	AvatarUrl string `json:"avatar_url"`
}

type tokenResponse struct {
	Token string      `json:"token"`
	User  *types.User `json:"user"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	req := credentialsRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	nick := req.Nickname
	if nick == "" {
		nick = goname.New(goname.FantasyMap).FirstLast()
	}
	user := &types.User{
		Id:           uuid.NewString(),
		Username:     req.Username,
		Nickname:     nick,
		PasswordHash: hash,
		AvatarUrl:    req.AvatarUrl,
		Status:       types.StatusOffline,
		Tags:         types.JSONMap{},
		CreatedAt:    time.Now(),
	}
	if err := h.Persister.CreateUser(user); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		globals.AppLogger.Error("could not create user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	token, err := auth.NewToken(user, h.Cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token, User: user})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	req := credentialsRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	user, err := h.Persister.GetUserByUsername(req.Username)
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		// same response for unknown user and bad password
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := auth.NewToken(user, h.Cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, User: user})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, requestUser(r))
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Persister.GetUsers()
	if err != nil {
		globals.AppLogger.Error("could not list users", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.Persister.GetChatsForUser(requestUser(r).Id)
	if err != nil {
		globals.AppLogger.Error("could not list chats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

type createChatRequest struct {
	Name      string   `json:"name"`
	IsGroup   bool     `json:"is_group"`
	AvatarUrl string   `json:"avatar_url"`
	MemberIds []string `json:"member_ids"`
}

func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	req := createChatRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Name == "" && req.IsGroup {
		writeError(w, http.StatusBadRequest, "group chats need a name")
		return
	}
	now := time.Now()
	chat := &types.Chat{
		Id:           uuid.NewString(),
		Name:         req.Name,
		IsGroup:      req.IsGroup,
		AvatarUrl:    req.AvatarUrl,
		LastActivity: now,
		CreatedAt:    now,
	}
	creator := &types.ChatMember{ChatId: chat.Id, UserId: user.Id, Role: types.RoleAdmin, JoinedAt: now}
	if err := h.Persister.CreateChat(chat, creator); err != nil {
		globals.AppLogger.Error("could not create chat", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.Notifier.ForceJoin(user.Id, chat.Id)
	for _, memberId := range req.MemberIds {
		if memberId == user.Id {
			continue
		}
		member := &types.ChatMember{ChatId: chat.Id, UserId: memberId, Role: types.RoleMember, JoinedAt: now}
		if err := h.Persister.AddMember(member); err != nil {
			globals.AppLogger.Error("could not add member", "chat", chat.Id, "user", memberId, "error", err)
			continue
		}
		h.Notifier.ForceJoin(memberId, chat.Id)
		h.Notifier.NotifyUser(memberId, types.EventChatJoined, types.ChatRefPayload{ChatId: chat.Id, UserId: memberId})
	}
	writeJSON(w, http.StatusCreated, chat)
}

// requireMembership is the REST-side membership check. It queries the store
// directly; only the realtime path goes through the cache.
func (h *Handler) requireMembership(w http.ResponseWriter, userId, chatId string) bool {
	ok, err := h.Persister.IsMember(userId, chatId)
	if err != nil {
		globals.AppLogger.Error("membership lookup failed", "chat", chatId, "user", userId, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a member of this chat")
		return false
	}
	return true
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	chatId := mux.Vars(r)["id"]
	if !h.requireMembership(w, user.Id, chatId) {
		return
	}
	limit := h.Cfg.PageSize()
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= limit {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	entries, err := h.Persister.GetChatEntries(chatId, limit, offset)
	if err != nil {
		globals.AppLogger.Error("could not load history", "chat", chatId, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	payloads := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		payloads = append(payloads, e.Payload())
	}
	writeJSON(w, http.StatusOK, payloads)
}

type postMessageRequest struct {
	Content   string `json:"content"`
	Type      string `json:"type"`
	ReplyToId string `json:"reply_to_id"`
	FileUrl   string `json:"file_url"`
	MimeType  string `json:"mime_type"`
	FileSize  int64  `json:"file_size"`
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	chatId := mux.Vars(r)["id"]
	if !h.requireMembership(w, user.Id, chatId) {
		return
	}
	req := postMessageRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Content == "" && req.FileUrl == "" {
		writeError(w, http.StatusBadRequest, "missing content")
		return
	}
	if req.Type == "" {
		req.Type = types.MessageTypeText
	}
	now := time.Now()
	var entry types.Entry
	if req.Type == types.MessageTypeText {
		msg := &types.Message{
			Id:        uuid.NewString(),
			ChatId:    chatId,
			SenderId:  user.Id,
			Content:   req.Content,
			Type:      req.Type,
			ReplyToId: req.ReplyToId,
			CreatedAt: now,
		}
		if err := h.Persister.StoreMessage(msg); err != nil {
			globals.AppLogger.Error("could not store message", "chat", chatId, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		entry = types.TextEntry(msg)
	} else {
		if req.FileUrl == "" {
			writeError(w, http.StatusBadRequest, "missing file_url for media message")
			return
		}
		msg := &types.MediaMessage{
			Id:        uuid.NewString(),
			ChatId:    chatId,
			SenderId:  user.Id,
			Content:   req.Content,
			Type:      req.Type,
			FileUrl:   req.FileUrl,
			MimeType:  req.MimeType,
			FileSize:  req.FileSize,
			ReplyToId: req.ReplyToId,
			CreatedAt: now,
		}
		if err := h.Persister.StoreMediaMessage(msg); err != nil {
			globals.AppLogger.Error("could not store media message", "chat", chatId, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		entry = types.MediaEntry(msg)
	}
	if err := h.Persister.TouchChat(chatId, now); err != nil {
		globals.AppLogger.Error("could not update chat activity", "chat", chatId, "error", err)
	}
	h.Notifier.NotifyRoom(chatId, types.EventMessageNew, entry.Payload())
	writeJSON(w, http.StatusCreated, entry.Payload())
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	chatId := mux.Vars(r)["id"]
	if !h.requireMembership(w, user.Id, chatId) {
		return
	}
	memberIds, err := h.Persister.MemberIdsForChat(chatId)
	if err != nil {
		globals.AppLogger.Error("could not list members", "chat", chatId, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, memberIds)
}

func (h *Handler) LeaveChat(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	chatId := mux.Vars(r)["id"]
	if !h.requireMembership(w, user.Id, chatId) {
		return
	}
	if err := h.Persister.RemoveMember(chatId, user.Id); err != nil {
		globals.AppLogger.Error("could not remove member", "chat", chatId, "user", user.Id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.Notifier.ForceLeave(user.Id, chatId)
	h.Notifier.NotifyRoom(chatId, types.EventChatLeft, types.ChatRefPayload{ChatId: chatId, UserId: user.Id})
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

type createInviteRequest struct {
	ChatId    string `json:"chat_id"`
	InviteeId string `json:"invitee_id"`
}

func (h *Handler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	req := createInviteRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	if req.ChatId == "" || req.InviteeId == "" {
		writeError(w, http.StatusBadRequest, "chat_id and invitee_id are required")
		return
	}
	if !h.requireMembership(w, user.Id, req.ChatId) {
		return
	}
	if _, err := h.Persister.GetUser(req.InviteeId); err != nil {
		writeError(w, http.StatusNotFound, "invitee not found")
		return
	}
	if ok, err := h.Persister.IsMember(req.InviteeId, req.ChatId); err == nil && ok {
		writeError(w, http.StatusConflict, "already a member")
		return
	}
	inv := &types.ChatInvite{
		Id:        uuid.NewString(),
		ChatId:    req.ChatId,
		InviterId: user.Id,
		InviteeId: req.InviteeId,
		Status:    types.InvitePending,
		CreatedAt: time.Now(),
	}
	if err := h.Persister.CreateInvite(inv); err != nil {
		globals.AppLogger.Error("could not create invite", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.Notifier.NotifyUser(req.InviteeId, types.EventGroupNewRequest, types.GroupRequestPayload{
		Kind:       "chat",
		InviteId:   inv.Id,
		ChatId:     inv.ChatId,
		FromUserId: user.Id,
	})
	writeJSON(w, http.StatusCreated, inv)
}

// loadPendingInvite resolves the invite for accept/decline, enforcing that
// the caller is the invitee and the invite is still pending.
func (h *Handler) loadPendingInvite(w http.ResponseWriter, r *http.Request) *types.ChatInvite {
	user := requestUser(r)
	inv, err := h.Persister.GetInvite(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "invite not found")
		return nil
	}
	if inv.InviteeId != user.Id {
		writeError(w, http.StatusForbidden, "not your invite")
		return nil
	}
	if inv.Status != types.InvitePending {
		writeError(w, http.StatusConflict, "invite already resolved")
		return nil
	}
	return inv
}

func (h *Handler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	inv := h.loadPendingInvite(w, r)
	if inv == nil {
		return
	}
	member := &types.ChatMember{ChatId: inv.ChatId, UserId: inv.InviteeId, Role: types.RoleMember, JoinedAt: time.Now()}
	if err := h.Persister.AddMember(member); err != nil && !errors.Is(err, persistence.ErrDuplicate) {
		globals.AppLogger.Error("could not add member", "chat", inv.ChatId, "user", inv.InviteeId, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	inv.Status = types.InviteAccepted
	if err := h.Persister.UpdateInvite(inv); err != nil {
		globals.AppLogger.Error("could not update invite", "invite", inv.Id, "error", err)
	}
	h.Notifier.ForceJoin(inv.InviteeId, inv.ChatId)
	// the room broadcast may race the force-join, the user channel does not
	h.Notifier.NotifyUser(inv.InviteeId, types.EventChatJoined, types.ChatRefPayload{ChatId: inv.ChatId, UserId: inv.InviteeId})
	h.Notifier.NotifyRoom(inv.ChatId, types.EventChatJoined, types.ChatRefPayload{ChatId: inv.ChatId, UserId: inv.InviteeId})
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) DeclineInvite(w http.ResponseWriter, r *http.Request) {
	inv := h.loadPendingInvite(w, r)
	if inv == nil {
		return
	}
	inv.Status = types.InviteDeclined
	if err := h.Persister.UpdateInvite(inv); err != nil {
		globals.AppLogger.Error("could not update invite", "invite", inv.Id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) ListFriends(w http.ResponseWriter, r *http.Request) {
	friends, err := h.Persister.GetFriends(requestUser(r).Id)
	if err != nil {
		globals.AppLogger.Error("could not list friends", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, friends)
}

type friendRequest struct {
	UserId string `json:"user_id"`
}

func (h *Handler) RequestFriend(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	req := friendRequest{}
	if !readJSON(w, r, &req) {
		return
	}
	if req.UserId == "" || req.UserId == user.Id {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	if _, err := h.Persister.GetUser(req.UserId); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	f := &types.Friend{
		UserId:    user.Id,
		FriendId:  req.UserId,
		Status:    types.FriendPending,
		CreatedAt: time.Now(),
	}
	if err := h.Persister.CreateFriend(f); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			writeError(w, http.StatusConflict, "friend request already exists")
			return
		}
		globals.AppLogger.Error("could not create friend request", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// friend requests travel on the same user-channel event as chat invites
	h.Notifier.NotifyUser(req.UserId, types.EventGroupNewRequest, types.GroupRequestPayload{
		Kind:       "friend",
		FromUserId: user.Id,
	})
	writeJSON(w, http.StatusCreated, f)
}

// AcceptFriend accepts a pending request; the path id is the requester's user
// id.
func (h *Handler) AcceptFriend(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	requesterId := mux.Vars(r)["id"]
	f, err := h.Persister.GetFriend(requesterId, user.Id)
	if err != nil {
		writeError(w, http.StatusNotFound, "friend request not found")
		return
	}
	if f.Status != types.FriendPending {
		writeError(w, http.StatusConflict, "request already resolved")
		return
	}
	f.Status = types.FriendAccepted
	if err := h.Persister.UpdateFriend(f); err != nil {
		globals.AppLogger.Error("could not update friend request", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.Notifier.NotifyUser(requesterId, types.EventSuccess, types.SuccessPayload{Message: "friend request accepted"})
	writeJSON(w, http.StatusOK, f)
}
