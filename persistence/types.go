package persistence

import (
	"errors"
	"time"

	"github.com/corvidchat/corvid/types"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

type Persister interface {
	// users
	CreateUser(user *types.User) error
	GetUser(id string) (*types.User, error)
	GetUserByUsername(username string) (*types.User, error)
	GetUsers() ([]*types.User, error)
	UpdateUser(user *types.User) error
	UpdateUserStatus(userId, status string, lastSeen time.Time) error
	DeleteUser(id string) error

	// chats and membership
	CreateChat(chat *types.Chat, creator *types.ChatMember) error
	GetChat(id string) (*types.Chat, error)
	GetChats() ([]*types.Chat, error)
	GetChatsForUser(userId string) ([]*types.Chat, error)
	TouchChat(chatId string, at time.Time) error
	DeleteChat(id string) error
	AddMember(member *types.ChatMember) error
	RemoveMember(chatId, userId string) error
	IsMember(userId, chatId string) (bool, error)
	GetMember(userId, chatId string) (*types.ChatMember, error)
	SetMemberRole(chatId, userId, role string) error
	ChatIdsForUser(userId string) ([]string, error)
	MemberIdsForChat(chatId string) ([]string, error)

	// messages, split over a text and a media table
	StoreMessage(msg *types.Message) error
	StoreMediaMessage(msg *types.MediaMessage) error
	UpdateMessage(msg *types.Message) error
	UpdateMediaMessage(msg *types.MediaMessage) error
	UpdateEntry(entry types.Entry) error
	DeleteEntry(entry types.Entry) error
	// GetEntry probes the text table first, falling back to the media table
	// on miss.
	GetEntry(id string) (types.Entry, error)
	GetChatEntries(chatId string, limit, offset int) ([]types.Entry, error)

	// reactions
	FindReaction(messageId, userId, emoji string) (*types.Reaction, error)
	AddReaction(r *types.Reaction) error
	RemoveReaction(id string) error
	ReactionCounts(messageId string) (map[string]int, error)

	// read receipts, idempotent per (message, user)
	MarkRead(receipts []*types.ReadReceipt) (int, error)
	UnreadMessageIds(chatId, userId string) ([]string, error)

	// invites
	CreateInvite(inv *types.ChatInvite) error
	GetInvite(id string) (*types.ChatInvite, error)
	UpdateInvite(inv *types.ChatInvite) error

	// friends
	CreateFriend(f *types.Friend) error
	GetFriend(userId, friendId string) (*types.Friend, error)
	UpdateFriend(f *types.Friend) error
	GetFriends(userId string) ([]*types.Friend, error)

	Close() error
}
