package ws

import (
	"sync"
	"time"

	"github.com/corvidchat/corvid/persistence"
	"github.com/corvidchat/corvid/types"
)

// fakeStore is an in-memory Persister for exercising the realtime layer
// without a database.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]*types.User
	chats    map[string]*types.Chat
	members  map[string]map[string]*types.ChatMember // chat id -> user id
	messages map[string]*types.Message
	media    map[string]*types.MediaMessage
	reacts   map[string]*types.Reaction
	receipts map[string]struct{} // message id + ":" + user id
	invites  map[string]*types.ChatInvite
	friends  map[string]*types.Friend // user id + ":" + friend id
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[string]*types.User),
		chats:    make(map[string]*types.Chat),
		members:  make(map[string]map[string]*types.ChatMember),
		messages: make(map[string]*types.Message),
		media:    make(map[string]*types.MediaMessage),
		reacts:   make(map[string]*types.Reaction),
		receipts: make(map[string]struct{}),
		invites:  make(map[string]*types.ChatInvite),
		friends:  make(map[string]*types.Friend),
	}
}

// seed adds a chat with the given members, creating users as needed.
func (s *fakeStore) seed(chatId string, userIds ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chatId] = &types.Chat{Id: chatId, Name: chatId, IsGroup: true, CreatedAt: time.Now()}
	s.members[chatId] = make(map[string]*types.ChatMember)
	for _, id := range userIds {
		if _, ok := s.users[id]; !ok {
			s.users[id] = &types.User{Id: id, Username: id, Nickname: id}
		}
		s.members[chatId][id] = &types.ChatMember{ChatId: chatId, UserId: id, Role: types.RoleMember, JoinedAt: time.Now()}
	}
}

func (s *fakeStore) setRole(chatId, userId, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[chatId][userId].Role = role
}

func (s *fakeStore) message(id string) *types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		cp := *m
		return &cp
	}
	return nil
}

func (s *fakeStore) messagesInChat(chatId string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ChatId == chatId {
			n++
		}
	}
	for _, m := range s.media {
		if m.ChatId == chatId {
			n++
		}
	}
	return n
}

func (s *fakeStore) CreateUser(user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == user.Username {
			return persistence.ErrDuplicate
		}
	}
	s.users[user.Id] = user
	return nil
}

func (s *fakeStore) GetUser(id string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, persistence.ErrNotFound
}

func (s *fakeStore) GetUserByUsername(username string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (s *fakeStore) GetUsers() ([]*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]*types.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		users = append(users, &cp)
	}
	return users, nil
}

func (s *fakeStore) UpdateUser(user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.Id] = &cp
	return nil
}

func (s *fakeStore) UpdateUserStatus(userId, status string, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userId]; ok {
		u.Status = status
		u.LastSeen = lastSeen
	}
	return nil
}

func (s *fakeStore) DeleteUser(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

func (s *fakeStore) CreateChat(chat *types.Chat, creator *types.ChatMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chat.Id] = chat
	s.members[chat.Id] = make(map[string]*types.ChatMember)
	if creator != nil {
		s.members[chat.Id][creator.UserId] = creator
	}
	return nil
}

func (s *fakeStore) GetChat(id string) (*types.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chats[id]; ok {
		return c, nil
	}
	return nil, persistence.ErrNotFound
}

func (s *fakeStore) GetChats() ([]*types.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chats := make([]*types.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		chats = append(chats, c)
	}
	return chats, nil
}

func (s *fakeStore) GetChatsForUser(userId string) ([]*types.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chats := make([]*types.Chat, 0)
	for chatId, members := range s.members {
		if _, ok := members[userId]; ok {
			chats = append(chats, s.chats[chatId])
		}
	}
	return chats, nil
}

func (s *fakeStore) TouchChat(chatId string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chats[chatId]; ok {
		c.LastActivity = at
	}
	return nil
}

func (s *fakeStore) DeleteChat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, id)
	delete(s.members, id)
	return nil
}

func (s *fakeStore) AddMember(member *types.ChatMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[member.ChatId]; !ok {
		s.members[member.ChatId] = make(map[string]*types.ChatMember)
	}
	s.members[member.ChatId][member.UserId] = member
	return nil
}

func (s *fakeStore) RemoveMember(chatId, userId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[chatId], userId)
	return nil
}

func (s *fakeStore) IsMember(userId, chatId string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[chatId][userId]
	return ok, nil
}

func (s *fakeStore) GetMember(userId, chatId string) (*types.ChatMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[chatId][userId]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, persistence.ErrNotFound
}

func (s *fakeStore) SetMemberRole(chatId, userId, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[chatId][userId]; ok {
		m.Role = role
		return nil
	}
	return persistence.ErrNotFound
}

func (s *fakeStore) ChatIdsForUser(userId string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for chatId, members := range s.members {
		if _, ok := members[userId]; ok {
			ids = append(ids, chatId)
		}
	}
	return ids, nil
}

func (s *fakeStore) MemberIdsForChat(chatId string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for userId := range s.members[chatId] {
		ids = append(ids, userId)
	}
	return ids, nil
}

func (s *fakeStore) StoreMessage(msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.messages[msg.Id] = &cp
	return nil
}

func (s *fakeStore) StoreMediaMessage(msg *types.MediaMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.media[msg.Id] = &cp
	return nil
}

func (s *fakeStore) UpdateMessage(msg *types.Message) error {
	return s.StoreMessage(msg)
}

func (s *fakeStore) UpdateMediaMessage(msg *types.MediaMessage) error {
	return s.StoreMediaMessage(msg)
}

func (s *fakeStore) UpdateEntry(entry types.Entry) error {
	if entry.Kind == types.EntryMedia {
		return s.UpdateMediaMessage(entry.Media)
	}
	return s.UpdateMessage(entry.Text)
}

func (s *fakeStore) DeleteEntry(entry types.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Kind == types.EntryMedia {
		delete(s.media, entry.Media.Id)
	} else {
		delete(s.messages, entry.Text.Id)
	}
	return nil
}

func (s *fakeStore) GetEntry(id string) (types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		cp := *m
		return types.TextEntry(&cp), nil
	}
	if m, ok := s.media[id]; ok {
		cp := *m
		return types.MediaEntry(&cp), nil
	}
	return types.Entry{}, persistence.ErrNotFound
}

func (s *fakeStore) GetChatEntries(chatId string, limit, offset int) ([]types.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]types.Entry, 0)
	for _, m := range s.messages {
		if m.ChatId == chatId {
			cp := *m
			entries = append(entries, types.TextEntry(&cp))
		}
	}
	for _, m := range s.media {
		if m.ChatId == chatId {
			cp := *m
			entries = append(entries, types.MediaEntry(&cp))
		}
	}
	return entries, nil
}

func (s *fakeStore) FindReaction(messageId, userId, emoji string) (*types.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reacts {
		if r.MessageId == messageId && r.UserId == userId && r.Emoji == emoji {
			cp := *r
			return &cp, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (s *fakeStore) AddReaction(r *types.Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reacts[r.Id] = &cp
	return nil
}

func (s *fakeStore) RemoveReaction(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reacts, id)
	return nil
}

func (s *fakeStore) ReactionCounts(messageId string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, r := range s.reacts {
		if r.MessageId == messageId {
			counts[r.Emoji]++
		}
	}
	return counts, nil
}

func (s *fakeStore) MarkRead(receipts []*types.ReadReceipt) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range receipts {
		key := r.MessageId + ":" + r.UserId
		if _, ok := s.receipts[key]; !ok {
			s.receipts[key] = struct{}{}
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) UnreadMessageIds(chatId, userId string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for _, m := range s.messages {
		if m.ChatId == chatId && m.SenderId != userId {
			if _, ok := s.receipts[m.Id+":"+userId]; !ok {
				ids = append(ids, m.Id)
			}
		}
	}
	for _, m := range s.media {
		if m.ChatId == chatId && m.SenderId != userId {
			if _, ok := s.receipts[m.Id+":"+userId]; !ok {
				ids = append(ids, m.Id)
			}
		}
	}
	return ids, nil
}

func (s *fakeStore) CreateInvite(inv *types.ChatInvite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites[inv.Id] = inv
	return nil
}

func (s *fakeStore) GetInvite(id string) (*types.ChatInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.invites[id]; ok {
		return inv, nil
	}
	return nil, persistence.ErrNotFound
}

func (s *fakeStore) UpdateInvite(inv *types.ChatInvite) error {
	return s.CreateInvite(inv)
}

func (s *fakeStore) CreateFriend(f *types.Friend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := f.UserId + ":" + f.FriendId
	if _, ok := s.friends[key]; ok {
		return persistence.ErrDuplicate
	}
	s.friends[key] = f
	return nil
}

func (s *fakeStore) GetFriend(userId, friendId string) (*types.Friend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.friends[userId+":"+friendId]; ok {
		return f, nil
	}
	return nil, persistence.ErrNotFound
}

func (s *fakeStore) UpdateFriend(f *types.Friend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends[f.UserId+":"+f.FriendId] = f
	return nil
}

func (s *fakeStore) GetFriends(userId string) ([]*types.Friend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	friends := make([]*types.Friend, 0)
	for _, f := range s.friends {
		if f.UserId == userId || f.FriendId == userId {
			friends = append(friends, f)
		}
	}
	return friends, nil
}

func (s *fakeStore) Close() error { return nil }
