package persistence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/corvidchat/corvid/config"
	"github.com/corvidchat/corvid/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil // no or wrong configuration, ignore the persister
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	err = db.Migrator().AutoMigrate(
		&types.User{},
		&types.Chat{},
		&types.ChatMember{},
		&types.ChatInvite{},
		&types.Message{},
		&types.MediaMessage{},
		&types.Reaction{},
		&types.ReadReceipt{},
		&types.Friend{},
	)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (p *GormPersist) CreateUser(user *types.User) error {
	return translate(p.db.Create(user).Error)
}

func (p *GormPersist) GetUser(id string) (*types.User, error) {
	user := types.User{}
	err := p.db.First(&user, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (p *GormPersist) GetUserByUsername(username string) (*types.User, error) {
	user := types.User{}
	err := p.db.First(&user, "username = ?", username).Error
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (p *GormPersist) GetUsers() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.Find(&users).Error
	return users, translate(err)
}

func (p *GormPersist) UpdateUser(user *types.User) error {
	return translate(p.db.Save(user).Error)
}

func (p *GormPersist) UpdateUserStatus(userId, status string, lastSeen time.Time) error {
	return translate(p.db.Model(&types.User{}).Where("id = ?", userId).
		Updates(map[string]interface{}{"status": status, "last_seen": lastSeen}).Error)
}

func (p *GormPersist) DeleteUser(id string) error {
	return translate(p.db.Delete(&types.User{}, "id = ?", id).Error)
}

func (p *GormPersist) CreateChat(chat *types.Chat, creator *types.ChatMember) error {
	return translate(p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(chat).Error; err != nil {
			return err
		}
		if creator != nil {
			return tx.Create(creator).Error
		}
		return nil
	}))
}

func (p *GormPersist) GetChat(id string) (*types.Chat, error) {
	chat := types.Chat{}
	err := p.db.First(&chat, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &chat, nil
}

func (p *GormPersist) GetChats() ([]*types.Chat, error) {
	chats := make([]*types.Chat, 0)
	err := p.db.Find(&chats).Error
	return chats, translate(err)
}

func (p *GormPersist) GetChatsForUser(userId string) ([]*types.Chat, error) {
	chats := make([]*types.Chat, 0)
	err := p.db.
		Joins("JOIN chat_members ON chat_members.chat_id = chats.id").
		Where("chat_members.user_id = ?", userId).
		Order("chats.last_activity DESC").
		Find(&chats).Error
	return chats, translate(err)
}

func (p *GormPersist) TouchChat(chatId string, at time.Time) error {
	return translate(p.db.Model(&types.Chat{}).Where("id = ?", chatId).
		Update("last_activity", at).Error)
}

func (p *GormPersist) DeleteChat(id string) error {
	return translate(p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&types.ChatMember{}, "chat_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&types.Chat{}, "id = ?", id).Error
	}))
}

func (p *GormPersist) AddMember(member *types.ChatMember) error {
	return translate(p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(member).Error)
}

func (p *GormPersist) RemoveMember(chatId, userId string) error {
	return translate(p.db.Delete(&types.ChatMember{}, "chat_id = ? AND user_id = ?", chatId, userId).Error)
}

func (p *GormPersist) IsMember(userId, chatId string) (bool, error) {
	var count int64
	err := p.db.Model(&types.ChatMember{}).
		Where("chat_id = ? AND user_id = ?", chatId, userId).
		Count(&count).Error
	return count > 0, translate(err)
}

func (p *GormPersist) GetMember(userId, chatId string) (*types.ChatMember, error) {
	member := types.ChatMember{}
	err := p.db.First(&member, "chat_id = ? AND user_id = ?", chatId, userId).Error
	if err != nil {
		return nil, translate(err)
	}
	return &member, nil
}

func (p *GormPersist) SetMemberRole(chatId, userId, role string) error {
	res := p.db.Model(&types.ChatMember{}).
		Where("chat_id = ? AND user_id = ?", chatId, userId).
		Update("role", role)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *GormPersist) ChatIdsForUser(userId string) ([]string, error) {
	ids := make([]string, 0)
	err := p.db.Model(&types.ChatMember{}).
		Where("user_id = ?", userId).
		Pluck("chat_id", &ids).Error
	return ids, translate(err)
}

func (p *GormPersist) MemberIdsForChat(chatId string) ([]string, error) {
	ids := make([]string, 0)
	err := p.db.Model(&types.ChatMember{}).
		Where("chat_id = ?", chatId).
		Pluck("user_id", &ids).Error
	return ids, translate(err)
}

func (p *GormPersist) StoreMessage(msg *types.Message) error {
	return translate(p.db.Create(msg).Error)
}

func (p *GormPersist) StoreMediaMessage(msg *types.MediaMessage) error {
	return translate(p.db.Create(msg).Error)
}

func (p *GormPersist) UpdateMessage(msg *types.Message) error {
	return translate(p.db.Save(msg).Error)
}

func (p *GormPersist) UpdateMediaMessage(msg *types.MediaMessage) error {
	return translate(p.db.Save(msg).Error)
}

func (p *GormPersist) UpdateEntry(entry types.Entry) error {
	if entry.Kind == types.EntryMedia {
		return p.UpdateMediaMessage(entry.Media)
	}
	return p.UpdateMessage(entry.Text)
}

func (p *GormPersist) DeleteEntry(entry types.Entry) error {
	if entry.Kind == types.EntryMedia {
		return translate(p.db.Delete(&types.MediaMessage{}, "id = ?", entry.Media.Id).Error)
	}
	return translate(p.db.Delete(&types.Message{}, "id = ?", entry.Text.Id).Error)
}

func (p *GormPersist) GetEntry(id string) (types.Entry, error) {
	msg := types.Message{}
	err := p.db.First(&msg, "id = ?", id).Error
	if err == nil {
		return types.TextEntry(&msg), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Entry{}, translate(err)
	}
	media := types.MediaMessage{}
	err = p.db.First(&media, "id = ?", id).Error
	if err != nil {
		return types.Entry{}, translate(err)
	}
	return types.MediaEntry(&media), nil
}

func (p *GormPersist) GetChatEntries(chatId string, limit, offset int) ([]types.Entry, error) {
	msgs := make([]*types.Message, 0)
	err := p.db.Where("chat_id = ?", chatId).
		Order("created_at DESC").Limit(limit + offset).
		Find(&msgs).Error
	if err != nil {
		return nil, translate(err)
	}
	media := make([]*types.MediaMessage, 0)
	err = p.db.Where("chat_id = ?", chatId).
		Order("created_at DESC").Limit(limit + offset).
		Find(&media).Error
	if err != nil {
		return nil, translate(err)
	}
	entries := make([]types.Entry, 0, len(msgs)+len(media))
	for _, m := range msgs {
		entries = append(entries, types.TextEntry(m))
	}
	for _, m := range media {
		entries = append(entries, types.MediaEntry(m))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt().After(entries[j].CreatedAt())
	})
	if offset >= len(entries) {
		return []types.Entry{}, nil
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (p *GormPersist) FindReaction(messageId, userId, emoji string) (*types.Reaction, error) {
	r := types.Reaction{}
	err := p.db.First(&r, "message_id = ? AND user_id = ? AND emoji = ?", messageId, userId, emoji).Error
	if err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (p *GormPersist) AddReaction(r *types.Reaction) error {
	return translate(p.db.Create(r).Error)
}

func (p *GormPersist) RemoveReaction(id string) error {
	return translate(p.db.Delete(&types.Reaction{}, "id = ?", id).Error)
}

func (p *GormPersist) ReactionCounts(messageId string) (map[string]int, error) {
	type row struct {
		Emoji string
		N     int
	}
	rows := make([]row, 0)
	err := p.db.Model(&types.Reaction{}).
		Select("emoji, count(*) as n").
		Where("message_id = ?", messageId).
		Group("emoji").
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Emoji] = r.N
	}
	return counts, nil
}

func (p *GormPersist) MarkRead(receipts []*types.ReadReceipt) (int, error) {
	if len(receipts) == 0 {
		return 0, nil
	}
	res := p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&receipts)
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return int(res.RowsAffected), nil
}

func (p *GormPersist) UnreadMessageIds(chatId, userId string) ([]string, error) {
	readSub := func() *gorm.DB {
		return p.db.Model(&types.ReadReceipt{}).
			Select("message_id").
			Where("user_id = ?", userId)
	}
	ids := make([]string, 0)
	err := p.db.Model(&types.Message{}).
		Where("chat_id = ? AND sender_id <> ?", chatId, userId).
		Where("id NOT IN (?)", readSub()).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, translate(err)
	}
	mediaIds := make([]string, 0)
	err = p.db.Model(&types.MediaMessage{}).
		Where("chat_id = ? AND sender_id <> ?", chatId, userId).
		Where("id NOT IN (?)", readSub()).
		Pluck("id", &mediaIds).Error
	if err != nil {
		return nil, translate(err)
	}
	return append(ids, mediaIds...), nil
}

func (p *GormPersist) CreateInvite(inv *types.ChatInvite) error {
	return translate(p.db.Create(inv).Error)
}

func (p *GormPersist) GetInvite(id string) (*types.ChatInvite, error) {
	inv := types.ChatInvite{}
	err := p.db.First(&inv, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &inv, nil
}

func (p *GormPersist) UpdateInvite(inv *types.ChatInvite) error {
	return translate(p.db.Save(inv).Error)
}

func (p *GormPersist) CreateFriend(f *types.Friend) error {
	return translate(p.db.Create(f).Error)
}

func (p *GormPersist) GetFriend(userId, friendId string) (*types.Friend, error) {
	f := types.Friend{}
	err := p.db.First(&f, "user_id = ? AND friend_id = ?", userId, friendId).Error
	if err != nil {
		return nil, translate(err)
	}
	return &f, nil
}

func (p *GormPersist) UpdateFriend(f *types.Friend) error {
	return translate(p.db.Save(f).Error)
}

func (p *GormPersist) GetFriends(userId string) ([]*types.Friend, error) {
	friends := make([]*types.Friend, 0)
	err := p.db.Where("user_id = ? OR friend_id = ?", userId, userId).Find(&friends).Error
	return friends, translate(err)
}

func (p *GormPersist) Close() error {
	return nil
}
