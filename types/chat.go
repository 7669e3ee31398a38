package types

import "time"

const (
	RoleMember    = "member"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

type Chat struct {
	Id           string    `json:"id" gorm:"primaryKey"`
	Name         string    `json:"name"`
	IsGroup      bool      `json:"is_group"`
	AvatarUrl    string    `json:"avatar_url"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChatMember is the durable membership record, one row per (chat, user).
type ChatMember struct {
	ChatId   string    `json:"chat_id" gorm:"primaryKey"`
	UserId   string    `json:"user_id" gorm:"primaryKey"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// CanPin reports whether the member role allows pinning messages.
func (m *ChatMember) CanPin() bool {
	return m.Role == RoleModerator || m.Role == RoleAdmin
}

const (
	InvitePending  = "PENDING"
	InviteAccepted = "ACCEPTED"
	InviteDeclined = "DECLINED"
)

type ChatInvite struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	ChatId    string    `json:"chat_id" gorm:"index"`
	InviterId string    `json:"inviter_id"`
	InviteeId string    `json:"invitee_id" gorm:"index"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
