package types

import "time"

const (
	FriendPending  = "PENDING"
	FriendAccepted = "ACCEPTED"
)

// Friend is directed: UserId requested, FriendId was requested.
type Friend struct {
	UserId    string    `json:"user_id" gorm:"primaryKey"`
	FriendId  string    `json:"friend_id" gorm:"primaryKey"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
