package types

import "time"

// Reaction is unique per (message, user, emoji); toggling an existing
// combination removes the row.
type Reaction struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	MessageId string    `json:"message_id" gorm:"index:idx_reaction,unique"`
	UserId    string    `json:"user_id" gorm:"index:idx_reaction,unique"`
	Emoji     string    `json:"emoji" gorm:"index:idx_reaction,unique"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadReceipt is unique per (message, user); inserts are idempotent.
type ReadReceipt struct {
	MessageId string    `json:"message_id" gorm:"primaryKey"`
	UserId    string    `json:"user_id" gorm:"primaryKey"`
	ReadAt    time.Time `json:"read_at"`
}
