package types

import "time"

const (
	StatusOnline  = "ONLINE"
	StatusAway    = "AWAY"
	StatusBusy    = "BUSY"
	StatusOffline = "OFFLINE"
)

// ValidStatuses are the states a user may set via status:change. OFFLINE is
// only ever set by the server on disconnect.
var ValidStatuses = map[string]struct{}{
	StatusOnline: {},
	StatusAway:   {},
	StatusBusy:   {},
}

type User struct {
	Id           string    `json:"id" gorm:"primaryKey"`
	Username     string    `json:"username" gorm:"uniqueIndex"`
	Nickname     string    `json:"nickname"`
	PasswordHash string    `json:"-"`
	AvatarUrl    string    `json:"avatar_url"`
	Status       string    `json:"status"`
	Tags         JSONMap   `json:"tags"`
	LastSeen     time.Time `json:"last_seen"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"-"`
}
