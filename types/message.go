package types

import "time"

const (
	MessageTypeText  = "TEXT"
	MessageTypeImage = "IMAGE"
	MessageTypeFile  = "FILE"
)

// ForwardedPrefix marks the content of a message duplicated via
// message:forward.
const ForwardedPrefix = "[Forwarded] "

// Message is a row of the text message table.
type Message struct {
	Id              string     `json:"id" gorm:"primaryKey"`
	ChatId          string     `json:"chat_id" gorm:"index"`
	SenderId        string     `json:"sender_id" gorm:"index"`
	Content         string     `json:"content"`
	Type            string     `json:"type"`
	ReplyToId       string     `json:"reply_to_id,omitempty"`
	IsEdited        bool       `json:"is_edited,omitempty"`
	EditedAt        *time.Time `json:"edited_at,omitempty"`
	OriginalContent string     `json:"original_content,omitempty"`
	IsForwarded     bool       `json:"is_forwarded,omitempty"`
	IsPinned        bool       `json:"is_pinned,omitempty"`
	PinnedBy        string     `json:"pinned_by,omitempty"`
	PinnedAt        *time.Time `json:"pinned_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// MediaMessage is a row of the parallel media message table. Content holds
// the caption. The split into two tables is a deliberate modeling decision
// carried over from the data model, see the Entry union below.
type MediaMessage struct {
	Id              string     `json:"id" gorm:"primaryKey"`
	ChatId          string     `json:"chat_id" gorm:"index"`
	SenderId        string     `json:"sender_id" gorm:"index"`
	Content         string     `json:"content"`
	Type            string     `json:"type"`
	FileUrl         string     `json:"file_url"`
	MimeType        string     `json:"mime_type,omitempty"`
	FileSize        int64      `json:"file_size,omitempty"`
	ReplyToId       string     `json:"reply_to_id,omitempty"`
	IsEdited        bool       `json:"is_edited,omitempty"`
	EditedAt        *time.Time `json:"edited_at,omitempty"`
	OriginalContent string     `json:"original_content,omitempty"`
	IsForwarded     bool       `json:"is_forwarded,omitempty"`
	IsPinned        bool       `json:"is_pinned,omitempty"`
	PinnedBy        string     `json:"pinned_by,omitempty"`
	PinnedAt        *time.Time `json:"pinned_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

const (
	EntryText  = "text"
	EntryMedia = "media"
)

// Entry is the tagged union over the two message tables. Exactly one of Text
// and Media is set, indicated by Kind. Reply, reaction, pin and read-receipt
// lookups probe the text table first and fall back to the media table, the
// rest of the core only deals with Entry.
type Entry struct {
	Kind  string
	Text  *Message
	Media *MediaMessage
}

func TextEntry(m *Message) Entry {
	return Entry{Kind: EntryText, Text: m}
}

func MediaEntry(m *MediaMessage) Entry {
	return Entry{Kind: EntryMedia, Media: m}
}

func (e Entry) IsZero() bool {
	return e.Text == nil && e.Media == nil
}

func (e Entry) Id() string {
	if e.Kind == EntryMedia {
		return e.Media.Id
	}
	return e.Text.Id
}

func (e Entry) ChatId() string {
	if e.Kind == EntryMedia {
		return e.Media.ChatId
	}
	return e.Text.ChatId
}

func (e Entry) SenderId() string {
	if e.Kind == EntryMedia {
		return e.Media.SenderId
	}
	return e.Text.SenderId
}

func (e Entry) Content() string {
	if e.Kind == EntryMedia {
		return e.Media.Content
	}
	return e.Text.Content
}

func (e Entry) IsPinned() bool {
	if e.Kind == EntryMedia {
		return e.Media.IsPinned
	}
	return e.Text.IsPinned
}

func (e Entry) CreatedAt() time.Time {
	if e.Kind == EntryMedia {
		return e.Media.CreatedAt
	}
	return e.Text.CreatedAt
}

// Payload returns the concrete row for wire serialization.
func (e Entry) Payload() interface{} {
	if e.Kind == EntryMedia {
		return e.Media
	}
	return e.Text
}
