package types

import (
	"time"

	"gorm.io/gorm"
)

// ChatMessage is a direct message between two users
type ChatMessage struct {
	gorm.Model  `json:"-"`
	MessageID   string     `gorm:"uniqueIndex" json:"id"`
	SenderID    string     `gorm:"index:idx_chat_pair" json:"sender_id"`
	RecipientID string     `gorm:"index:idx_chat_pair;index:idx_chat_unread" json:"recipient_id"`
	Content     string     `gorm:"size:1000" json:"content"`
	IsRead      bool       `gorm:"index:idx_chat_unread" json:"is_read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
