package models

import "time"

// Conversation is the unit of per-chat state, keyed by channel and external
// chat identifier. Exactly one non-expired row exists per (channel, chat) pair.
type Conversation struct {
	ID             string `gorm:"primaryKey;size:36"` // uuid
	Channel        string `gorm:"size:32;not null;uniqueIndex:idx_channel_chat"`
	ExternalChatID string `gorm:"size:128;not null;uniqueIndex:idx_channel_chat"`
	DisplayName    string `gorm:"size:128"`
	CreatedAt      time.Time
	LastActivity   time.Time
	ExpiresAt      time.Time `gorm:"index"`
}

// ConversationMessage is one turn in a conversation. Messages are immutable
// once stored; Seq is assigned in arrival order within the conversation.
type ConversationMessage struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:36;not null;index:idx_conv_seq"`
	Seq            int    `gorm:"not null;index:idx_conv_seq"`
	Role           string `gorm:"size:16;not null"` // "inbound" or "outbound"
	Text           string `gorm:"type:text"`
	CreatedAt      time.Time
}
