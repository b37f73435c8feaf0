package models

import "time"

// DeliveryFailure records a reply that could not be delivered after the
// retry budget was exhausted (or failed permanently). The pipeline never
// drops a generated reply without leaving one of these behind.
type DeliveryFailure struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	Channel        string `gorm:"size:32;not null;index"`
	ExternalChatID string `gorm:"size:128;not null"`
	Text           string `gorm:"type:text"`
	Attempts       int    `gorm:"not null"`
	Reason         string `gorm:"size:16;not null"` // "exhausted" or "permanent"
	LastError      string `gorm:"size:512"`
	CreatedAt      time.Time
}
