package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"index"`
	Tier         string    `gorm:"not null;default:free"`
	MessageCount int64     `gorm:"not null;default:0"`
	TokenCount   int64     `gorm:"not null;default:0"`
	Role         string    `gorm:"not null;default:user"`
	Active       bool      `gorm:"not null;default:true"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type ConversationModel struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index:idx_conversations_user_updated,priority:1"`
	Title     string `gorm:"not null"`
	Model     string
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index:idx_conversations_user_updated,priority:2"`
}

type MessageModel struct {
	ID               string    `gorm:"primaryKey"`
	ConversationID   string    `gorm:"not null;index:idx_messages_conversation_created,priority:1"`
	UserID           string    `gorm:"not null;index"`
	Role             string    `gorm:"not null"`
	Content          string    `gorm:"type:text;not null"`
	PromptTokens     int64     `gorm:"not null;default:0"`
	CompletionTokens int64     `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"not null;index:idx_messages_conversation_created,priority:2"`
}

type UsageLogModel struct {
	ID           string    `gorm:"primaryKey"`
	UserID       string    `gorm:"not null;index"`
	MessageID    string    `gorm:"not null"`
	TokensUsed   int64     `gorm:"not null"`
	CostEstimate float64   `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index"`
}

type ChatSettingsModel struct {
	UserID      string  `gorm:"primaryKey"`
	Model       string  `gorm:"not null"`
	Temperature float64 `gorm:"not null"`
	MaxTokens   int     `gorm:"not null"`
	UpdatedAt   time.Time
}

type AdminLogModel struct {
	ID           string         `gorm:"primaryKey"`
	AdminID      string         `gorm:"not null;index"`
	Action       string         `gorm:"not null"`
	TargetUserID string         `gorm:"index"`
	Details      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null;index"`
}
