package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatMessage is one persisted message in a project chat channel. SenderID is
// nil for AI-authored messages; RecipientID is nil for messages addressed to
// the assistant.
type ChatMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`

	SenderID    *uuid.UUID `gorm:"type:uuid;index" json:"sender_id,omitempty"`
	RecipientID *uuid.UUID `gorm:"type:uuid;index" json:"recipient_id,omitempty"`

	Content string `gorm:"column:content;type:text;not null;default:''" json:"content"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatMessage) TableName() string { return "chat_message" }
