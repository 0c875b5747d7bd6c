package chat

import (
	"time"

	"github.com/suPer8Hu/docqa/internal/answer"
	"gorm.io/datatypes"
)

type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

const DefaultTitle = "New Chat"

type Session struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID    uint64    `gorm:"index:idx_chat_session_user_updated,priority:1;not null" json:"-"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index:idx_chat_session_user_updated,priority:2" json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

type Message struct {
	ID        uint64                              `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string                              `gorm:"type:varchar(26);not null;index:idx_chat_msg_user_session_id,priority:2" json:"session_id"`
	UserID    uint64                              `gorm:"not null;index:idx_chat_msg_user_session_id,priority:1" json:"-"`
	Role      Role                                `gorm:"type:varchar(16);index;not null" json:"role"`
	Content   string                              `gorm:"type:text;not null" json:"content"`
	Sources   datatypes.JSONType[[]answer.Source] `json:"sources"`
	CreatedAt time.Time                           `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// SessionSummary is a list row: the session plus its activity.
type SessionSummary struct {
	Session
	MessageCount  int64
	LastMessage   *string
	LastMessageAt *time.Time
}

type SessionDetail struct {
	Session
	Messages []Message
}
