package models

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one persisted timeline row. A user turn and its assistant reply
// share SequenceNumber; at most one of each exists per session.
type Message struct {
	ID               string     `json:"id" db:"id"` // ULID
	SessionID        uuid.UUID  `json:"session_id" db:"session_id"`
	SenderID         *uuid.UUID `json:"sender_id" db:"sender_id"` // nil for assistant replies
	Role             Role       `json:"role" db:"role"`
	Content          string     `json:"content" db:"content"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	IsAssistantReply bool       `json:"is_assistant_reply" db:"is_assistant_reply"`
	SequenceNumber   int64      `json:"sequence_number" db:"sequence_number"`
}

// SentBy reports whether the message was authored by the given user.
func (m *Message) SentBy(userID uuid.UUID) bool {
	return m.SenderID != nil && *m.SenderID == userID
}

// Turn is one entry of a completion prompt.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
