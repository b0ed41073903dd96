package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTitle is used when a session is created without a title.
const DefaultSessionTitle = "New Collaborative Session"

// Session is a collaborative conversation shared by its creator and any
// participants who accepted an invite.
type Session struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	CreatedBy  uuid.UUID  `json:"created_by" db:"created_by"`
	Title      string     `json:"title" db:"title"`
	InviteHash string     `json:"-" db:"invite_hash"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsDeleted reports whether the session has been soft-deleted.
func (s *Session) IsDeleted() bool {
	return s.DeletedAt != nil
}

// Participant records that a user joined a session through an invite.
// The creator is never stored as a participant.
type Participant struct {
	SessionID uuid.UUID `json:"session_id" db:"session_id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	JoinedAt  time.Time `json:"joined_at" db:"joined_at"`
}
