package chat

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/eldtechnologies/confab/internal/models"
)

// MaxContentLength bounds a single message body, in characters.
const MaxContentLength = 32000

// Status is the delivery state of a timeline entry.
type Status string

const (
	StatusPending   Status = "pending"   // shown optimistically, not yet stored
	StatusSent      Status = "sent"      // confirmed by the store
	StatusFailed    Status = "failed"    // persistence gave up; user may retry
	StatusStreaming Status = "streaming" // assistant reply still receiving tokens
)

// Source records where an entry entered the timeline.
type Source int

const (
	SourceLocal Source = iota
	SourceRemote
	SourceStream
)

// Message is the single shape the timeline works with.
type Message struct {
	ID               string
	SessionID        uuid.UUID
	SenderID         *uuid.UUID
	Role             models.Role
	Content          string
	CreatedAt        time.Time
	IsAssistantReply bool
	Sequence         int64
	Status           Status
	Source           Source
}

type turnKey struct {
	seq       int64
	assistant bool
}

func (m Message) key() turnKey {
	return turnKey{seq: m.Sequence, assistant: m.IsAssistantReply}
}

// FromRow normalizes a stored row or realtime payload.
func FromRow(row models.Message) Message {
	role := row.Role
	if row.IsAssistantReply {
		role = models.RoleAssistant
	} else if role == "" {
		role = models.RoleUser
	}
	return Message{
		ID:               row.ID,
		SessionID:        row.SessionID,
		SenderID:         row.SenderID,
		Role:             role,
		Content:          row.Content,
		CreatedAt:        row.CreatedAt,
		IsAssistantReply: row.IsAssistantReply,
		Sequence:         row.SequenceNumber,
		Status:           StatusSent,
		Source:           SourceRemote,
	}
}

// Row converts the entry back to the stored shape.
func (m Message) Row() models.Message {
	return models.Message{
		ID:               m.ID,
		SessionID:        m.SessionID,
		SenderID:         m.SenderID,
		Role:             m.Role,
		Content:          m.Content,
		CreatedAt:        m.CreatedAt,
		IsAssistantReply: m.IsAssistantReply,
		SequenceNumber:   m.Sequence,
	}
}

func localTurn(id string, session, sender uuid.UUID, content string, seq int64, now time.Time) Message {
	return Message{
		ID:        id,
		SessionID: session,
		SenderID:  &sender,
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: now,
		Sequence:  seq,
		Status:    StatusPending,
		Source:    SourceLocal,
	}
}

func placeholder(session uuid.UUID, seq int64, now time.Time) Message {
	return Message{
		ID:               "reply-" + strconv.FormatInt(seq, 10),
		SessionID:        session,
		Role:             models.RoleAssistant,
		CreatedAt:        now,
		IsAssistantReply: true,
		Sequence:         seq,
		Status:           StatusStreaming,
		Source:           SourceStream,
	}
}

// ValidateContent trims a message body and rejects empty or oversized input.
func ValidateContent(text string) (string, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return "", &ValidationError{Field: "content", Reason: "message is empty"}
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", &ValidationError{Field: "content", Reason: "message is too long"}
	}
	return content, nil
}

// less is the display order: sequence ascending, user turn before assistant
// reply, then arrival time and id for stability.
func less(a, b Message) bool {
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	if a.IsAssistantReply != b.IsAssistantReply {
		return !a.IsAssistantReply
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
