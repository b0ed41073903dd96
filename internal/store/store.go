package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/confab/internal/crypto"
	"github.com/eldtechnologies/confab/internal/models"
)

// DataStore defines the interface for durable storage of users, sessions and messages.
// Both PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// User operations
	CreateUser(ctx context.Context, publicKey, name, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByPublicKey(ctx context.Context, publicKey string) (*models.User, error)
	CountUsers(ctx context.Context) (int64, error)

	// Session operations
	CreateSession(ctx context.Context, createdBy uuid.UUID, title, inviteHash string) (*models.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListSessionsForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Session, int, error)
	SoftDeleteSession(ctx context.Context, id, createdBy uuid.UUID) (bool, error)
	SetInviteHash(ctx context.Context, id uuid.UUID, inviteHash string) error
	CountSessions(ctx context.Context) (int64, error)

	// Participant operations
	AddParticipant(ctx context.Context, sessionID, userID uuid.UUID) (bool, error)
	ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)
	IsMember(ctx context.Context, sessionID, userID uuid.UUID) (bool, error)

	// Message operations
	InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	QueryMessages(ctx context.Context, sessionID uuid.UUID, offset, limit int) ([]models.Message, int, error)
	GetMessage(ctx context.Context, sessionID uuid.UUID, id string) (*models.Message, error)
	CountMessages(ctx context.Context) (int64, error)
	GetMostRecentMessageTime(ctx context.Context) (*time.Time, error)
}

// prepareMessage fills the generated fields of a row about to be inserted.
func prepareMessage(msg *models.Message) models.Message {
	row := *msg
	if row.ID == "" {
		row.ID = crypto.NewMessageID()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	row.CreatedAt = row.CreatedAt.UTC()
	if row.IsAssistantReply {
		row.Role = models.RoleAssistant
		row.SenderID = nil
	}
	return row
}

// SameTurn reports whether two rows occupy the same timeline slot with the
// same author. A re-posted row matching its stored copy is a retry, not a
// conflict.
func SameTurn(a, b *models.Message) bool {
	if a.SessionID != b.SessionID || a.SequenceNumber != b.SequenceNumber || a.IsAssistantReply != b.IsAssistantReply {
		return false
	}
	if a.IsAssistantReply {
		return true
	}
	return a.SenderID != nil && b.SenderID != nil && *a.SenderID == *b.SenderID
}
