package chat

import (
	"context"

	"github.com/google/uuid"

	"github.com/eldtechnologies/confab/internal/models"
)

// Store is the durable, append-only message store.
type Store interface {
	// InsertMessage stores a row and returns it as persisted. A reused
	// (session, sequence, is_assistant_reply) slot fails with
	// ErrConstraintViolation.
	InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error)

	// QueryMessages returns rows ordered by creation time plus the session's
	// total count.
	QueryMessages(ctx context.Context, sessionID uuid.UUID, offset, limit int) ([]models.Message, int, error)
}

// MessageLookup is implemented by stores that can fetch a row by ID. The
// Writer uses it to recognise its own earlier insert when a retry collides
// with it.
type MessageLookup interface {
	// GetMessage returns the row, or nil when the session has no such ID.
	GetMessage(ctx context.Context, sessionID uuid.UUID, id string) (*models.Message, error)
}

// Feed delivers rows inserted into a session by any participant. The
// channel is closed when the subscription ends; cancelling ctx unsubscribes.
type Feed interface {
	Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan models.Message, error)
}

// Provider streams an assistant completion. The token channel is closed
// when the stream ends, after which the error channel yields nil or the
// failure and is closed.
type Provider interface {
	Stream(ctx context.Context, turns []models.Turn) (<-chan string, <-chan error)
}
